package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Statement scopes
const (
	ScopeAutocommit  = "autocommit"
	ScopeTransaction = "transaction"
)

// Transaction events
const (
	TxOpened     = "opened"
	TxCommitted  = "committed"
	TxRolledBack = "rolled_back"
	TxFailed     = "failed"
)

// Registry holds the session metrics. A nil *Registry is valid and records nothing.
type Registry struct {
	StatementsTotal   *prometheus.CounterVec
	StatementDuration *prometheus.HistogramVec
	TransactionsTotal *prometheus.CounterVec
	OpenTransactions  prometheus.Gauge
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewRegistry registers all session metrics with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		StatementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "txsession",
				Subsystem: "session",
				Name:      "statements_total",
				Help:      "Total number of statements run by the session",
			},
			[]string{"operation", "scope", "outcome"},
		),
		StatementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "txsession",
				Subsystem: "session",
				Name:      "statement_duration_seconds",
				Help:      "Statement duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
			},
			[]string{"operation", "scope"},
		),
		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "txsession",
				Subsystem: "session",
				Name:      "transactions_total",
				Help:      "Transaction lifecycle events",
			},
			[]string{"event"},
		),
		OpenTransactions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "txsession",
				Subsystem: "session",
				Name:      "open_transactions",
				Help:      "Number of transactions currently open",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "txsession",
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// ObserveStatement records one statement.
func (r *Registry) ObserveStatement(operation, scope string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.StatementsTotal.WithLabelValues(operation, scope, outcome).Inc()
	r.StatementDuration.WithLabelValues(operation, scope).Observe(elapsed.Seconds())
}

// TransactionEvent records a transaction lifecycle event.
func (r *Registry) TransactionEvent(event string) {
	if r == nil {
		return
	}
	r.TransactionsTotal.WithLabelValues(event).Inc()
}

// SetOpenTransactions updates the open transaction gauge.
func (r *Registry) SetOpenTransactions(n int) {
	if r == nil {
		return
	}
	r.OpenTransactions.Set(float64(n))
}

// HTTPRequest records one served request.
func (r *Registry) HTTPRequest(method, route, status string) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}

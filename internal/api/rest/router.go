package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/txsession/internal/metrics"
)

// RouterConfig holds API configuration
type RouterConfig struct {
	Version string
	Logger  *zap.Logger

	// Metrics records request counts; Gatherer serves GET /metrics. Either
	// may be nil.
	Metrics  *metrics.Registry
	Gatherer prometheus.Gatherer

	// RequestsPerSecond and Burst configure the per-client limiter; zero
	// disables it.
	RequestsPerSecond float64
	Burst             int
}

// NewRouter wires the session API, health and metrics endpoints behind the
// middleware chain.
func NewRouter(svc SessionService, cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}

	mux := http.NewServeMux()
	NewHandler(svc, cfg.Version, cfg.Logger).RegisterRoutes(mux)
	mux.Handle("GET /healthz", NewHealthHandler(svc, cfg.Version, cfg.Logger))
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	middlewares := []Middleware{
		RecoveryMiddleware(cfg.Logger),
		RequestIDMiddleware(),
		LoggingMiddleware(cfg.Logger),
	}
	if cfg.RequestsPerSecond > 0 {
		middlewares = append(middlewares, NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst).Middleware())
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, MetricsMiddleware(cfg.Metrics))
	}

	return Chain(mux, middlewares...)
}

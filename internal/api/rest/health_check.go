package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
)

// HealthStatus represents the health status
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusFail HealthStatus = "fail"
)

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status           HealthStatus `json:"status"`
	Version          string       `json:"version"`
	Connected        bool         `json:"connected"`
	OpenTransactions int          `json:"open_transactions"`
	Uptime           string       `json:"uptime"`
	Detail           string       `json:"detail,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// HealthHandler reports process liveness and, once connected, whether the
// session connection still answers.
type HealthHandler struct {
	session   SessionService
	version   string
	timeout   time.Duration
	startTime time.Time
	logger    *zap.Logger
}

// NewHealthHandler creates the health endpoint
func NewHealthHandler(svc SessionService, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		session:   svc,
		version:   version,
		timeout:   5 * time.Second,
		startTime: time.Now(),
		logger:    logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           HealthStatusPass,
		Version:          h.version,
		Connected:        h.session.Connected(),
		OpenTransactions: len(h.session.OpenTransactions()),
		Uptime:           time.Since(h.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if resp.Connected {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		err := h.session.Ping(ctx)
		switch {
		case err == nil:
		case errors.Is(err, domainErrors.ErrConnectionBusy):
			// held by a shared-mode transaction
			resp.Detail = "session connection held by an open transaction"
		default:
			h.logger.Warn("health check ping failed", zap.Error(err))
			resp.Status = HealthStatusFail
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

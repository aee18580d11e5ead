package rest

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
)

// ErrorHandler maps errors to a status code and an error body
type ErrorHandler interface {
	HandleError(err error) (int, *ErrorResponse)
}

// ValidationError is a malformed request rejected before reaching the session
type ValidationError struct {
	Message string
	Details string
	Fields  map[string][]string
}

func (e *ValidationError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// DefaultErrorHandler implements ErrorHandler for session errors
type DefaultErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) ErrorHandler {
	return &DefaultErrorHandler{logger: logger}
}

// HandleError converts an error into a status code and response body.
// Driver and connection failures keep the engine's message so clients can
// act on it.
func (h *DefaultErrorHandler) HandleError(err error) (int, *ErrorResponse) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Type:    string(domainErrors.ErrorTypeValidation),
			Code:    "VALIDATION_ERROR",
			Message: validationErr.Error(),
			Fields:  validationErr.Fields,
		}
	}

	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Type == domainErrors.ErrorTypeInternal {
			h.logger.Error("internal error", zap.Error(err))
		}
		return appErr.StatusCode, &ErrorResponse{
			Type:     string(appErr.Type),
			Code:     appErr.Code,
			Message:  err.Error(),
			Metadata: appErr.Details,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, &ErrorResponse{Code: "REQUEST_TIMEOUT", Message: "request timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout, &ErrorResponse{Code: "REQUEST_CANCELED", Message: "request was canceled"}
	}

	h.logger.Error("unhandled error", zap.Error(err))
	return http.StatusInternalServerError, &ErrorResponse{
		Type:    string(domainErrors.ErrorTypeInternal),
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
	}
}

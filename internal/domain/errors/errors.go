package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types for the session failure taxonomy
type ErrorType string

const (
	ErrorTypeConnection   ErrorType = "connection"
	ErrorTypeDriver       ErrorType = "driver"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeNotConnected ErrorType = "not_connected"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInternal     ErrorType = "internal"
)

// AppError represents a structured session error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by type and code so that sentinel values work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewConnectionError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConnection,
		Code:       "CONNECTION_FAILED",
		Message:    message,
		StatusCode: http.StatusBadGateway,
	}
}

// NewConnectionLostError reports that an established connection was closed
// underneath the session, typically after a cancelled statement.
func NewConnectionLostError() *AppError {
	return &AppError{
		Type:       ErrorTypeConnection,
		Code:       "CONNECTION_LOST",
		Message:    "session connection lost; reconnect to continue",
		StatusCode: http.StatusBadGateway,
	}
}

func NewDriverError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeDriver,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func NewNotConnectedError() *AppError {
	return &AppError{
		Type:       ErrorTypeNotConnected,
		Code:       "NOT_CONNECTED",
		Message:    "session is not connected",
		StatusCode: http.StatusConflict,
	}
}

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// Predefined common errors. They are templates for errors.Is checks; construct
// fresh values with the New* functions before attaching causes or details.
var (
	ErrNotConnected        = NewNotConnectedError()
	ErrTransactionNotFound = NewNotFoundError("transaction")
	ErrAlreadyConnected    = NewConflictError("ALREADY_CONNECTED", "session is already connected")
	ErrConnectionLost      = NewConnectionLostError()
	ErrConnectionBusy      = NewConflictError("CONNECTION_BUSY", "session connection is held by an open transaction")
	ErrTooManyTransactions = NewConflictError("TOO_MANY_TRANSACTIONS", "open transaction limit reached")
	ErrMultipleRows        = NewDriverError("MULTIPLE_ROWS", "query returned more than one row")
	ErrColumnNotFound      = NewValidationError("COLUMN_NOT_FOUND", "column not found in result set")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

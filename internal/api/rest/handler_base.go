package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestMeta contains metadata about the current request
type RequestMeta struct {
	RequestID string
	TraceID   string
	ClientIP  string
	StartTime time.Time
}

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

// ResponseMeta contains response metadata
type ResponseMeta struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	ResponseTime string    `json:"response_time,omitempty"`
}

// ErrorResponse provides detailed error information
type ErrorResponse struct {
	Type     string                 `json:"type,omitempty"`
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Fields   map[string][]string    `json:"fields,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct {
	validator    *validator.Validate
	tracer       trace.Tracer
	errorHandler ErrorHandler
	apiVersion   string
	logger       *zap.Logger
}

// NewBaseHandler creates a base handler with request validation and tracing
func NewBaseHandler(apiVersion string, logger *zap.Logger) *BaseHandler {
	v := validator.New()
	v.RegisterValidation("notblank", validateNotBlank)

	return &BaseHandler{
		validator:    v,
		tracer:       otel.Tracer("api.rest"),
		errorHandler: NewErrorHandler(logger),
		apiVersion:   apiVersion,
		logger:       logger,
	}
}

// HandlerOption configures handler behavior
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	maxBodySize   int64
	timeout       time.Duration
	successStatus int
}

// WithMaxBodySize caps the request body size.
func WithMaxBodySize(size int64) HandlerOption {
	return func(c *handlerConfig) { c.maxBodySize = size }
}

// WithTimeout bounds the handler's context.
func WithTimeout(d time.Duration) HandlerOption {
	return func(c *handlerConfig) { c.timeout = d }
}

// WithStatus sets the status written on success.
func WithStatus(status int) HandlerOption {
	return func(c *handlerConfig) { c.successStatus = status }
}

// WrapHandler turns a typed handler into an http.HandlerFunc that traces the
// request, bounds its body and duration, and writes the response envelope.
func (h *BaseHandler) WrapHandler(
	method, pattern string,
	handler func(context.Context, *http.Request) (interface{}, error),
	opts ...HandlerOption,
) http.HandlerFunc {
	config := &handlerConfig{
		maxBodySize:   1 << 20, // 1MB default
		timeout:       30 * time.Second,
		successStatus: http.StatusOK,
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), fmt.Sprintf("%s %s", method, pattern),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", method),
				attribute.String("http.route", pattern),
			),
		)
		defer span.End()

		meta := h.extractRequestMeta(r, span)
		ctx = context.WithValue(ctx, contextKeyRequestMeta, meta)

		if config.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, config.timeout)
			defer cancel()
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, config.maxBodySize)
		}
		r = r.WithContext(ctx)

		res, err := handler(ctx, r)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			h.handleError(w, meta, err)
			return
		}

		h.writeSuccess(w, config.successStatus, res, meta)
	}
}

// DecodeAndValidate parses the JSON body into v and validates it.
func (h *BaseHandler) DecodeAndValidate(r *http.Request, v interface{}) error {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return &ValidationError{Message: "Content-Type must be application/json"}
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return h.parseBodyError(err)
	}

	if err := h.validator.Struct(v); err != nil {
		return h.formatValidationError(err)
	}
	return nil
}

// parseBodyError converts body reading errors to validation errors
func (h *BaseHandler) parseBodyError(err error) error {
	var maxBytesError *http.MaxBytesError
	if errors.As(err, &maxBytesError) {
		return &ValidationError{
			Message: fmt.Sprintf("Request body too large (max %d bytes)", maxBytesError.Limit),
		}
	}
	if errors.Is(err, io.EOF) {
		return &ValidationError{Message: "Request body is required"}
	}
	return &ValidationError{Message: "Invalid JSON", Details: err.Error()}
}

// formatValidationError converts validator errors to our format
func (h *BaseHandler) formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &ValidationError{Message: "Validation error", Details: err.Error()}
	}

	fields := make(map[string][]string)
	for _, fe := range validationErrors {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "This field is required"
		case "notblank":
			msg = "Must not be blank"
		case "min":
			msg = fmt.Sprintf("Minimum value is %s", fe.Param())
		case "max":
			msg = fmt.Sprintf("Maximum value is %s", fe.Param())
		default:
			msg = fmt.Sprintf("Failed %s validation", fe.Tag())
		}
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		fields[field] = append(fields[field], msg)
	}

	return &ValidationError{Message: "Validation failed", Fields: fields}
}

// writeSuccess writes a successful response
func (h *BaseHandler) writeSuccess(w http.ResponseWriter, status int, data interface{}, meta *RequestMeta) {
	writeJSON(w, status, ResponseEnvelope{
		Success: true,
		Data:    data,
		Meta:    h.responseMeta(meta),
	})
}

// handleError converts domain errors to HTTP responses
func (h *BaseHandler) handleError(w http.ResponseWriter, meta *RequestMeta, err error) {
	status, resp := h.errorHandler.HandleError(err)
	resp.TraceID = meta.TraceID

	writeJSON(w, status, ResponseEnvelope{
		Success: false,
		Error:   resp,
		Meta:    h.responseMeta(meta),
	})
}

func (h *BaseHandler) responseMeta(meta *RequestMeta) ResponseMeta {
	return ResponseMeta{
		RequestID:    meta.RequestID,
		Timestamp:    time.Now().UTC(),
		Version:      h.apiVersion,
		ResponseTime: time.Since(meta.StartTime).String(),
	}
}

func (h *BaseHandler) extractRequestMeta(r *http.Request, span trace.Span) *RequestMeta {
	meta := &RequestMeta{
		RequestID: r.Header.Get("X-Request-ID"),
		ClientIP:  clientIP(r),
		StartTime: time.Now(),
	}
	if meta.RequestID == "" {
		meta.RequestID = uuid.New().String()
	}
	if sc := span.SpanContext(); sc.IsValid() {
		meta.TraceID = sc.TraceID().String()
	}
	return meta
}

// writeJSON writes JSON response with proper headers
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

type contextKey string

const contextKeyRequestMeta contextKey = "request_meta"

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

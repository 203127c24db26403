package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Glacestorm/automation-engine/internal/engine"
	"github.com/Glacestorm/automation-engine/internal/events"
	"github.com/Glacestorm/automation-engine/internal/orchestrator"
	"github.com/Glacestorm/automation-engine/internal/scheduler"
	"github.com/Glacestorm/automation-engine/internal/store"
)

// Error codes for consistent error identification.
const (
	ErrCodeAuthRequired   = "auth_required"
	ErrCodeInvalidToken   = "invalid_token"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Short error code
	Message   string                 `json:"message"`              // Human-readable message
	Details   map[string]interface{} `json:"details,omitempty"`    // Optional additional details
	RequestID string                 `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// statusFor maps domain errors onto HTTP status codes. Anything not
// recognized is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, events.ErrUnknownEvent):
		return http.StatusNotFound
	case errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTerminal),
		errors.Is(err, engine.ErrNotWaiting),
		errors.Is(err, engine.ErrDefinitionInactive),
		errors.Is(err, orchestrator.ErrTaskTerminal),
		errors.Is(err, orchestrator.ErrInvalidStatus),
		errors.Is(err, events.ErrNotReprocessable),
		errors.Is(err, scheduler.ErrJobInactive):
		return http.StatusConflict
	case errors.Is(err, events.ErrPayloadInvalid),
		errors.Is(err, events.ErrHandlerValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ErrCodeAuthRequired
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status)
	}
	var details map[string]any
	if err != nil {
		details = map[string]any{"cause": err.Error()}
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

// respondDomainError translates a service-layer error into its HTTP
// shape. Handlers use it wherever the failure mode depends on which
// sentinel the service returned.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.respondError(w, r, statusFor(err), message, err)
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

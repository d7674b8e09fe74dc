package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Attestation and registry failure classes. Registry implementations wrap
// the underlying cause with one of these so callers can classify with errors.Is.
var (
	// ErrTransportFailure means the encrypted connection to the registry
	// could not be established.
	ErrTransportFailure = errors.New("registry transport failure")
	// ErrQueryFailure means the registry was reachable but the statement failed.
	ErrQueryFailure = errors.New("registry query failure")
	// ErrSentinelIdentity means neither hardware field could be read.
	ErrSentinelIdentity = errors.New("machine identity could not be read")
	// ErrCancelled means the caller's context ended before the check completed.
	ErrCancelled = errors.New("attestation cancelled")
	// ErrNotFound means the requested allow-list entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateMAC means the MAC address is already on the allow-list.
	ErrDuplicateMAC = errors.New("mac address already registered")
)

// Transport wraps cause as a transport failure.
func Transport(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransportFailure, cause)
}

// Query wraps cause as a query failure.
func Query(cause error) error {
	return fmt.Errorf("%w: %w", ErrQueryFailure, cause)
}

// Kind returns a short, stable label for err, suitable for metric attributes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrSentinelIdentity):
		return "sentinel_identity"
	case errors.Is(err, ErrTransportFailure):
		return "transport"
	case errors.Is(err, ErrQueryFailure):
		return "query"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateMAC):
		return "duplicate"
	default:
		return "other"
	}
}

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError represents a single field validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// NewValidationErrors creates validation errors from multiple fields
func NewValidationErrors(errs []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", errs)
}

// InvalidParameter reports a malformed path or query parameter.
func InvalidParameter(name, value string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_PARAMETER", fmt.Sprintf("invalid %s", name), value)
}

// Unauthorized reports a missing or unknown API key.
func Unauthorized() *APIError {
	return New(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
}

// Forbidden reports a valid API key without the required role.
func Forbidden() *APIError {
	return New(http.StatusForbidden, "FORBIDDEN", "API key is not permitted to perform this operation")
}

// RateLimited reports that the client exceeded its request budget.
func RateLimited() *APIError {
	return New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
}

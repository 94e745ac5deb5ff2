// Package errors provides standardized API error types for the FM and DO services.
package errors

import (
	"fmt"
	"net/http"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    details,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// Standard error definitions
var (
	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrWrongRole is returned when an endpoint is called on an FM running
	// the other federation role.
	ErrWrongRole = &APIError{
		Code:       "wrong_role",
		Message:    "This operation is not available for the configured domain role",
		StatusCode: http.StatusForbidden,
	}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &APIError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrMonitorRunning is returned when a second resource monitor is requested.
	ErrMonitorRunning = &APIError{
		Code:       "monitor_running",
		Message:    "A resource monitor is already running",
		StatusCode: http.StatusConflict,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrLedger is returned when a ledger transaction or query fails.
	ErrLedger = &APIError{
		Code:       "ledger_error",
		Message:    "Ledger operation failed",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrOrchestration is returned when a container runtime or kernel call fails.
	ErrOrchestration = &APIError{
		Code:       "orchestration_error",
		Message:    "Host orchestration operation failed",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrProtocolTimeout is returned when a federation wait loop exceeds its deadline.
	ErrProtocolTimeout = &APIError{
		Code:       "protocol_timeout",
		Message:    "Federation wait loop exceeded its deadline",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "not_found",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// NewLedgerError creates a ledger error carrying the underlying reason verbatim.
func NewLedgerError(reason string) *APIError {
	return &APIError{
		Code:       "ledger_error",
		Message:    reason,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewTimeoutError creates a protocol timeout error for a specific wait phase.
func NewTimeoutError(phase string) *APIError {
	return &APIError{
		Code:       "protocol_timeout",
		Message:    fmt.Sprintf("timed out waiting for %s", phase),
		StatusCode: http.StatusInternalServerError,
	}
}

// IsAPIError checks if an error is an APIError.
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal with the original message otherwise.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal.WithMessage(err.Error())
}

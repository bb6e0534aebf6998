// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation        = errors.New("validation error")
	ErrTransport         = errors.New("transport error")
	ErrProtocol          = errors.New("protocol error")
	ErrShape             = errors.New("shape error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInternal          = errors.New("internal error")
)

// maxBodyExcerpt caps how much of a failed response body is kept for diagnostics.
const maxBodyExcerpt = 4096

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // For validation errors (e.g., "locations", "solver")
	Resource   string // For not found/conflict (e.g., "job")
	ID         string // Id of the resource for not found/conflict
	Op         string // Operation that failed (e.g., "solver.solve")
	StatusCode int    // Upstream HTTP status for transport errors, 0 if none
	Body       string // Upstream response body excerpt for transport errors
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause, so
// errors.Is(err, context.DeadlineExceeded) works for timed out calls.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Transport creates an error for a failed round trip: connection failure,
// timeout, or a non-success status code (status > 0, body retained).
func Transport(op string, status int, body []byte, cause error) error {
	msg := fmt.Sprintf("%s: HTTP %d", op, status)
	if status == 0 && cause != nil {
		msg = fmt.Sprintf("%s: %v", op, cause)
	}
	if len(body) > maxBodyExcerpt {
		body = body[:maxBodyExcerpt]
	}
	return &Error{
		Sentinel:   ErrTransport,
		Message:    msg,
		Op:         op,
		StatusCode: status,
		Body:       string(body),
		Cause:      cause,
	}
}

// Protocol creates an error for a response body that could not be parsed.
func Protocol(op string, cause error) error {
	return &Error{
		Sentinel: ErrProtocol,
		Message:  fmt.Sprintf("%s: unparseable response: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Shape creates an error for a parseable payload that matches no known schema.
func Shape(message string) error {
	return &Error{
		Sentinel: ErrShape,
		Message:  message,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// Conflict creates a conflict error for a resource. An empty reason
// defaults to "<resource> <id> conflicts with its current state".
func Conflict(resource, id, reason string) error {
	if reason == "" {
		reason = fmt.Sprintf("%s %s conflicts with its current state", resource, id)
	}
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		ID:       id,
	}
}

// InvalidTransition creates an error for a rejected state machine move.
func InvalidTransition(resource, from, to string) error {
	return &Error{
		Sentinel: ErrInvalidTransition,
		Message:  fmt.Sprintf("%s cannot transition from %s to %s", resource, from, to),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Kind returns a short, stable name for the error class, for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrShape):
		return "shape"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}

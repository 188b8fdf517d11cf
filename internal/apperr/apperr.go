// Package apperr provides the kind-tagged error taxonomy used across the
// backend and its RFC 7807 problem-details rendering.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping. Errors are
// tagged by kind, not by type name.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindPermission     Kind = "permission"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindQuota          Kind = "quota"
	KindRateLimit      Kind = "rate_limit"
	KindCircuitOpen    Kind = "circuit_open"
	KindToolExecution  Kind = "tool_execution"
	KindInternal       Kind = "internal"
)

// Retryable reports whether the kind suggests the caller may retry.
func (k Kind) Retryable() bool {
	return k == KindRateLimit
}

// Error is a kind-tagged error. Impact optionally carries the cascade impact
// of a conflicting delete; RetryAfter carries a hint in seconds.
type Error struct {
	Kind       Kind
	Message    string
	Impact     map[string]any
	RetryAfter int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a kind-tagged error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and message.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Permission creates a permission error.
func Permission(format string, args ...any) *Error {
	return New(KindPermission, format, args...)
}

// Quota creates a quota error.
func Quota(format string, args ...any) *Error {
	return New(KindQuota, format, args...)
}

// KindOf extracts the kind from an error chain; unknown errors are internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Problem is an RFC 7807 problem-details document with extensions.
type Problem struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Impact     map[string]any `json:"impact,omitempty"`
	RetryAfter int            `json:"retry_after,omitempty"`
}

// statusFor maps each kind to its HTTP status.
var statusFor = map[Kind]int{
	KindValidation:     http.StatusBadRequest,
	KindAuthentication: http.StatusUnauthorized,
	KindPermission:     http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindConflict:       http.StatusConflict,
	KindQuota:          http.StatusTooManyRequests,
	KindRateLimit:      http.StatusTooManyRequests,
	KindCircuitOpen:    http.StatusServiceUnavailable,
	KindToolExecution:  http.StatusInternalServerError,
	KindInternal:       http.StatusInternalServerError,
}

// ToProblem renders an error as a problem-details document. Conflicts that
// carry an impact map are typed "confirmation_required" so clients can render
// a cascade-delete confirmation.
func ToProblem(err error) Problem {
	kind := KindOf(err)
	status, ok := statusFor[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	problem := Problem{
		Type:   string(kind),
		Title:  http.StatusText(status),
		Status: status,
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		problem.Detail = appErr.Message
		problem.Impact = appErr.Impact
		problem.RetryAfter = appErr.RetryAfter
		if kind == KindConflict && len(appErr.Impact) > 0 {
			problem.Type = "confirmation_required"
		}
	} else if err != nil {
		// Internal errors keep their detail out of responses.
		problem.Detail = "internal error"
	}

	return problem
}

// Package errs defines the error taxonomy returned by trip operations.
// Every rejected operation carries a stable Kind; transports map the Kind to
// a status code and never expose the wrapped cause.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	InvalidInput    Kind = "InvalidInput"
	Unauthenticated Kind = "Unauthenticated"
	Forbidden       Kind = "Forbidden"
	NotFound        Kind = "NotFound"
	Conflict        Kind = "Conflict"
	Unavailable     Kind = "Unavailable"
	Internal        Kind = "Internal"
)

var statusByKind = map[Kind]int{
	InvalidInput:    http.StatusBadRequest,
	Unauthenticated: http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	Conflict:        http.StatusConflict,
	Unavailable:     http.StatusServiceUnavailable,
	Internal:        http.StatusInternalServerError,
}

// Error is a domain error with a stable kind and a caller-safe message.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, errs.E(errs.NotFound, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

func E(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Invalid(msg string) *Error { return E(InvalidInput, msg) }

func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "authentication required"
	}
	return E(Unauthenticated, msg)
}

func Deny(msg string) *Error {
	if msg == "" {
		msg = "access denied"
	}
	return E(Forbidden, msg)
}

func Missing(resource string) *Error { return E(NotFound, resource+" not found") }

func Conflicting(msg string) *Error { return E(Conflict, msg) }

func NoCapacity(msg string) *Error { return E(Unavailable, msg) }

// Internalf wraps an unexpected failure. The message shown to callers is fixed.
func Internalf(err error, format string, args ...any) *Error {
	return &Error{Kind: Internal, Message: "internal error", Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

// KindOf returns the kind of err, or Internal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func HTTPStatus(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Public returns the kind, message and details safe to show a caller.
func Public(err error) (Kind, string, map[string]string) {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Kind, e.Message, e.Details
	}
	return Internal, "internal error", nil
}

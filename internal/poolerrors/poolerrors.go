// Package poolerrors defines the error kinds shared across the pool
// manager's domain packages, so the API layer can map any error back to
// an HTTP status with a single errors.As switch instead of string
// matching.
package poolerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the pool control
// loop's error handling design.
type Kind string

const (
	KindBadRequest     Kind = "bad_request"
	KindUnauthorized   Kind = "unauthorized"
	KindNotFound       Kind = "not_found"
	KindNoIdleAvailable Kind = "no_idle_available"
	KindConflict       Kind = "conflict"
	KindTimedOut       Kind = "timed_out"
)

// Error is a typed pool-manager error carrying a Kind so callers can map
// it to an HTTP status via errors.As without inspecting message text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// BadRequest wraps a caller-contract violation (malformed claim body, etc).
func BadRequest(msg string) error { return newError(KindBadRequest, msg, nil) }

// Unauthorized wraps a missing/invalid bearer token.
func Unauthorized(msg string) error { return newError(KindUnauthorized, msg, nil) }

// NotFound wraps a reference to an instance id not present in the cache.
func NotFound(msg string) error { return newError(KindNotFound, msg, nil) }

// NoIdleAvailable wraps a claim attempt with no eligible idle instance.
func NoIdleAvailable(msg string) error { return newError(KindNoIdleAvailable, msg, nil) }

// Conflict wraps a gateway 409 ("already bound"); a claim must abort, never
// auto-release, since the remote state is unknown.
func Conflict(msg string) error { return newError(KindConflict, msg, nil) }

// TimedOut wraps a bounded wait (create-timeout, recycle poll) that expired.
func TimedOut(msg string, err error) error { return newError(KindTimedOut, msg, err) }

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Package errs defines the error taxonomy shared by the inbox, session and
// chat services. Handlers map each Kind to a transport status.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller should react to it.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindState       Kind = "state"
	KindExpired     Kind = "expired"
	KindStore       Kind = "store"
	KindRateLimited Kind = "rate_limited"
)

// Error carries a Kind, a short machine-readable reason and the wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Validation(reason string) *Error { return New(KindValidation, reason) }

func NotFound(reason string) *Error { return New(KindNotFound, reason) }

func State(reason string) *Error { return New(KindState, reason) }

func Expired(reason string) *Error { return New(KindExpired, reason) }

func RateLimited(reason string) *Error { return New(KindRateLimited, reason) }

// Store wraps an underlying I/O failure. Store errors are retryable.
func Store(reason string, err error) *Error { return Wrap(KindStore, reason, err) }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the Reason of the first *Error in err's chain, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether retrying the same call may succeed.
func Retryable(err error) bool {
	return Is(err, KindStore)
}

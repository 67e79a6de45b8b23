// Package apperr implements the error taxonomy from spec §7 as wrapped,
// inspectable errors rather than exceptions: every kind is surfaced through
// a normal error return, and only invariant violations ever panic.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy buckets from spec §7.
type Kind string

const (
	KindUserRequest          Kind = "user_request"
	KindNotFound             Kind = "not_found"
	KindTerminal             Kind = "terminal"
	KindRateLimited          Kind = "rate_limited"
	KindDuplicateIdempotent  Kind = "duplicate_idempotent"
	KindTransientDriver      Kind = "transient_driver"
	KindPersistentDriver     Kind = "persistent_driver"
	KindInternal             Kind = "internal"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags an existing error with a Kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// As reports the Kind of err, defaulting to KindInternal for plain errors.
func As(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

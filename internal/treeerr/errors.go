// Package treeerr defines the error taxonomy shared by every component of
// the tree-sync core: validation, conflict, transient, permanent, and fatal
// failures, per the error handling design.
package treeerr

import (
	"errors"
	"fmt"
)

// Class categorizes a failure so callers can decide whether to retry,
// surface it to the user, or fail permanently.
type Class string

const (
	// ClassValidation means the envelope or op shape was invalid. Never
	// retried; the envelope is marked failed permanently.
	ClassValidation Class = "validation"
	// ClassConflict means a referent was missing, a cycle would form, or
	// the target node was the wrong kind. Reported to the caller; the
	// envelope is marked failed without retry.
	ClassConflict Class = "conflict"
	// ClassTransient means a network/timeout/5xx failure. Retried up to
	// maxRetries with backoff.
	ClassTransient Class = "transient"
	// ClassPermanent means a non-validation 4xx from the server. Marked
	// failed, not retried.
	ClassPermanent Class = "permanent"
	// ClassFatal means the persistent store itself is suspect. Surfaced to
	// the user; recovery is offered via a database reset.
	ClassFatal Class = "fatal"
)

// Sentinel errors identifying the specific failure, wrapped by *Error so
// callers can branch on Class via Is/As without string matching.
var (
	// ErrInvalidOrder is returned by the order key allocator when the
	// caller passes left >= right; this is always a caller bug.
	ErrInvalidOrder = errors.New("invalid order: left key must be less than right key")
	// ErrInvalidOp covers cycle creation, unknown parent, and moving or
	// removing the root.
	ErrInvalidOp = errors.New("invalid operation")
	// ErrAlreadyApplied is the idempotency signal: the envelope id was
	// already applied and the call should return the prior result.
	ErrAlreadyApplied = errors.New("envelope already applied")
	// ErrNotFound covers missing nodes, envelopes, or subscriptions.
	ErrNotFound = errors.New("not found")
	// ErrMalformedURL flags a create_bookmark op with an unparsable URL.
	ErrMalformedURL = errors.New("malformed bookmark url")
)

// Error wraps a sentinel with its class and the operation name that
// produced it, so logging and syncStatus surfaces can report both without
// re-deriving the class from the error string.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a *Error of the given class.
func Is(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// ClassOf returns the class of err, or "" if err is not a *Error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

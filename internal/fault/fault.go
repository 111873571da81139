// Package fault classifies every failure the sync core can produce. A failure
// is classified before it leaves the component that detected it; callers
// branch on Kind, not on error strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a failure class with a fixed propagation rule.
type Kind string

const (
	// InvalidTransition is a local validation failure. It never leaves the
	// device and is returned synchronously to the issuer.
	InvalidTransition Kind = "invalid_transition"

	// Unauthenticated means no credential is available. Draining suspends;
	// queued mutations stay queued.
	Unauthenticated Kind = "unauthenticated"

	// Transient covers network errors, timeouts and 5xx-class responses.
	// The mutation is retried with backoff.
	Transient Kind = "transient"

	// Rejected means the remote authority refused the mutation as a business
	// rule. Terminal per mutation, never retried.
	Rejected Kind = "rejected"

	// Superseded means a newer authoritative state made the local intent
	// moot. Informational, not a user-facing error.
	Superseded Kind = "superseded"

	// Corrupt means the store found a record violating its invariants on
	// load. The record is quarantined and excluded from sync.
	Corrupt Kind = "corrupt"
)

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a reason string.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates a classified error with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of err, or "" if err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should be retried with backoff. Only
// transient failures are; everything else is terminal per mutation.
func Retryable(err error) bool {
	return Is(err, Transient)
}

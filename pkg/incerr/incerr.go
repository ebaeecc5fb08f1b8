// Package incerr defines the error taxonomy shared by the lifecycle engine,
// router, and storage layer. Callers classify failures by Kind to decide
// whether to show the user a transient alert, a permission notice, or a
// generic retry message.
package incerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for presentation and retry decisions.
type Kind string

const (
	// KindValidation marks malformed or missing input.
	KindValidation Kind = "validation_error"
	// KindPermission marks an actor lacking the capability for an operation.
	KindPermission Kind = "permission_denied"
	// KindStateConflict marks an operation illegal in the incident's current state.
	KindStateConflict Kind = "state_conflict"
	// KindNotFound marks a missing incident, user, or department.
	KindNotFound Kind = "not_found"
	// KindStorage marks a persistence failure.
	KindStorage Kind = "storage_error"
	// KindChat marks a chat-platform delivery failure.
	KindChat Kind = "chat_error"
)

// Error carries a kind plus a human-readable reason suitable for user alerts.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to an underlying cause. Returns nil when
// cause is nil so storage helpers can wrap unconditionally.
func Wrap(cause error, kind Kind, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// KindStorage so callers fail safe with a generic retry message.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// ReasonOf extracts the user-facing reason from an error chain, or a generic
// fallback for unclassified errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "something went wrong, please try again"
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Package engine implements the follow-up scheduling core: the enrollment
// state machine, send-time computation, reply gating, round-robin variant
// selection and the batch schedule processor. It talks to storage, SMTP and
// IMAP only through the interfaces in interfaces.go.
package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Repository implementations when a record does
// not exist. Controllers map it to 404.
var ErrNotFound = errors.New("record not found")

// ValidationError reports bad input that is local to a single call: a
// duplicate enrollment, an invalid send window, a step index out of range.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation that is illegal for the
// enrollment's current status, e.g. resuming a non-paused enrollment.
type InvalidStateError struct {
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s enrollment in status %q", e.Op, e.Status)
}

// ConfigError reports a malformed sequence: empty variants, empty allowed
// weekdays, inverted window hours, an unknown delay unit.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps a send or inspect failure that may succeed on a
// retry. The engine performs no retries of its own; the affected schedule is
// marked failed and the enrollment stalls until resumed or re-triggered.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError reports a rejected credential. It is surfaced to the caller and
// never retried automatically.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: credential rejected: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

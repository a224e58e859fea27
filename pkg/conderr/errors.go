package conderr

import (
	"errors"
	"fmt"
)

// Class categorises errors by what the caller is allowed to do about
// them; essentially, is this error:
//   - a transient problem with a collaborator, so worth trying again?
//   - not going to work until an operator takes some action?
//   - a control signal rather than a failure at all?
type Class string

const (
	// TransientNetwork covers connection resets, DNS failures, 5xx
	// responses and the like. Retried with backoff.
	TransientNetwork Class = "transient-network"
	// Authentication means the remote rejected our credential. Retried
	// once after a credential refresh, fatal after that.
	Authentication Class = "authentication"
	// RecognizedKeyConflict is a merge conflict confined to the
	// trust-material subdirectory; it is auto-resolved, so callers
	// should only ever see it wrapped in a successful resolution log.
	RecognizedKeyConflict Class = "recognized-key-conflict"
	// UnrecognizedConflict is any other merge conflict. Fatal; requires
	// operator intervention.
	UnrecognizedConflict Class = "unrecognized-conflict"
	// AlreadyScheduled is the idempotence guard on (build, test job)
	// scheduling. It is a control signal, not a failure.
	AlreadyScheduled Class = "already-scheduled"
	// LabUnavailable means the device lab refused dispatch (capacity,
	// device offline). Retried up to a bound, then failed-to-schedule.
	LabUnavailable Class = "lab-unavailable"
	// BuildTimeout is a build that did not reach a terminal CI state
	// within the poll ceiling. Terminal, never retried.
	BuildTimeout Class = "build-timeout"
	// Usage is an invalid invocation; exits with code 1.
	Usage Class = "usage"
)

// Error carries a class alongside the underlying error. The class
// drives retry policy in the worker pool; the underlying error is what
// gets logged.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given class.
func New(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Newf is New with a formatted message.
func Newf(class Class, format string, args ...interface{}) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the class of err, or "" if err carries none.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Is reports whether err belongs to the given class.
func Is(err error, class Class) bool {
	return ClassOf(err) == class
}

// Retryable reports whether the worker pool may retry the operation
// that produced err. Only transient classes qualify; everything else
// terminates the task and persists a terminal status.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case TransientNetwork, LabUnavailable:
		return true
	}
	return false
}

// Package fault defines the error taxonomy shared by the remote clients,
// the record store and the proposal service.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers should react to it.
type Kind string

const (
	// InvalidInput means caller-supplied data failed validation. Never retried.
	InvalidInput Kind = "invalid_input"
	// Unconfigured means a required external endpoint is not set. Never retried.
	Unconfigured Kind = "unconfigured"
	// Transient covers 5xx responses, timeouts and open circuits.
	Transient Kind = "transient"
	// Permanent covers non-success responses other than 5xx and expected not-found.
	Permanent Kind = "permanent"
	// Unparsable means a remote response had no recognised shape.
	Unparsable Kind = "unparsable"
	// NotFound is reserved for operations where absence is an error for the caller.
	NotFound Kind = "not_found"
	// Conflict means the write collides with existing state.
	Conflict Kind = "conflict"
)

// Error carries a Kind plus enough context to log and map it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Status is the remote HTTP status, when one was observed.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an Error around err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid is shorthand for an InvalidInput error.
func Invalid(op, format string, args ...any) *Error {
	return New(InvalidInput, op, fmt.Sprintf(format, args...))
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the remote status recorded in err's chain, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

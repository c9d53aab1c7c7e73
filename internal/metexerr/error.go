package metexerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can react to the category without
// inspecting backend-specific details.
type Kind string

const (
	// KindConnection covers unreachable backends, rejected credentials and
	// failed health checks.
	KindConnection Kind = "connection"
	// KindValidation covers invalid or missing required input, raised before
	// any I/O happens.
	KindValidation Kind = "validation"
	// KindNotFound covers lookups of names that were never registered.
	KindNotFound Kind = "not_found"
)

// Error is a kind-coded error that can be surfaced to callers without
// leaking backend-specific details.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e Error) Unwrap() error {
	return e.Err
}

// New constructs a new kind-coded error.
func New(kind Kind, message string, err error) Error {
	return Error{Kind: kind, Message: message, Err: err}
}

// Newf constructs a new kind-coded error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) Error {
	return Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
		if err == nil {
			return false
		}
	}
	return false
}

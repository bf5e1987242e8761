// Package cvmerr defines the error taxonomy from spec §7 as comparable
// sentinel kinds, so callers can branch on failure class with errors.Is
// instead of string matching, the idiomatic Go rendition of the C error
// codes the original tool returned from every function.
package cvmerr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy members from spec §7.
type Kind string

const (
	InvalidArgument  Kind = "invalid_argument"
	NotFound         Kind = "not_found"
	OutOfRange       Kind = "out_of_range"
	OutOfSpace       Kind = "out_of_space"
	IoError          Kind = "io_error"
	CorruptFormat    Kind = "corrupt_format"
	HashMismatch     Kind = "hash_mismatch"
	ExternalTool     Kind = "external_tool_failure"
	LifecycleInvalid Kind = "lifecycle_error"
)

// Error pairs a taxonomy Kind with the operation that failed and the
// underlying cause, so diagnostics can name the failing operation as
// spec §7's propagation policy requires.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, cvmerr.AsTarget(cvmerr.HashMismatch)) style checks by comparing
// Kind directly against a bare Kind value wrapped as an error.
func (e *Error) Is(target error) bool {
	var k kindSentinel
	if errors.As(target, &k) {
		return e.Kind == Kind(k)
	}
	return false
}

// New constructs an *Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// kindSentinel lets a bare Kind be used as an errors.Is target via
// cvmerr.AsTarget.
type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// AsTarget wraps a Kind so it can be passed to errors.Is, e.g.
// errors.Is(err, cvmerr.AsTarget(cvmerr.HashMismatch)).
func AsTarget(k Kind) error { return kindSentinel(k) }

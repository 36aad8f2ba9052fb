// Package errs classifies failures in the grading pipeline so retry and
// reporting decisions stay consistent across batch processing and the
// realtime channel.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an error.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindTransient is a transient network failure worth retrying.
	KindTransient
	// KindUnavailable means the remote grading service is down or overloaded.
	KindUnavailable
	// KindValidation means the input can never succeed as-is.
	KindValidation
	// KindPermission means the caller is not allowed to perform the operation.
	KindPermission
	// KindExhausted means a resource limit was hit and a cooldown applies.
	KindExhausted
	// KindCancelled means the operation was cancelled by the caller.
	// Cancellation is a terminal outcome, not a failure.
	KindCancelled
	// KindProtocol means an inbound message could not be decoded.
	KindProtocol
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindExhausted:
		return "exhausted"
	case KindCancelled:
		return "cancelled"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error.
// Wrapping nil returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapWithContext wraps an error with additional context information.
func WrapWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

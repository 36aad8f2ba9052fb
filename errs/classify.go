package errs

import (
	"context"
	"errors"
	"strings"
)

// transientPatterns match error text from transports that do not classify
// their own failures.
var transientPatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"no such host",
	"temporary failure",
	"network is unreachable",
	"i/o timeout",
	"broken pipe",
	"unexpected eof",
}

// KindOf returns the kind carried by err, or KindUnknown.
// Context cancellation maps to KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	return KindUnknown
}

// Classify returns the kind of err, promoting unclassified errors whose text
// looks like a transient transport failure to KindTransient.
func Classify(err error) Kind {
	kind := KindOf(err)
	if kind != KindUnknown {
		return kind
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return KindTransient
		}
	}

	return KindUnknown
}

// Retryable reports whether an error of this kind is worth retrying.
// Validation, permission and protocol failures never succeed on retry;
// cancellation is a terminal outcome.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindUnavailable, KindExhausted:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether err represents caller-initiated cancellation.
func IsCancelled(err error) bool {
	return Classify(err) == KindCancelled
}

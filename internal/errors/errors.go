// Package errors classifies failures raised by the automation components.
//
// Every operation returns an explicit error value; the Kind attached to it tells
// the caller whether to retry, remediate, log and continue, or stop.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindUnknown is reported for errors that were never classified.
	KindUnknown Kind = iota
	// KindTransient failures are retried with backoff.
	KindTransient
	// KindRemediable failures match a known remediation pattern.
	KindRemediable
	// KindDegraded failures are counted and skipped; the batch continues.
	KindDegraded
	// KindFatal failures stop the process with a non-zero exit code.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRemediable:
		return "remediable"
	case KindDegraded:
		return "degraded"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as retryable.
func Transient(op string, err error) error { return Wrap(KindTransient, op, err) }

// Remediable wraps err as matching a known fix.
func Remediable(op string, err error) error { return Wrap(KindRemediable, op, err) }

// Degraded wraps err as non-fatal.
func Degraded(op string, err error) error { return Wrap(KindDegraded, op, err) }

// Fatal wraps err as a hard stop.
func Fatal(op string, err error) error { return Wrap(KindFatal, op, err) }

// Fatalf creates a fatal error from a format string.
func Fatalf(op, format string, args ...any) error {
	return &Error{Kind: KindFatal, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

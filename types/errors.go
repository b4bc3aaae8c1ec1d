package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a step failed
type ErrorKind string

const (
	KindConnection      ErrorKind = "ConnectionError"
	KindQuery           ErrorKind = "QueryError"
	KindTransport       ErrorKind = "TransportError"
	KindParse           ErrorKind = "ParseError"
	KindRestartFailed   ErrorKind = "RestartFailed"
	KindAssertionFailed ErrorKind = "AssertionFailed"
	KindCanceled        ErrorKind = "Canceled"
	KindUnknown         ErrorKind = "Unknown"
)

// Error is a classified failure from one of the pipeline collaborators
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the operation that produced it
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
// Context cancellation and deadline errors that were never classified
// report KindCanceled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

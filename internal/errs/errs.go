// Package errs defines the error kinds surfaced by the triage pipeline.
// Callers only ever see a Kind; the wrapped error stays internal.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation and for the caller-facing response.
type Kind string

const (
	KindNone        Kind = ""
	KindValidation  Kind = "validation"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindParse       Kind = "parse"
	KindInternal    Kind = "internal"
)

// Error carries a Kind, the operation that failed, and the underlying cause.
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

// E builds an *Error. A nil cause is allowed for pure validation failures.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for a validation error with a formatted message.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err. Context deadlines map to KindTimeout and
// cancellations to KindUnavailable; anything untyped is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindInternal
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromContext wraps err with a kind derived from ctx: a context past its
// deadline yields a Timeout, anything else the fallback kind.
func FromContext(ctx context.Context, op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: fallback, Op: op, Err: err}
}

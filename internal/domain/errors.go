package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the core surfaces. Kinds drive the
// recovery policy: transient kinds are retried, the rest are terminal for
// the operation that raised them.
type ErrorKind string

const (
	KindValidation      ErrorKind = "VALIDATION"
	KindDuplicate       ErrorKind = "DUPLICATE"
	KindSafetyViolation ErrorKind = "SAFETY_VIOLATION"
	KindBreaker         ErrorKind = "BREAKER"
	KindRiskVeto        ErrorKind = "RISK_VETO"
	KindTimeout         ErrorKind = "TIMEOUT"
	KindTransientBus    ErrorKind = "TRANSIENT_BUS"
	KindTransientStore  ErrorKind = "TRANSIENT_STORE"
	KindFatal           ErrorKind = "FATAL"
	KindNotFound        ErrorKind = "NOT_FOUND"
)

// Error carries a taxonomy kind alongside the underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a taxonomy kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from err, or KindFatal if err carries
// no kind (an unclassified failure is treated as an invariant breach).
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientBus, KindTransientStore:
		return true
	}
	return false
}

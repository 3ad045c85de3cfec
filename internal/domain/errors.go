package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for the operation surface. Every error
// that crosses the dispatch boundary carries exactly one kind.
type ErrorKind string

const (
	ErrConnectionFailed  ErrorKind = "connection_failed"
	ErrQueryFailed       ErrorKind = "query_failed"
	ErrTransactionFailed ErrorKind = "transaction_failed"
	ErrSecurityViolation ErrorKind = "security_violation"
	ErrConfiguration     ErrorKind = "configuration_error"
	ErrPool              ErrorKind = "pool_error"
	ErrTimeout           ErrorKind = "timeout"
	ErrUnsupported       ErrorKind = "unsupported_operation"
	ErrValidation        ErrorKind = "validation_error"
)

// Sentinels for states callers commonly branch on.
var (
	// ErrPoolExhausted is wrapped into a pool_error when acquisition
	// times out with all slots checked out.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrTxDone is wrapped into a transaction_failed when an operation
	// is attempted on a committed or rolled-back transaction.
	ErrTxDone = errors.New("transaction already finished")

	// ErrEngineUnknown is wrapped into a configuration_error when a
	// request names an unregistered engine id.
	ErrEngineUnknown = errors.New("unknown engine id")
)

// Error is the structured failure surfaced by every Kestrel operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a structured error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(kind ErrorKind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report query_failed, the catch-all for backend faults.
func KindOf(err error) ErrorKind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrQueryFailed
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an error may be retried for idempotent
// reads. Only transient connection faults and timeouts qualify;
// security violations and validation failures never do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrConnectionFailed, ErrTimeout:
		return true
	default:
		return false
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies ledger failures.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorRejected  ErrorKind = "rejected"
)

// TransientError reports a retryable failure such as a dropped connection or
// a congested mempool.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient ledger failure", e.Op)
	}
	return fmt.Sprintf("%s: transient ledger failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError reports a logic failure the ledger will keep refusing until
// the plan or the remote state changes.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Reason)
}

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func Rejected(op, reason string) error {
	return &RejectedError{Op: op, Reason: reason}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

// KindOf maps any error to the taxonomy. Context errors count as transient
// because the request may be retried once the caller is back.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case IsTransient(err):
		return ErrorTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorTransient
	default:
		return ErrorRejected
	}
}

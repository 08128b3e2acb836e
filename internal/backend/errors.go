package backend

import (
	"errors"
	"fmt"
)

// ErrUnsupportedResource means the adapter cannot handle the resource
// kind or descriptor shape. Never retried.
var ErrUnsupportedResource = errors.New("unsupported resource")

// ErrResourceUnavailable means the source or the engine was unreachable
// at start time. Treated as transient.
var ErrResourceUnavailable = errors.New("resource unavailable")

// TransferError is a failure reported by an engine during a transfer.
type TransferError struct {
	Transient bool
	Reason    string
	Err       error
}

func (e *TransferError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s transfer error: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s transfer error: %s", kind, e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Err }

// NewTransient wraps a retryable transfer failure.
func NewTransient(reason string, err error) *TransferError {
	return &TransferError{Transient: true, Reason: reason, Err: err}
}

// NewPermanent wraps a non-retryable transfer failure.
func NewPermanent(reason string, err error) *TransferError {
	return &TransferError{Transient: false, Reason: reason, Err: err}
}

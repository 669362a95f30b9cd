package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStoreUnavailable marks infrastructure failures of the shared lock
	// store. Boundaries map it to a 5xx response, never to "no task".
	ErrStoreUnavailable = errors.New("lock store unavailable")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
)

// StoreError wraps a failed lock store operation.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError returns a StoreError for op, or nil if err is nil.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("crowdlock: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports ErrStoreUnavailable for every StoreError.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// IsTransient reports whether err is worth retrying immediately.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout)
}

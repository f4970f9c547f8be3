package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when an observation carries neither an email nor a phone number.
	ErrInvalidInput = errors.New("either email or phoneNumber must be provided")
	// ErrInvariantViolation is returned when the store hands back data the
	// resolver cannot canonicalize into a single-primary cluster.
	ErrInvariantViolation = errors.New("cluster invariant violation")
)

// StoreError wraps a failure of the contact store, transaction or lock.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) || errors.Is(err, ErrInvariantViolation) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func invariantErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

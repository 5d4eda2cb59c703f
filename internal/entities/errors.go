package entities

import (
	"context"
	"errors"
	"net"
)

var (
	ErrInvalidTenantID      = errors.New("invalid tenant id")
	ErrTenantNotProvisioned = errors.New("tenant not provisioned")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNoResponseGenerated  = errors.New("no response generated")
	ErrAIDisabled           = errors.New("assistant disabled for tenant")
	ErrDegradedRag          = errors.New("retrieval unavailable, answering without knowledge context")
	ErrNotFound             = errors.New("not found")
)

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Temporary() bool { return true }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Fatal marks err as unrecoverable, overriding any transient cause it wraps.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsTransient classifies err as a retryable step failure: timeouts, rate limits,
// connectivity problems and anything exposing Temporary() true.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

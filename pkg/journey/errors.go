package journey

import (
	"errors"
	"fmt"
)

// Common errors for store and machine operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleWrite is returned when an optimistic-concurrency check
	// fails; the caller should re-read and retry once.
	ErrStaleWrite = errors.New("stale write: session modified concurrently")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("journey store is closed")
	// ErrDuplicateTouchpoint is returned when a touchpoint's sequence
	// number has already been applied. Safe to treat as success for
	// at-least-once delivery.
	ErrDuplicateTouchpoint = errors.New("duplicate touchpoint sequence")
	// ErrOutOfOrderTouchpoint is returned when a touchpoint arrives
	// ahead of the next expected sequence number.
	ErrOutOfOrderTouchpoint = errors.New("touchpoint sequence out of order")
	// ErrSessionTerminal is returned for operations on a session that
	// reached a terminal stage.
	ErrSessionTerminal = errors.New("session is in a terminal stage")
)

// ValidationError marks malformed or unknown input. It is rejected
// immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError is a business-rule rejection. It carries the
// session's current stage and its legal targets so the caller can resync.
type InvalidTransitionError struct {
	SessionID string
	From      Stage
	To        Stage
	Allowed   []Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for session %s (allowed: %v)",
		e.From, e.To, e.SessionID, e.Allowed)
}

// TransientError wraps a storage failure worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable storage trouble.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

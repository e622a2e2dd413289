package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a referenced activity, action, incident or user is absent
	// or not owned by the caller.
	ErrNotFound = errors.New("not found")
	// ErrExpired is returned when an undo window has closed.
	ErrExpired = errors.New("undo window expired")
	// ErrInvalidInput is returned for malformed requests, before any write.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited signals a retryable upstream throttle.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrOutage signals a retryable upstream outage.
	ErrOutage = errors.New("upstream unavailable")
	// ErrInconsistent is reported when a cached aggregate diverges from the ledger.
	ErrInconsistent = errors.New("aggregate inconsistent with ledger")
)

// Invalid wraps ErrInvalidInput with a human readable reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// UpstreamError is the single failure shape for provider calls, whether the
// failure came from a real upstream or from simulation flags.
type UpstreamError struct {
	Kind       error
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Package domain defines the entities, ports and failure taxonomy
// shared by the generation engine and the social plane.
package domain

import (
	"errors"
	"time"
)

// RetryConfig defines worker retry behavior for queued jobs.
type RetryConfig struct {
	// MaxAttempts counts the first run plus retries.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
}

// DefaultRetryConfig returns the queue-wide retry policy: three
// attempts with the first retry after ~2s and the second after ~4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the backoff before retry number n (0-based).
func (c RetryConfig) Delay(n int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 0; i < n; i++ {
		d *= c.Multiplier
	}
	if max := float64(c.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// IsPermanentFailure reports whether err should never be retried.
// Invariant violations and caller mistakes fail the job immediately;
// everything else is assumed transient and retried up to MaxAttempts.
func IsPermanentFailure(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrSchemaInvalid) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrQuotaExceeded)
}

// Package retry runs an operation a bounded number of times with a pluggable
// backoff between attempts.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Backoff returns the delay to wait after the given 1-indexed attempt failed.
type Backoff func(attempt int) time.Duration

// Linear waits base × attempt: base after the first failure, 2×base after
// the second, and so on.
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Exponential doubles base on each attempt with +-25% jitter.
func Exponential(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		delay := base << (attempt - 1)
		jitter := delay / 4
		return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
	}
}

// Do calls fn up to maxAttempts times, passing the 1-indexed attempt number.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable); the wrapped error is returned
//   - ctx is cancelled while waiting; ctx.Err() is returned
//
// When every attempt fails the last error is returned.
func Do(ctx context.Context, maxAttempts int, backoff Backoff, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if backoff == nil {
		backoff = Linear(0)
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}

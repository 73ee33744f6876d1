// Package retry runs upstream calls with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy configures Do.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// OnRetry, when set, is called before sleeping with the failed attempt
	// number (0-based), its error and the delay about to be slept.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Backoff is the delay after the given 0-based attempt: base * 2^attempt
// with +-25% jitter.
func Backoff(base time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay <= 0 {
		return 0
	}
	jitter := delay / 4
	return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. fn receives the 0-based attempt number.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == p.MaxAttempts-1 {
			break
		}

		sleep := Backoff(p.BaseDelay, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, sleep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return err
}

// cryptoInt64n returns a random int64 in [0, n).
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n))
}

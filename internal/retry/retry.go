// Package retry runs network calls with a per-call timeout and bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy controls how Do retries a call.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

// Default returns the policy used for venue polls and chain reads:
// 3 attempts, 1s/2s backoff, 10s per call.
func Default() Policy {
	return Policy{
		Attempts:    3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		CallTimeout: 10 * time.Second,
	}
}

// Backoff returns BaseDelay * 2^attempt capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return p.BaseDelay
	}
	if attempt > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. Each call gets its own CallTimeout.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("retry: gave up after %d attempts: %w", attempts, lastErr)
}

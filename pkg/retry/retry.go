// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int           // Total attempts including the first (default: 3)
	InitialInterval time.Duration // First backoff delay (default: 100ms)
	MaxInterval     time.Duration // Backoff cap (default: 2s)
	MaxElapsed      time.Duration // Give up after this long (default: 30s)
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	return p
}

// afterError asks for the next attempt to wait at least delay.
type afterError struct {
	err   error
	delay time.Duration
}

func (e *afterError) Error() string { return e.err.Error() }
func (e *afterError) Unwrap() error { return e.err }

// After marks err retryable no sooner than delay.
func After(delay time.Duration, err error) error {
	return &afterError{err: err, delay: delay}
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The error from the last attempt is returned.
// Errors wrapped with After are always retried after their delay.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	var last error
	op := func() (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var after *afterError
		if errors.As(err, &after) {
			last = after.err
			return v, &backoff.RetryAfterError{Duration: after.delay}
		}
		last = err
		if retryable == nil || !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}
	if last != nil {
		return v, last
	}
	return v, err
}

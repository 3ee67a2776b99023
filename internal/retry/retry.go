// Package retry provides the shared retry/backoff policy used by every
// component that talks to the exchange.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy describes a bounded retry schedule. The zero value is not
// usable; construct one with NewPolicy or fill every field.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// NewPolicy returns a Policy with jittered exponential backoff between
// minDelay and maxDelay.
func NewPolicy(maxAttempts int, minDelay, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		MinDelay:    minDelay,
		MaxDelay:    maxDelay,
	}
}

// Retryable marks errors that should be retried. Callers classify their
// own errors; anything else fails fast.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err asks for another attempt.
func IsRetryable(err error) bool {
	r, ok := err.(Retryable)
	return ok && r.Retryable()
}

// Do runs fn up to MaxAttempts times, sleeping a jittered exponential
// backoff between attempts. It stops early when fn succeeds, when fn
// returns a non-retryable error, or when ctx is cancelled. The last
// error is returned after the final attempt.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// DoFixed runs fn up to maxAttempts times with a fixed interval between
// attempts. Used where the exchange expects evenly spaced polls rather
// than backoff, such as position resolution.
func DoFixed(ctx context.Context, maxAttempts int, interval time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

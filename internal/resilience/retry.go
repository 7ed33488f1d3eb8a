// Package resilience provides the bounded retry policy used for live service
// reconnection and the circuit breaker guarding the submission store.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted is returned by [RetryPolicy.Do] when every attempt
// failed. It wraps the last attempt's error.
var ErrRetriesExhausted = errors.New("resilience: retries exhausted")

// Default retry parameters.
const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 1 * time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// RetryPolicy is an exponential backoff with a hard attempt ceiling.
type RetryPolicy struct {
	// MaxAttempts is the number of attempts before giving up. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// Backoff is the wait before the first attempt. It doubles after every
	// failure up to MaxBackoff. Zero means DefaultBackoff.
	Backoff time.Duration

	// MaxBackoff caps the wait. Zero means DefaultMaxBackoff.
	MaxBackoff time.Duration
}

// withDefaults fills zero fields.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	return p
}

// Delay returns the wait before attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}

// Attempts returns the effective attempt ceiling.
func (p RetryPolicy) Attempts() int { return p.withDefaults().MaxAttempts }

// Do waits, calls fn and repeats on error until fn succeeds, the ceiling is
// reached or ctx ends. The wait happens before each attempt, including the
// first, so a freshly failed connection is never redialled immediately.
// onRetry, if non-nil, is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, delay time.Duration)) error {
	p = p.withDefaults()
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
		if last = fn(ctx, attempt); last == nil {
			return nil
		}
	}
	return errors.Join(ErrRetriesExhausted, last)
}

// Sleep waits for d or until ctx ends, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

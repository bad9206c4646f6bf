// Package resilience holds the retry and circuit-breaker policies applied to
// every call that leaves the process for an unreliable dependency.
package resilience

import (
	"context"
	"math"
	"time"
)

// Policy retries a call a bounded number of times with exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Retryable decides whether an error is worth another attempt; nil retries everything.
	Retryable func(error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
	// Sleep waits between attempts; nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy returns a Policy with the given bounds and doubling backoff.
func NewPolicy(maxAttempts int, baseDelay time.Duration) *Policy {
	return &Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Multiplier: 2}
}

// Backoff returns the wait before attempt n (1-based); there is none before the first.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-2)))
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.Backoff(attempt)); err != nil {
				return lastErr
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt < attempts && p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
	}
	return lastErr
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

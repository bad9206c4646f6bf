package resilience

import (
	"context"
	"errors"
)

// Guard composes a retry Policy around a Breaker: every attempt passes through
// the breaker, and an open circuit ends the retry loop at once.
type Guard struct {
	Policy  *Policy
	Breaker *Breaker
}

func NewGuard(p *Policy, b *Breaker) *Guard {
	return &Guard{Policy: p, Breaker: b}
}

func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p := *g.Policy
	retryable := p.Retryable
	p.Retryable = func(err error) bool {
		if errors.Is(err, ErrCircuitOpen) {
			return false
		}
		return retryable == nil || retryable(err)
	}
	return p.Do(ctx, func(ctx context.Context) error {
		if g.Breaker == nil {
			return fn(ctx)
		}
		return g.Breaker.Execute(func() error { return fn(ctx) })
	})
}

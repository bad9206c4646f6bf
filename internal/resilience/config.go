package resilience

import (
	"github.com/richardliu001/order-saga/internal/config"
	"go.uber.org/zap"
)

// PolicyFromConfig builds the retry policy shared by every outbound call.
func PolicyFromConfig(c config.RetryConfig, retryable func(error) bool) *Policy {
	p := NewPolicy(c.MaxAttempts, c.BaseDelay)
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	p.Retryable = retryable
	return p
}

// BreakerFromConfig builds a named breaker that logs its state changes.
func BreakerFromConfig(name string, c config.BreakerConfig, isFailure func(error) bool, log *zap.SugaredLogger) *Breaker {
	return NewBreaker(BreakerSettings{
		Name:                 name,
		WindowSize:           c.WindowSize,
		FailureRateThreshold: c.FailureRateThreshold,
		OpenDuration:         c.OpenDuration,
		HalfOpenCalls:        c.HalfOpenCalls,
		IsFailure:            isFailure,
		OnStateChange: func(name string, from, to State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
}

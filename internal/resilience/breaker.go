package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling through while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

type BreakerSettings struct {
	Name string
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int
	// FailureRateThreshold in percent; the breaker opens at or above it once the window is full.
	FailureRateThreshold float64
	OpenDuration         time.Duration
	HalfOpenCalls        int
	// IsFailure decides which errors count against the dependency; nil counts all.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// Breaker is a count-based sliding-window circuit breaker.
type Breaker struct {
	settings BreakerSettings

	mu       sync.Mutex
	state    State
	window   []bool // true = failure
	next     int
	filled   int
	failures int
	openedAt time.Time
	// half-open bookkeeping
	trials   int
	trialOK  int
	inFlight int
}

func NewBreaker(s BreakerSettings) *Breaker {
	if s.WindowSize <= 0 {
		s.WindowSize = 10
	}
	if s.FailureRateThreshold <= 0 {
		s.FailureRateThreshold = 50
	}
	if s.HalfOpenCalls <= 0 {
		s.HalfOpenCalls = 3
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &Breaker{settings: s, window: make([]bool, s.WindowSize)}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Execute calls fn unless the breaker rejects it, and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.trials+b.inFlight >= b.settings.HalfOpenCalls {
			return ErrCircuitOpen
		}
		b.inFlight++
	}
	return nil
}

func (b *Breaker) record(err error) {
	failed := err != nil && (b.settings.IsFailure == nil || b.settings.IsFailure(err))

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.push(failed)
		if b.filled == b.settings.WindowSize && b.failureRate() >= b.settings.FailureRateThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.inFlight--
		b.trials++
		if failed {
			b.setState(StateOpen)
			return
		}
		b.trialOK++
		if b.trialOK >= b.settings.HalfOpenCalls {
			b.setState(StateClosed)
		}
	}
}

// refresh moves an expired open breaker to half-open. Caller holds mu.
func (b *Breaker) refresh() {
	if b.state == StateOpen && !b.settings.Now().Before(b.openedAt.Add(b.settings.OpenDuration)) {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) push(failed bool) {
	if b.filled == b.settings.WindowSize && b.window[b.next] {
		b.failures--
	}
	b.window[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % b.settings.WindowSize
	if b.filled < b.settings.WindowSize {
		b.filled++
	}
}

func (b *Breaker) failureRate() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.failures) * 100 / float64(b.filled)
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.settings.Now()
	case StateHalfOpen:
		b.trials, b.trialOK, b.inFlight = 0, 0, 0
	case StateClosed:
		b.window = make([]bool, b.settings.WindowSize)
		b.next, b.filled, b.failures = 0, 0, 0
	}
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}

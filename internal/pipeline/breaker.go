// internal/pipeline/breaker.go
package pipeline

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while a breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the per-invoker circuit state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the canonical state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker short-circuits repeated calls to a degraded external
// collaborator. CLOSED admits everything; after threshold consecutive
// failures the breaker opens for the cooldown period; the first call
// after cooldown runs as a HALF_OPEN probe whose outcome closes or
// re-opens the circuit.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	clock     func() time.Time

	// OnStateChange is an optional observation hook (metrics, logs).
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a closed breaker. Zero arguments select the
// defaults (5 failures, 30s cooldown).
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, clock: time.Now}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. Exactly one caller wins the
// HALF_OPEN probe slot; concurrent callers keep seeing ErrCircuitOpen
// until the probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record reports a call outcome to the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.probing = false
		if b.state != BreakerClosed {
			b.transition(BreakerClosed)
		}
		return
	}

	if b.state == BreakerHalfOpen {
		// Probe failed, back to a full cooldown
		b.probing = false
		b.openedAt = b.clock()
		b.transition(BreakerOpen)
		return
	}

	b.failures++
	if b.failures >= b.threshold && b.state == BreakerClosed {
		b.openedAt = b.clock()
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}

package requestqueue

import (
	"sync"
	"time"
)

// CircuitState describes the breaker position exposed through Stats.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// breaker implements a consecutive-net-failure circuit breaker. Failures
// increment a counter and successes decay it by one; when the counter reaches
// the threshold the circuit opens for a fixed cooldown. The first admission
// after the cooldown runs as a half-open probe: its success closes the
// circuit and resets the counter, its failure reopens the cooldown.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     CircuitClosed,
	}
}

// Allow reports whether a new operation may proceed. While open it fails fast
// until the cooldown elapses; then exactly one caller is admitted as the
// half-open probe.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.state = CircuitClosed
		b.probing = false
		b.failures = 0
		return
	}
	if b.failures > 0 {
		b.failures--
	}
}

func (b *breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.probing = false
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.threshold && b.state == CircuitClosed {
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
}

// State returns the externally visible circuit position. An open circuit whose
// cooldown has elapsed still reports open until the next admission attempt.
func (b *breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

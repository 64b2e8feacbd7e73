package scheduler

import (
	"sync"
	"time"
)

// CircuitState is the health of one tool as observed by the scheduler.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects a single (tool_namespace, tool_method) pair
// from being hammered while its mutations are consistently ending up
// paused:reconciliation or failed.
type CircuitBreaker struct {
	mu sync.Mutex

	state     CircuitState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	testLimit int
	testCount int
}

func NewCircuitBreaker(threshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:     CircuitClosed,
		threshold: threshold,
		cooldown:  30 * time.Second,
		testLimit: 5,
	}
}

// Allow reports whether a dispatch against this tool should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.testCount >= cb.testLimit {
			return false
		}
		cb.testCount++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
		return
	}
	cb.failures++
	if cb.failures > cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Breakers keys a CircuitBreaker per (tool_namespace, tool_method).
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	threshold int
}

func NewBreakers(threshold int) *Breakers {
	return &Breakers{breakers: make(map[string]*CircuitBreaker), threshold: threshold}
}

func (b *Breakers) For(namespace, method string) *CircuitBreaker {
	key := namespace + "\x00" + method
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(b.threshold)
		b.breakers[key] = cb
	}
	return cb
}

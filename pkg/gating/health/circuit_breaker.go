// Package health implements the supplemented health-monitoring feature: periodic
// liveness probing of backend sessions and a circuit breaker that trips a
// backend proactively after repeated call failures, rather than waiting for
// the next I/O error to surface through the Session Manager.
package health

import (
	"sync"
	"time"
)

// CircuitState is a circuit breaker's position in its three-state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker trips a backend to Open after failureThreshold consecutive
// failures, and allows a single trial attempt (HalfOpen) after resetTimeout
// has elapsed. Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state            CircuitState
	failureCount     int
	lastStateChange  time.Time
	halfOpenAttempted bool
}

// NewCircuitBreaker returns a closed breaker. A non-positive threshold is
// adjusted to 1.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            CircuitClosed,
		lastStateChange:  now(),
	}
}

// CanAttempt reports whether a call should be allowed through. An Open
// breaker whose resetTimeout has elapsed transitions to HalfOpen and allows
// exactly one attempt; subsequent calls are blocked until that attempt
// resolves via RecordSuccess or RecordFailure.
func (c *CircuitBreaker) CanAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if c.halfOpenAttempted {
			return false
		}
		c.halfOpenAttempted = true
		return true
	case CircuitOpen:
		if now().Sub(c.lastStateChange) < c.resetTimeout {
			return false
		}
		c.setStateLocked(CircuitHalfOpen)
		c.halfOpenAttempted = true
		return true
	default:
		return false
	}
}

// RecordFailure registers a failed attempt. In Closed, it increments the
// streak and opens the breaker at the threshold. In HalfOpen, any failure
// reopens it immediately.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitHalfOpen:
		c.setStateLocked(CircuitOpen)
	case CircuitClosed:
		c.failureCount++
		if c.failureCount >= c.failureThreshold {
			c.setStateLocked(CircuitOpen)
		}
	}
}

// RecordSuccess registers a successful attempt, resetting the failure streak
// and closing the breaker if it was HalfOpen.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failureCount = 0
	if c.state != CircuitClosed {
		c.setStateLocked(CircuitClosed)
	}
}

// GetState returns the breaker's current state.
func (c *CircuitBreaker) GetState() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetFailureCount returns the current consecutive-failure streak. Only
// RecordSuccess resets it; it keeps its value when the breaker opens.
func (c *CircuitBreaker) GetFailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}

// GetLastStateChange returns when the breaker last changed state.
func (c *CircuitBreaker) GetLastStateChange() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStateChange
}

func (c *CircuitBreaker) setStateLocked(s CircuitState) {
	c.state = s
	c.lastStateChange = now()
	if s != CircuitHalfOpen {
		c.halfOpenAttempted = false
	}
}

// now is a seam so tests could inject a clock; production always uses
// time.Now.
var now = time.Now

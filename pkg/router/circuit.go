package router

import (
	"sync"
	"time"
)

// circuitState is one of the breaker's three states for a single
// replica: Closed admits everything, Open skips the replica entirely,
// HalfOpen admits a single probe to test recovery.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker tracks failure history for one replica. Transition
// Closed->Open fires on consecutiveFailures reaching the configured
// threshold within failureWindow of each other; Open->HalfOpen fires
// after cooldown elapses; a HalfOpen probe's result decides Closed or
// back to Open.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               circuitState
	consecutiveFailures int
	windowStart         time.Time
	openedAt            time.Time
	halfOpenInFlight    bool
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{state: circuitClosed}
}

// Allow reports whether a request may be sent to this replica right now,
// and transitions Open->HalfOpen if the cooldown has elapsed. Only one
// probe is admitted per HalfOpen window.
func (cb *circuitBreaker) Allow(now time.Time, cooldown time.Duration) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if now.Sub(cb.openedAt) < cooldown {
			return false
		}
		cb.state = circuitHalfOpen
		cb.halfOpenInFlight = true
		return true
	case circuitHalfOpen:
		return !cb.halfOpenInFlight
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets failure tracking.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = circuitClosed
	cb.consecutiveFailures = 0
	cb.halfOpenInFlight = false
}

// RecordFailure counts a failure toward the Closed->Open threshold, or
// immediately reopens on a failed HalfOpen probe.
func (cb *circuitBreaker) RecordFailure(now time.Time, threshold int, window time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		cb.openedAt = now
		cb.halfOpenInFlight = false
		return
	}

	if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > window {
		cb.windowStart = now
		cb.consecutiveFailures = 0
	}
	cb.consecutiveFailures++
	if cb.consecutiveFailures >= threshold {
		cb.state = circuitOpen
		cb.openedAt = now
	}
}

// State returns the current state, for telemetry.
func (cb *circuitBreaker) State() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

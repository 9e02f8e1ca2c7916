package metrics

import (
	"context"
	"time"

	"github.com/cuemby/nebula/pkg/store"
	"github.com/cuemby/nebula/pkg/types"
)

// Collector periodically samples store-resident cluster state into the
// cluster-shape gauges (NodesTotal, ReplicasTotal, ...). Per-request
// counters and histograms are updated inline by the components that
// handle those requests instead.
type Collector struct {
	client *store.Client
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(client *store.Client) *Collector {
	return &Collector{
		client: client,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectNodeMetrics(ctx)
	c.collectModelMetrics(ctx)
}

func (c *Collector) collectNodeMetrics(ctx context.Context) {
	var nodes []types.NodeStatus
	if _, err := c.client.ListPrefixInto(ctx, store.NodesPrefix, &nodes); err != nil {
		return
	}

	counts := make(map[types.NodePhase]int)
	for _, n := range nodes {
		counts[n.Phase]++
		GPUsTotal.WithLabelValues(n.NodeID).Set(float64(len(n.GPUs)))
	}
	for _, phase := range []types.NodePhase{types.NodePhaseReady, types.NodePhaseDraining, types.NodePhaseDown, types.NodePhaseUnknown} {
		NodesTotal.WithLabelValues(string(phase)).Set(float64(counts[phase]))
	}
}

func (c *Collector) collectModelMetrics(ctx context.Context) {
	var intents []types.ModelIntent
	if _, err := c.client.ListPrefixInto(ctx, store.ModelIntentsPrefix, &intents); err != nil {
		return
	}
	ModelsTotal.Set(float64(len(intents)))

	var endpoints []types.EndpointInfo
	if _, err := c.client.ListPrefixInto(ctx, store.EndpointsPrefix, &endpoints); err != nil {
		return
	}

	counts := make(map[string]map[types.EndpointPhase]int)
	for _, e := range endpoints {
		if counts[e.ModelUID] == nil {
			counts[e.ModelUID] = make(map[types.EndpointPhase]int)
		}
		counts[e.ModelUID][e.Phase]++
	}
	for modelUID, byPhase := range counts {
		for phase, n := range byPhase {
			ReplicasTotal.WithLabelValues(modelUID, string(phase)).Set(float64(n))
		}
	}
}

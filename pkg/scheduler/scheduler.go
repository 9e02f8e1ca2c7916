package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/nebula/pkg/events"
	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/store"
	"github.com/cuemby/nebula/pkg/types"
)

// basePort is the first port handed out to a replica on any node; the
// scheduler allocates upward from here across every model's plan so two
// models never collide on the same (node_id, port).
const basePort = 30000

// Scheduler assigns model replicas to GPU nodes and keeps the placement
// plan for each model intent in sync with its desired replica count and
// observed load.
type Scheduler struct {
	client *store.Client
	broker *events.Broker
	logger zerolog.Logger

	intents   *store.WatchCache[types.ModelIntent]
	nodes     *store.WatchCache[types.NodeStatus]
	plans     *store.WatchCache[types.PlacementPlan]
	endpoints *store.WatchCache[types.EndpointInfo]
	stats     *store.WatchCache[types.EndpointStats]

	mu             sync.Mutex
	lastScaleAt    map[string]time.Time
	overThreshold  map[string]time.Time // model_uid -> since when it's been over threshold
	underThreshold map[string]time.Time

	stopCh chan struct{}
}

// NewScheduler creates a new scheduler backed by client.
func NewScheduler(client *store.Client, broker *events.Broker) *Scheduler {
	return &Scheduler{
		client:         client,
		broker:         broker,
		logger:         log.WithComponent("scheduler"),
		intents:        store.NewWatchCache[types.ModelIntent](client, store.ModelIntentsPrefix),
		nodes:          store.NewWatchCache[types.NodeStatus](client, store.NodesPrefix),
		plans:          store.NewWatchCache[types.PlacementPlan](client, store.PlacementsPrefix),
		endpoints:      store.NewWatchCache[types.EndpointInfo](client, store.EndpointsPrefix),
		stats:          store.NewWatchCache[types.EndpointStats](client, store.StatsPrefix),
		lastScaleAt:    make(map[string]time.Time),
		overThreshold:  make(map[string]time.Time),
		underThreshold: make(map[string]time.Time),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the watch caches and the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.intents.Run(ctx, s.broker)
	go s.nodes.Run(ctx, s.broker)
	go s.plans.Run(ctx, s.broker)
	go s.endpoints.Run(ctx, s.broker)
	go s.stats.Run(ctx, s.broker)
	go s.run(ctx)
}

// Stop stops the scheduling loop. The watch caches stop when ctx is
// cancelled.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.schedule(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// schedule performs one scheduling pass over every model intent.
func (s *Scheduler) schedule(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	nodes := readyNodes(s.nodes.Snapshot())
	if len(nodes) == 0 {
		s.logger.Warn().Msg("no ready nodes available for scheduling")
		return nil
	}

	allPlans := s.plans.Snapshot()

	for modelUID, intent := range s.intents.Snapshot() {
		if err := s.scheduleIntent(ctx, modelUID, intent, nodes, allPlans); err != nil {
			s.logger.Error().Err(err).Str("model_uid", modelUID).Msg("failed to schedule model intent")
		}
	}
	return nil
}

// scheduleIntent reconciles one model's placement plan toward its
// desired replica count, growing or shrinking it based on sustained
// load, then compare-and-swaps the result. Port and GPU allocation are
// computed against allPlans, every model's live assignments, so two
// models never collide on the same (node_id, port) or gpu_indices.
func (s *Scheduler) scheduleIntent(ctx context.Context, modelUID string, intent types.ModelIntent, nodes []types.NodeStatus, allPlans map[string]types.PlacementPlan) error {
	var plan types.PlacementPlan
	rev, err := s.client.Get(ctx, store.PlacementKey(modelUID), &plan)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			plan = types.PlacementPlan{ModelUID: modelUID}
			rev = 0
		} else {
			return fmt.Errorf("read placement plan: %w", err)
		}
	}

	desired := s.desiredReplicas(modelUID, intent, len(plan.Assignments))

	clusterPlans := make(map[string]types.PlacementPlan, len(allPlans)+1)
	for uid, p := range allPlans {
		clusterPlans[uid] = p
	}
	clusterPlans[modelUID] = plan
	gpuUsage, portUsage := clusterUsage(clusterPlans)

	changed := false
	infeasible := false
	for len(plan.Assignments) < desired {
		node := s.selectNode(nodes, gpuUsage, intent.GPUsPerReplica, intent.Config)
		if node == nil {
			s.logger.Warn().Str("model_uid", modelUID).Msg("no node with enough free GPUs/VRAM for replica")
			infeasible = true
			break
		}

		gpuIdx := allocateGPUs(node, gpuUsage[node.NodeID], intent.GPUsPerReplica)
		assignment := types.Assignment{
			ReplicaID:   uuid.New().String(),
			NodeID:      node.NodeID,
			Port:        allocatePort(portUsage, node.NodeID),
			EngineType:  intent.EngineType,
			DockerImage: intent.DockerImage,
			GPUIndices:  gpuIdx,
			ExtraArgs:   intent.Config.ExtraArgs,
		}
		plan.Assignments = append(plan.Assignments, assignment)
		gpuUsage[node.NodeID] = append(gpuUsage[node.NodeID], gpuIdx...)
		changed = true

		metrics.ReplicasScheduled.Inc()
		s.logger.Info().
			Str("model_uid", modelUID).
			Str("replica_id", assignment.ReplicaID).
			Str("node_id", node.NodeID).
			Msg("scheduled new replica")
	}

	if len(plan.Assignments) > desired {
		excess := len(plan.Assignments) - desired
		// Remove the most recently added assignments first, so scale-up
		// immediately followed by scale-down doesn't churn older replicas.
		keep := len(plan.Assignments) - excess
		removed := plan.Assignments[keep:]
		plan.Assignments = plan.Assignments[:keep]
		changed = true
		for _, a := range removed {
			s.logger.Info().Str("model_uid", modelUID).Str("replica_id", a.ReplicaID).Msg("removed replica for scale-down")
		}
	}

	// Drop assignments pinned to nodes that are no longer ready.
	if filterDeadNodes(&plan, nodes) {
		changed = true
	}

	if err := s.updateIntentStatus(ctx, modelUID, intent, len(plan.Assignments), infeasible); err != nil {
		s.logger.Error().Err(err).Str("model_uid", modelUID).Msg("failed to update model intent status")
	}

	if !changed {
		return nil
	}

	plan.Version++
	plan.UpdatedAt = time.Now()
	if err := s.client.CompareAndSwap(ctx, store.PlacementKey(modelUID), rev, plan); err != nil {
		return fmt.Errorf("write placement plan: %w", err)
	}
	return nil
}

// updateIntentStatus transitions a model intent to Scheduled once it has
// at least MinReplicas assignments, or to Failed with reason no_capacity
// when the scheduler could not place enough replicas. Writes are skipped
// when the status hasn't actually changed.
func (s *Scheduler) updateIntentStatus(ctx context.Context, modelUID string, intent types.ModelIntent, assignmentCount int, infeasible bool) error {
	status := types.ModelIntentScheduled
	reason := ""
	if assignmentCount < intent.MinReplicas && infeasible {
		status = types.ModelIntentFailed
		reason = "no_capacity"
	} else if assignmentCount < intent.MinReplicas {
		status = types.ModelIntentPending
	}

	if status == intent.Status && reason == intent.StatusReason {
		return nil
	}

	intent.Status = status
	intent.StatusReason = reason
	intent.UpdatedAt = time.Now()
	return s.client.Put(ctx, store.ModelIntentKey(modelUID), intent, 0)
}

// desiredReplicas applies the autoscaler on top of MinReplicas/MaxReplicas.
func (s *Scheduler) desiredReplicas(modelUID string, intent types.ModelIntent, current int) int {
	desired := current
	if desired < intent.MinReplicas {
		desired = intent.MinReplicas
	}
	if intent.MaxReplicas > 0 && desired > intent.MaxReplicas {
		desired = intent.MaxReplicas
	}

	if current == 0 {
		return max(desired, intent.MinReplicas)
	}

	avgPending := s.averagePendingPerReplica(modelUID)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cooldown := intent.Config.CooldownPeriod
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	window := intent.Config.ScaleWindow
	if window == 0 {
		window = 15 * time.Second
	}

	if last, ok := s.lastScaleAt[modelUID]; ok && now.Sub(last) < cooldown {
		return desired
	}

	switch {
	case intent.Config.ScaleUpThreshold > 0 && avgPending > intent.Config.ScaleUpThreshold:
		since, ok := s.overThreshold[modelUID]
		if !ok {
			s.overThreshold[modelUID] = now
		} else if now.Sub(since) >= window && current < intent.MaxReplicas {
			delete(s.overThreshold, modelUID)
			s.lastScaleAt[modelUID] = now
			metrics.ScalingDecisionsTotal.WithLabelValues(modelUID, "up").Inc()
			return current + 1
		}
		delete(s.underThreshold, modelUID)
	case intent.Config.ScaleDownThreshold > 0 && avgPending < intent.Config.ScaleDownThreshold:
		since, ok := s.underThreshold[modelUID]
		if !ok {
			s.underThreshold[modelUID] = now
		} else if now.Sub(since) >= window && current > intent.MinReplicas {
			delete(s.underThreshold, modelUID)
			s.lastScaleAt[modelUID] = now
			metrics.ScalingDecisionsTotal.WithLabelValues(modelUID, "down").Inc()
			return current - 1
		}
		delete(s.overThreshold, modelUID)
	default:
		delete(s.overThreshold, modelUID)
		delete(s.underThreshold, modelUID)
	}

	return desired
}

func (s *Scheduler) averagePendingPerReplica(modelUID string) float64 {
	var total float64
	var n int
	for _, stat := range s.stats.Snapshot() {
		if stat.ModelUID != modelUID {
			continue
		}
		if stat.Stale(time.Now(), 30*time.Second) {
			continue
		}
		total += float64(stat.PendingRequests)
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// clusterUsage returns, per node, the GPU indices and ports already
// claimed across every model's placement plan, so allocation can never
// let two models collide on the same (node_id, port) or gpu_indices.
func clusterUsage(plans map[string]types.PlacementPlan) (gpuUsage map[string][]int, portUsage map[string]map[int]bool) {
	gpuUsage = make(map[string][]int)
	portUsage = make(map[string]map[int]bool)
	for _, plan := range plans {
		for _, a := range plan.Assignments {
			gpuUsage[a.NodeID] = append(gpuUsage[a.NodeID], a.GPUIndices...)
			if portUsage[a.NodeID] == nil {
				portUsage[a.NodeID] = make(map[int]bool)
			}
			portUsage[a.NodeID][a.Port] = true
		}
	}
	return gpuUsage, portUsage
}

// allocatePort returns the lowest unused port on nodeID at or above
// basePort and marks it used in usage.
func allocatePort(usage map[string]map[int]bool, nodeID string) int {
	if usage[nodeID] == nil {
		usage[nodeID] = make(map[int]bool)
	}
	used := usage[nodeID]
	port := basePort
	for used[port] {
		port++
	}
	used[port] = true
	return port
}

// selectNode picks the ready node with the most free GPU capacity for
// gpusNeeded, implementing the same least-loaded selection the original
// round-robin-by-container-count policy generalizes to a GPU-aware one.
// A node is only a candidate if, beyond having enough free GPU slots,
// each GPU it would hand out has enough free VRAM for cfg's tensor
// parallel degree.
func (s *Scheduler) selectNode(nodes []types.NodeStatus, usage map[string][]int, gpusNeeded int, cfg types.ModelConfig) *types.NodeStatus {
	requiredMB := cfg.RequiredVRAMMB * int64(max(cfg.TensorParallelSize, 1))

	var best *types.NodeStatus
	bestFree := -1

	for i := range nodes {
		node := &nodes[i]
		free := freeGPUs(node, usage[node.NodeID])
		if len(free) < gpusNeeded {
			continue
		}
		if requiredMB > 0 && !hasEnoughVRAM(free[:gpusNeeded], requiredMB) {
			continue
		}
		if len(free) > bestFree {
			bestFree = len(free)
			best = node
		}
	}
	return best
}

// freeGPUs returns node's GPUs not already claimed in used.
func freeGPUs(node *types.NodeStatus, used []int) []types.GPU {
	usedSet := make(map[int]bool, len(used))
	for _, idx := range used {
		usedSet[idx] = true
	}

	var free []types.GPU
	for _, gpu := range node.GPUs {
		if !usedSet[gpu.Index] {
			free = append(free, gpu)
		}
	}
	return free
}

// hasEnoughVRAM reports whether every candidate GPU has at least
// requiredMB of free memory.
func hasEnoughVRAM(candidates []types.GPU, requiredMB int64) bool {
	for _, gpu := range candidates {
		if gpu.MemoryTotalMB-gpu.MemoryUsedMB < requiredMB {
			return false
		}
	}
	return true
}

// allocateGPUs picks gpusNeeded GPU indices on node not already in used.
func allocateGPUs(node *types.NodeStatus, used []int, gpusNeeded int) []int {
	usedSet := make(map[int]bool, len(used))
	for _, idx := range used {
		usedSet[idx] = true
	}

	var picked []int
	for _, gpu := range node.GPUs {
		if len(picked) == gpusNeeded {
			break
		}
		if !usedSet[gpu.Index] {
			picked = append(picked, gpu.Index)
		}
	}
	return picked
}

// filterDeadNodes drops assignments pinned to nodes no longer present,
// reporting whether the plan changed.
func filterDeadNodes(plan *types.PlacementPlan, nodes []types.NodeStatus) bool {
	alive := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		alive[n.NodeID] = true
	}

	kept := plan.Assignments[:0]
	changed := false
	for _, a := range plan.Assignments {
		if alive[a.NodeID] {
			kept = append(kept, a)
		} else {
			changed = true
		}
	}
	plan.Assignments = kept
	return changed
}

func readyNodes(byKey map[string]types.NodeStatus) []types.NodeStatus {
	var out []types.NodeStatus
	for _, n := range byKey {
		if n.Phase == types.NodePhaseReady {
			out = append(out, n)
		}
	}
	return out
}

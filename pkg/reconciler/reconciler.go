package reconciler

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/nebula/pkg/events"
	"github.com/cuemby/nebula/pkg/health"
	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/runtime"
	"github.com/cuemby/nebula/pkg/store"
	"github.com/cuemby/nebula/pkg/types"
)

const (
	heartbeatTTLSeconds = 15
	reconcileInterval   = 5 * time.Second
	heartbeatInterval   = 5 * time.Second
	healthCheckTimeout  = 5 * time.Second
	modelIntentCacheTTL = 30 * time.Second

	// healthFailureThreshold is the number of consecutive failed probes
	// before a replica flips from Healthy to Unhealthy.
	healthFailureThreshold = 3
	// unhealthyRestartBackoff is how long a replica stays Unhealthy
	// before the reconciler tears it down and relaunches it fresh.
	unhealthyRestartBackoff = 30 * time.Second
)

// runningEngine tracks one engine container this node is currently
// running for a replica.
type runningEngine struct {
	containerID string
	hash        string
	assignment  types.Assignment
	modelUID    string
	planVersion int64
	startedAt   time.Time

	health         *health.Status
	phase          types.EndpointPhase
	unhealthySince time.Time
}

// Reconciler runs on every GPU node. It keeps the node's NodeStatus
// record alive, launches and stops engine containers to match the
// assignments in every model's placement plan that name this node, and
// reports replica health and load back to the store.
type Reconciler struct {
	client  *store.Client
	runtime *runtime.EngineRuntime

	nodeID        string
	hostname      string
	address       string
	modelCacheDir string

	logger zerolog.Logger

	leaseID clientv3.LeaseID

	plans   *store.WatchCache[types.PlacementPlan]
	intents *store.WatchCache[types.ModelIntent]

	mu      sync.Mutex
	running map[string]runningEngine // replicaID -> engine

	stopCh chan struct{}
}

// NewReconciler creates a node reconciler for nodeID.
func NewReconciler(client *store.Client, rt *runtime.EngineRuntime, nodeID, hostname, address, modelCacheDir string) *Reconciler {
	return &Reconciler{
		client:        client,
		runtime:       rt,
		nodeID:        nodeID,
		hostname:      hostname,
		address:       address,
		modelCacheDir: modelCacheDir,
		logger:        log.WithComponent("reconciler").With().Str("node_id", nodeID).Logger(),
		plans:         store.NewWatchCache[types.PlacementPlan](client, store.PlacementsPrefix),
		intents:       store.NewWatchCache[types.ModelIntent](client, store.ModelIntentsPrefix),
		running:       make(map[string]runningEngine),
		stopCh:        make(chan struct{}),
	}
}

// Start registers the node, begins heartbeating, and starts the
// reconciliation loop.
func (r *Reconciler) Start(ctx context.Context, broker *events.Broker) error {
	lease, err := r.client.GrantLease(ctx, heartbeatTTLSeconds)
	if err != nil {
		return fmt.Errorf("grant node lease: %w", err)
	}
	r.leaseID = lease

	if err := r.publishNodeStatus(ctx, types.NodePhaseReady); err != nil {
		return fmt.Errorf("publish initial node status: %w", err)
	}

	go r.plans.Run(ctx, broker)
	go r.intents.Run(ctx, broker)
	go r.heartbeatLoop(ctx)
	go r.reconcileLoop(ctx)

	r.logger.Info().Msg("node reconciler started")
	return nil
}

// Stop stops all reconciler loops.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.client.KeepAliveOnce(ctx, r.leaseID); err != nil {
				r.logger.Warn().Err(err).Msg("lease keepalive failed, node status may expire")
			}
			if err := r.publishNodeStatus(ctx, types.NodePhaseReady); err != nil {
				r.logger.Error().Err(err).Msg("failed to refresh node status")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) publishNodeStatus(ctx context.Context, phase types.NodePhase) error {
	gpus, err := enumerateGPUs()
	if err != nil {
		r.logger.Warn().Err(err).Msg("gpu enumeration failed, reporting zero GPUs")
		gpus = nil
	}

	status := types.NodeStatus{
		NodeID:        r.nodeID,
		Hostname:      r.hostname,
		Address:       r.address,
		GPUs:          gpus,
		Phase:         phase,
		LastHeartbeat: time.Now(),
	}
	return r.client.Put(ctx, store.NodeKey(r.nodeID), status, r.leaseID)
}

func (r *Reconciler) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconcile converges this node's running engines with the assignments
// that name it across every model's placement plan, then probes health
// and load for whatever ends up running.
func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	desired := r.desiredAssignments()

	r.mu.Lock()
	defer r.mu.Unlock()

	for replicaID, assignment := range desired {
		existing, ok := r.running[replicaID]
		if ok && existing.hash == assignment.assignment.Hash() {
			continue
		}
		if !ok {
			// Adopt a container left running by an earlier reconciler
			// process when its hash label still matches; replace it otherwise.
			containerID := runtime.EngineContainerID(replicaID)
			if hash, found := r.runtime.EngineHash(ctx, containerID); found {
				if hash == assignment.assignment.Hash() && r.runtime.EngineRunning(ctx, containerID) {
					r.running[replicaID] = runningEngine{containerID: containerID, hash: hash, assignment: assignment.assignment, modelUID: assignment.modelUID, planVersion: assignment.planVersion, startedAt: time.Now(), health: health.NewStatus(), phase: types.EndpointPhaseStarting}
					continue
				}
				r.stopEngine(ctx, replicaID, runningEngine{containerID: containerID})
			}
		}
		if ok {
			r.stopEngine(ctx, replicaID, existing)
		}
		r.launchEngine(ctx, replicaID, assignment)
	}

	for replicaID, existing := range r.running {
		if _, ok := desired[replicaID]; !ok {
			r.stopEngine(ctx, replicaID, existing)
			delete(r.running, replicaID)
			r.client.Delete(ctx, store.EndpointKey(replicaID))
			r.client.Delete(ctx, store.StatsKey(replicaID))
		}
	}

	for replicaID := range r.running {
		r.probeEngine(ctx, replicaID)
	}

	// Self-heal: a replica that has been Unhealthy for longer than the
	// restart backoff is torn down so the next cycle relaunches it fresh.
	for replicaID, engine := range r.running {
		if engine.phase != types.EndpointPhaseUnhealthy || engine.unhealthySince.IsZero() {
			continue
		}
		if time.Since(engine.unhealthySince) < unhealthyRestartBackoff {
			continue
		}
		r.logger.Warn().Str("replica_id", replicaID).Msg("replica unhealthy past backoff, restarting")
		r.stopEngine(ctx, replicaID, engine)
		delete(r.running, replicaID)
	}

	return nil
}

type desiredAssignment struct {
	assignment  types.Assignment
	modelUID    string
	planVersion int64
}

// desiredAssignments flattens every model's placement plan into the set
// of assignments pinned to this node.
func (r *Reconciler) desiredAssignments() map[string]desiredAssignment {
	out := make(map[string]desiredAssignment)
	for _, plan := range r.plans.Snapshot() {
		for _, a := range plan.Assignments {
			if a.NodeID != r.nodeID {
				continue
			}
			out[a.ReplicaID] = desiredAssignment{assignment: a, modelUID: plan.ModelUID, planVersion: plan.Version}
		}
	}
	return out
}

func (r *Reconciler) launchEngine(ctx context.Context, replicaID string, desired desiredAssignment) {
	timer := metrics.NewTimer()

	modelName := r.modelNameFor(desired.modelUID)
	cfg := r.modelConfigFor(desired.modelUID)

	containerID, err := r.runtime.LaunchEngine(ctx, desired.assignment, modelName, cfg, r.modelCacheDir)
	timer.ObserveDuration(metrics.ContainerStartDuration)
	if err != nil {
		r.logger.Error().Err(err).Str("replica_id", replicaID).Msg("failed to launch engine container")
		return
	}

	r.running[replicaID] = runningEngine{
		containerID: containerID,
		hash:        desired.assignment.Hash(),
		assignment:  desired.assignment,
		modelUID:    desired.modelUID,
		planVersion: desired.planVersion,
		startedAt:   time.Now(),
		health:      health.NewStatus(),
		phase:       types.EndpointPhaseStarting,
	}

	endpoint := types.EndpointInfo{
		ReplicaID:   replicaID,
		ModelUID:    desired.modelUID,
		NodeID:      r.nodeID,
		BaseURL:     fmt.Sprintf("http://%s:%d", r.address, desired.assignment.Port),
		EngineType:  desired.assignment.EngineType,
		Phase:       types.EndpointPhaseStarting,
		PlanVersion: desired.planVersion,
		LastUpdated: time.Now(),
	}
	// EndpointInfo is lease-bound to this node's lease: if the reconciler
	// dies, the lease expires and the router stops seeing this replica
	// instead of routing to it forever.
	if err := r.client.Put(ctx, store.EndpointKey(replicaID), endpoint, r.leaseID); err != nil {
		r.logger.Error().Err(err).Str("replica_id", replicaID).Msg("failed to publish endpoint info")
	}

	r.logger.Info().Str("replica_id", replicaID).Str("model_uid", desired.modelUID).Msg("launched engine container")
}

func (r *Reconciler) stopEngine(ctx context.Context, replicaID string, engine runningEngine) {
	if err := r.runtime.DeleteEngine(ctx, engine.containerID); err != nil {
		r.logger.Error().Err(err).Str("replica_id", replicaID).Msg("failed to delete stale engine container")
	}
}

// healthConfig gates the consecutive-failure count before a replica
// flips Unhealthy; otherwise a single bad probe would flap the endpoint.
func healthConfig() health.Config {
	cfg := health.DefaultConfig()
	cfg.Retries = healthFailureThreshold
	return cfg
}

// probeEngine checks HTTP health and scrapes load metrics for one
// running replica, publishing updated EndpointInfo/EndpointStats.
// Unhealthy only takes effect after healthFailureThreshold consecutive
// failed probes; a single bad probe does not flip the endpoint.
func (r *Reconciler) probeEngine(ctx context.Context, replicaID string) {
	engine, ok := r.running[replicaID]
	if !ok {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/health", r.address, engine.assignment.Port)
	checker := health.NewHTTPChecker(url)
	result := checker.Check(checkCtx)

	if engine.health == nil {
		engine.health = health.NewStatus()
	}
	engine.health.Update(result, healthConfig())

	if !result.Healthy {
		metrics.HealthCheckFailuresTotal.WithLabelValues(replicaID).Inc()
	}

	phase := types.EndpointPhaseHealthy
	if !engine.health.Healthy {
		phase = types.EndpointPhaseUnhealthy
	}
	if phase == types.EndpointPhaseUnhealthy && engine.phase != types.EndpointPhaseUnhealthy {
		engine.unhealthySince = time.Now()
	} else if phase == types.EndpointPhaseHealthy {
		engine.unhealthySince = time.Time{}
	}
	engine.phase = phase
	r.running[replicaID] = engine

	endpoint := types.EndpointInfo{
		ReplicaID:   replicaID,
		ModelUID:    engine.modelUID,
		NodeID:      r.nodeID,
		BaseURL:     fmt.Sprintf("http://%s:%d", r.address, engine.assignment.Port),
		EngineType:  engine.assignment.EngineType,
		Phase:       phase,
		PlanVersion: engine.planVersion,
		LastUpdated: time.Now(),
	}
	if err := r.client.Put(ctx, store.EndpointKey(replicaID), endpoint, r.leaseID); err != nil {
		r.logger.Error().Err(err).Str("replica_id", replicaID).Msg("failed to update endpoint info")
	}

	if !result.Healthy {
		return
	}

	stats, err := scrapeEngineStats(checkCtx, fmt.Sprintf("http://%s:%d/metrics", r.address, engine.assignment.Port))
	if err != nil {
		r.logger.Debug().Err(err).Str("replica_id", replicaID).Msg("metrics scrape failed")
		return
	}
	stats.ReplicaID = replicaID
	stats.ModelUID = engine.modelUID
	stats.ScrapedAt = time.Now()

	if err := r.client.Put(ctx, store.StatsKey(replicaID), stats, r.leaseID); err != nil {
		r.logger.Error().Err(err).Str("replica_id", replicaID).Msg("failed to publish endpoint stats")
	}
}

func (r *Reconciler) modelNameFor(modelUID string) string {
	if intent, ok := r.intents.Get(store.ModelIntentKey(modelUID)); ok {
		return intent.ModelName
	}
	return modelUID
}

func (r *Reconciler) modelConfigFor(modelUID string) types.ModelConfig {
	if intent, ok := r.intents.Get(store.ModelIntentKey(modelUID)); ok {
		return intent.Config
	}
	return types.ModelConfig{}
}

// enumerateGPUs runs nvidia-smi to discover GPUs on this node. Returns a
// nil slice (not an error) when nvidia-smi isn't available, so CPU-only
// nodes still register cleanly.
func enumerateGPUs() ([]types.GPU, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=index,memory.total,memory.used,temperature.gpu,utilization.gpu",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil, nil
	}

	var gpus []types.GPU
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		memTotal, _ := strconv.ParseInt(fields[1], 10, 64)
		memUsed, _ := strconv.ParseInt(fields[2], 10, 64)

		gpu := types.GPU{Index: idx, MemoryTotalMB: memTotal, MemoryUsedMB: memUsed}
		if temp, err := strconv.ParseFloat(fields[3], 64); err == nil {
			gpu.TemperatureC = &temp
		}
		if util, err := strconv.ParseFloat(fields[4], 64); err == nil {
			gpu.UtilizationGPU = &util
		}
		gpus = append(gpus, gpu)
	}
	return gpus, nil
}

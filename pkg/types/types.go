package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// ModelIntent is the user-declared desired state for a served model: what
// to run, the engine to run it with, and the scaling envelope.
type ModelIntent struct {
	ModelUID     string
	ModelName    string
	EngineType   EngineType
	DockerImage  string
	MinReplicas  int
	MaxReplicas  int
	GPUsPerReplica int
	Config       ModelConfig
	Status       ModelIntentStatus
	StatusReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ModelIntentStatus is the scheduler-reported lifecycle phase of a model
// intent, driven from Pending toward Scheduled or Failed on every
// scheduling pass.
type ModelIntentStatus string

const (
	ModelIntentPending   ModelIntentStatus = "pending"
	ModelIntentScheduled ModelIntentStatus = "scheduled"
	ModelIntentFailed    ModelIntentStatus = "failed"
)

// EngineType identifies the inference engine a model intent targets.
type EngineType string

const (
	EngineVLLM   EngineType = "vllm"
	EngineSGLang EngineType = "sglang"
)

// ModelConfig carries engine launch parameters and autoscaling knobs that
// vary by engine and workload, kept as a loose bag rather than one struct
// per engine so new engine flags don't require a schema migration.
type ModelConfig struct {
	TensorParallelSize int
	GPUMemoryFraction  float64
	MaxModelLen        int
	LoraAdapters       []string
	ExtraArgs          []string

	ScaleUpThreshold   float64       // pending-requests-per-replica above which we grow
	ScaleDownThreshold float64       // below which we shrink
	ScaleWindow        time.Duration // sustained-window before a scale decision fires
	CooldownPeriod     time.Duration // minimum time between scale actions

	RequiredVRAMMB int64 // per-GPU VRAM a replica needs; multiplied by TensorParallelSize for admission
}

// PlacementPlan is the scheduler's single source of truth for where each
// replica of a model runs. It is written with a compare-and-swap against
// its own store revision so concurrent scheduler passes never race.
// Version increments on every change the scheduler persists; the router
// never routes to an EndpointInfo whose PlanVersion lags behind it, so a
// replica torn down by a retear is never handed traffic after the plan
// that placed it has moved on.
type PlacementPlan struct {
	ModelUID    string
	Assignments []Assignment
	Version     int64
	UpdatedAt   time.Time
}

// Assignment binds one replica of a model to a node, port, and GPU set.
type Assignment struct {
	ReplicaID   string
	NodeID      string
	Port        int
	EngineType  EngineType
	DockerImage string
	GPUIndices  []int
	ExtraArgs   []string
}

// Hash is a stable fingerprint of the fields that determine whether a
// running container still matches this assignment. Used by the reconciler
// to decide whether to adopt an existing container after a restart instead
// of recreating it.
func (a Assignment) Hash() string {
	gpus := make([]int, len(a.GPUIndices))
	copy(gpus, a.GPUIndices)
	sort.Ints(gpus)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%v|%v", a.NodeID, a.EngineType, a.DockerImage, gpus, a.ExtraArgs)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NodeStatus is the heartbeat record a node agent publishes: capacity,
// GPU inventory, and liveness, held alive by a store lease.
type NodeStatus struct {
	NodeID        string
	Hostname      string
	Address       string
	GPUs          []GPU
	CPUCores      int
	MemoryBytes   int64
	Labels        map[string]string
	Phase         NodePhase
	LastHeartbeat time.Time
}

// NodePhase is the node reconciler's lifecycle phase for a node.
type NodePhase string

const (
	NodePhaseReady    NodePhase = "ready"
	NodePhaseDraining NodePhase = "draining"
	NodePhaseDown     NodePhase = "down"
	NodePhaseUnknown  NodePhase = "unknown"
)

// GPU describes one accelerator on a node, as reported by nvidia-smi.
type GPU struct {
	Index          int
	MemoryTotalMB  int64
	MemoryUsedMB   int64
	TemperatureC   *float64
	UtilizationGPU *float64
}

// EndpointInfo is the router-facing record of one running replica: where
// to send traffic and what engine is behind it.
type EndpointInfo struct {
	ReplicaID   string
	ModelUID    string
	NodeID      string
	BaseURL     string
	EngineType  EngineType
	Phase       EndpointPhase
	PlanVersion int64
	LastUpdated time.Time
}

// EndpointPhase is the reconciler-reported lifecycle phase of a replica,
// as seen from outside the node (i.e. what the router should do with it).
type EndpointPhase string

const (
	EndpointPhaseStarting   EndpointPhase = "starting"
	EndpointPhaseHealthy    EndpointPhase = "healthy"
	EndpointPhaseUnhealthy  EndpointPhase = "unhealthy"
	EndpointPhaseDraining   EndpointPhase = "draining"
	EndpointPhaseTerminated EndpointPhase = "terminated"
)

// EndpointStats is the most recently scraped load signal for a replica,
// used by the router's selection policy and by the scheduler's autoscaler.
type EndpointStats struct {
	ReplicaID         string
	ModelUID          string
	PendingRequests   int
	RunningRequests   int
	KVCacheUsageRatio float64
	TokensPerSecond   float64
	ScrapedAt         time.Time
}

// Stale reports whether these stats are too old to be trusted for routing
// decisions.
func (s EndpointStats) Stale(now time.Time, freshFor time.Duration) bool {
	return now.Sub(s.ScrapedAt) > freshFor
}

// EngineImage is a named, versioned inference engine image the image
// manager keeps pulled on the nodes that need it.
type EngineImage struct {
	ID            string
	EngineType    EngineType
	Reference     string // e.g. "vllm/vllm-openai:v0.6.3"
	VersionPolicy VersionPolicy
	CreatedAt     time.Time
}

// VersionPolicy controls whether an image is re-pulled on every reconcile
// pass (Rolling) or only pulled once when absent (Pin).
type VersionPolicy string

const (
	VersionPolicyRolling VersionPolicy = "rolling"
	VersionPolicyPin     VersionPolicy = "pin"
)

// NodeImageStatus records one node's pull progress/result for one image.
type NodeImageStatus struct {
	NodeID    string
	ImageID   string
	Phase     ImagePullPhase
	Error     string
	UpdatedAt time.Time
}

// ImagePullPhase is the image manager's per-node pull state machine.
type ImagePullPhase string

const (
	ImagePullPending ImagePullPhase = "pending"
	ImagePullPulling ImagePullPhase = "pulling"
	ImagePullPresent ImagePullPhase = "present"
	ImagePullFailed  ImagePullPhase = "failed"
)

// Event is a store-watch change notification fanned out over the internal
// pub/sub broker to in-process subscribers (router index builders, admin
// stream handlers).
type Event struct {
	Type      EventType
	Key       string
	ModelUID  string
	NodeID    string
	ReplicaID string
	Timestamp time.Time
}

// EventType identifies the kind of change an Event carries.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

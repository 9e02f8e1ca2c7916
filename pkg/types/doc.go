/*
Package types defines the records Nebula keeps in its store and passes
between the gateway, scheduler, node reconciler, router and image manager.

Every type is a plain struct serialized as JSON under its own store key
prefix (see pkg/store). Beyond the enum constants, the package has two
helpers: Assignment.Hash and EndpointStats.Stale.

# Core Types

Model intents:
  - ModelIntent: a served model's desired state (engine, image, replica
    range, GPUs per replica, ModelConfig) and its scheduler-reported status
  - ModelIntentStatus: pending, scheduled, failed
  - EngineType: vllm or sglang
  - ModelConfig: engine launch flags, autoscaling thresholds, window and
    cooldown, and the per-GPU VRAM a replica needs

Placement:
  - PlacementPlan: the scheduler's assignments for one model, with a
    Version bumped on every persisted change
  - Assignment: one replica bound to a node, port, engine, image and GPU
    indices; Hash fingerprints the node, engine type, image, sorted GPU
    indices and extra args

Nodes:
  - NodeStatus: a node's heartbeat record (address, GPUs, CPU, memory,
    labels, phase), kept alive by a store lease
  - NodePhase: ready, draining, down, unknown
  - GPU: index, total and used memory, optional temperature and utilization

Endpoints:
  - EndpointInfo: where the router sends traffic for one replica, with the
    plan version the replica was launched under
  - EndpointPhase: starting, healthy, unhealthy, draining, terminated
  - EndpointStats: the last scraped load signal of a replica; Stale reports
    whether it is older than a given age

Images:
  - EngineImage: an engine image reference with its VersionPolicy
  - VersionPolicy: rolling or pin
  - NodeImageStatus, ImagePullPhase: one node's pull state for one image
    (pending, pulling, present, failed)

Events:
  - Event, EventType: a put or delete notification fanned out over the
    in-process broker

# Usage

	intent := types.ModelIntent{
		ModelUID:       "llama-3-8b",
		ModelName:      "meta-llama/Meta-Llama-3-8B-Instruct",
		EngineType:     types.EngineVLLM,
		DockerImage:    "vllm/vllm-openai:v0.6.3",
		MinReplicas:    1,
		MaxReplicas:    4,
		GPUsPerReplica: 1,
		Config:         types.ModelConfig{TensorParallelSize: 1, MaxModelLen: 8192},
		Status:         types.ModelIntentPending,
	}

# Thread Safety

The types carry no locks. Callers that share a value between goroutines
synchronize access themselves; pkg/store's WatchCache hands out shallow
copies from Snapshot and Get.
*/
package types

/*
Package runtime provides containerd integration for launching and
supervising inference engine containers (vLLM, SGLang).

The runtime package wraps containerd's client API to pull engine images,
launch a container for a scheduled Assignment with GPU device passthrough
and a model-cache bind mount, and manage the container's lifecycle. It
handles OCI spec generation, snapshot management, and containerd namespace
isolation the same way the rest of the example pack does for general-purpose
container workloads — this package narrows that to one workload shape: a
long-running HTTP server process serving one model.

# Architecture

	┌─────────────────── CONTAINERD ENGINE RUNTIME ──────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐         │
	│  │           EngineRuntime Client                 │         │
	│  │  - Socket: /run/containerd/containerd.sock    │         │
	│  │  - Namespace: nebula                          │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │           Image Operations                    │         │
	│  │  - Pull vLLM/SGLang images from registries    │         │
	│  │  - Unpack for snapshot creation                │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │        Engine Container Launch                │         │
	│  │  - Build entrypoint args from ModelConfig      │         │
	│  │  - Bind mount host model-weight cache          │         │
	│  │  - Bind mount claimed /dev/nvidiaN devices      │         │
	│  │  - Host network namespace (binds on            │         │
	│  │    Assignment.Port directly)                   │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │         Lifecycle Management                   │         │
	│  │  - Stop: Graceful shutdown (SIGTERM→SIGKILL)  │         │
	│  │  - Delete: Cleanup container and snapshot      │         │
	│  └────────────────────────────────────────────────┘         │
	└─────────────────────────────────────────────────────────────┘

# GPU Passthrough

Assignment.GPUIndices names the GPU indices the scheduler claimed for this
replica on its node. LaunchEngine turns that into two things:

  - NVIDIA_VISIBLE_DEVICES in the container environment, consumed by the
    NVIDIA container runtime hook if present on the host
  - explicit bind mounts of /dev/nvidia<N> for each claimed index plus the
    control devices (/dev/nvidiactl, /dev/nvidia-uvm, /dev/nvidia-uvm-tools)
    every CUDA process needs, so GPU access works even without the hook
    installed

A replica with no claimed GPUs (CPU-only testing, or an engine image that
doesn't need one) gets NVIDIA_VISIBLE_DEVICES=none and no device mounts.

# Engine Argument Construction

vLLM and SGLang expose largely equivalent knobs under different flag names.
engineArgs translates ModelConfig into each engine's actual CLI:

	ModelConfig{TensorParallelSize: 2, GPUMemoryFraction: 0.9, MaxModelLen: 8192}

	vLLM:   --tensor-parallel-size 2 --gpu-memory-utilization 0.90 --max-model-len 8192
	SGLang: --tp-size 2 --context-length 8192

ExtraArgs from ModelConfig are appended verbatim after the derived flags,
letting an operator pass an engine flag this package doesn't know about yet
without a code change.

# Networking

Engine containers run in the host's network namespace rather than getting
their own bridge IP. This matches the placement plan's port model directly:
Assignment.Port is the lowest port at or above 30000 that no assignment in
any model's plan holds on that node, and the engine binds on that exact
port on its node's host network, which is what the router and reconciler's
health checks connect to. No port counter is kept, so a port released by a
removed replica can be handed out again.

# Lifecycle

	rt, _ := runtime.NewEngineRuntime("")
	rt.PullImage(ctx, assignment.DockerImage)
	containerID, _ := rt.LaunchEngine(ctx, assignment, "meta-llama/Llama-3-70b", cfg, "/var/lib/nebula/models")
	...
	rt.StopEngine(ctx, containerID, 30*time.Second)
	rt.DeleteEngine(ctx, containerID)

StopEngine sends SIGTERM and waits up to timeout before escalating to
SIGKILL, giving the engine a chance to finish in-flight requests and close
its KV cache cleanly.

# See Also

  - pkg/reconciler - decides when to launch, stop, or replace an engine
    container based on the node's share of the placement plan
  - pkg/scheduler - produces the Assignment this package launches
*/
package runtime

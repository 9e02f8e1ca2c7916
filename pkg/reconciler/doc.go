/*
Package reconciler runs on every GPU node, launching and supervising the
engine containers that node's share of each model's placement plan names,
and reports replica health and load back to the store.

The reconciler keeps the node's own NodeStatus record alive with a leased
heartbeat, and on a separate interval converges running engine containers
with the assignments pinned to this node across every model's placement
plan, probing health and scraping load metrics for whatever ends up
running.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                 Node Reconciler (per node)                 │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    │                         │
	    ▼                         ▼
	┌─────────────────┐   ┌──────────────────────┐
	│ Heartbeat loop  │   │ Reconcile loop        │
	│ (every 5s)      │   │ (every 5s)            │
	│                 │   │                        │
	│ - renew lease   │   │ - enumerate desired    │
	│ - enumerate     │   │   assignments for this │
	│   GPUs          │   │   node from every plan │
	│ - write         │   │ - launch/stop engine   │
	│   NodeStatus    │   │   containers on diff   │
	└─────────────────┘   │ - probe health (HTTP)  │
	                       │ - scrape load (/metrics)│
	                       └──────────────────────┘

# Node Liveness

The reconciler requests a lease (heartbeatTTLSeconds) from the store and
writes NodeStatus bound to that lease. If the node process dies or loses
connectivity, the lease expires and NodeStatus disappears from the watched
node collection on its own — the scheduler then treats the node as gone on
its next cycle without any other component needing to detect the failure
explicitly.

# Assignment Convergence

Each reconciliation cycle flattens every model's placement plan down to the
assignments pinned to this node, then diffs that against the engines
already running:

	desired: {replica-a: hash1, replica-b: hash2}
	running: {replica-a: hash1, replica-c: hash3}

	replica-a: hash matches, left alone
	replica-b: missing, launched
	replica-c: not desired, stopped and deleted

The hash compared is Assignment.Hash() — a digest of the node, engine type,
image, GPU indices, and extra args recorded as a containerd container label
at launch time (runtime.AssignmentHashLabel). A reconciler that restarts
mid-operation can therefore tell a still-correct running container apart
from one that needs replacing without keeping any of its own durable state;
the label on the container is the only source of truth it needs.

# Health and Load Reporting

For every engine still running after convergence, the reconciler:

 1. Probes http://<node-address>:<port>/health with health.HTTPChecker,
    publishing EndpointInfo with Phase Healthy or Unhealthy
 2. On a healthy probe, scrapes http://<node-address>:<port>/metrics as
    Prometheus text exposition and extracts PendingRequests,
    RunningRequests, KVCacheUsageRatio, and TokensPerSecond into
    EndpointStats

These are exactly the signals the scheduler's autoscaler and the router's
least-loaded selection policy read back out of the watched endpoint/stats
collections.

# GPU Enumeration

GPU inventory is discovered by shelling out to nvidia-smi with a
--query-gpu CSV report. A node without nvidia-smi installed (a CPU-only
node, or a development box) reports zero GPUs rather than failing to
register — it simply can't be selected for a GPU-requiring assignment.

# See Also

  - pkg/scheduler - produces the placement plans this package converges on
  - pkg/runtime - the containerd wrapper actually launching engine containers
  - pkg/router - consumes EndpointInfo/EndpointStats for request routing
*/
package reconciler

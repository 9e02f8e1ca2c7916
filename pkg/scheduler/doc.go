/*
Package scheduler assigns model replicas to GPU-bearing nodes and keeps each
model's placement plan converged on its desired replica count.

The scheduler reads five watched collections — model intents, node status,
placement plans, endpoints, and endpoint stats — and writes the placement
plan for each model, plus each model intent's status. It runs as a continuous background process, ensuring replica counts track
MinReplicas/MaxReplicas and sustained load, and that GPUs are claimed without
oversubscription.

# Architecture

The scheduler operates on a fixed 5-second interval, processing every model
intent in each cycle:

	┌────────────────────────────────────────────────────────────┐
	│                    Scheduler Loop                          │
	│                   (Every 5 seconds)                        │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. Snapshot ready nodes and their GPU inventory           │
	│  2. For each model intent:                                 │
	│     • Read its placement plan (with revision)              │
	│     • Compute desired replica count (min/max + autoscale)  │
	│     • Grow: pick least-loaded node with enough free GPUs   │
	│     • Shrink: drop most-recently-added assignments          │
	│     • Drop assignments pinned to nodes no longer ready      │
	│     • CompareAndSwap the plan at its read revision          │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    │                         │
	    ▼                         ▼
	┌─────────────┐       ┌──────────────┐
	│  Scale up   │       │  Scale down  │
	│ (new node + │       │  (drop most  │
	│  GPU claim) │       │ recent repl) │
	└─────────────┘       └──────────────┘

Model intents, node status, placement plans, endpoints, and endpoint stats
are all backed by a store.WatchCache, so a scheduling pass never issues a blocking list call —
every read comes from an in-memory snapshot kept live by the shared
watch-reconnect machinery in package store.

# Core Components

Scheduler: the main scheduling engine.

	sched := NewScheduler(client, broker)
	sched.Start(ctx)  // starts the watch caches and the 5-second loop
	defer sched.Stop()

The scheduler keeps no durable state of its own beyond per-model autoscale
timers — every placement decision is recomputed from the watched collections
each cycle, and the winning write is the one whose read revision still
matches at CompareAndSwap time. A scheduler that crashes mid-cycle leaves the
plan exactly as it was before the cycle started; the next live scheduler
picks up from there.

# Replica Count Reconciliation

Each model intent carries MinReplicas and MaxReplicas. The scheduler computes
a desired count inside that range and walks the current plan toward it:

	ModelIntent: llama-70b (min=1, max=4)
	Current assignments: 2
	Desired (after autoscale): 3
	Action: schedule 1 new replica

Node selection is least-loaded by free GPU count, generalizing a
round-robin-by-container-count policy to a round-robin-by-free-GPU one:

 1. For each ready node, compute free GPUs = total GPUs - GPUs already
    claimed on that node by any model's plan
 2. Select the node with the most free GPUs that still covers GPUsPerReplica
 3. Claim that many GPU indices on the node and append a new Assignment

# Autoscaling

A model's ModelConfig carries ScaleUpThreshold, ScaleDownThreshold,
ScaleWindow, and CooldownPeriod. The scheduler tracks, per model, how long
the average PendingRequests across its replicas with stats scraped in the
last 30 seconds has sat above or below threshold:

	avg(pending) > ScaleUpThreshold for >= ScaleWindow   -> +1 replica
	avg(pending) < ScaleDownThreshold for >= ScaleWindow -> -1 replica

A scaling decision resets the cooldown timer; no further scaling decision is
made for that model until CooldownPeriod elapses, which prevents a bursty
load signal from causing replica flapping.

# Node Departure

If a node is no longer ready in the watched node-status collection — its
heartbeat lease expired and the record vanished, it was deleted outright,
or its phase is anything other than ready — any assignment pinned to that
node is dropped from the plan on the next cycle, freeing the replica slot
for rescheduling elsewhere.

# Usage Example

	client, _ := store.NewClient(store.Config{Endpoints: []string{"etcd:2379"}})
	broker := events.NewBroker()
	broker.Start()

	sched := scheduler.NewScheduler(client, broker)
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	defer cancel()

# Separation of Concerns

The scheduler only writes placement plans. It does NOT:

  - Launch or stop engine containers (reconciler's job)
  - Probe replica health (reconciler's job)
  - Route inference requests to replicas (router's job)

This separation mirrors the orchestrator convention of a proactive scheduler
("make it happen") and a reactive reconciler ("fix what's broken").

# See Also

  - pkg/reconciler - launches assignments and reports endpoint health/stats
  - pkg/router - selects a healthy replica per inference request
  - pkg/store - the watched key/value substrate both depend on
*/
package scheduler

/*
Package router selects a healthy replica for an inbound model request and
proxies to it, sitting between the gateway's HTTP surface and the engine
containers the reconciler launches.

# Architecture

	┌──────────────────────────────────────────────────────────┐
	│                        Router                             │
	│                                                            │
	│   index rebuild (2s tick + event-driven)                  │
	│   ┌────────────────────────────────────────┐              │
	│   │ WatchCache[PlacementPlan]               │              │
	│   │ WatchCache[EndpointInfo]   ──► Index{} ─┼─ atomic.Pointer swap
	│   │ WatchCache[EndpointStats]               │              │
	│   └────────────────────────────────────────┘              │
	│                                                            │
	│   per request: Proxy(w, req, modelUID)                    │
	│     1. selectReplica  - candidates, circuit, admission,   │
	│                          staleness shrink, scoring        │
	│     2. forward        - reverse-proxy one attempt         │
	│     3. retry once on connect/timeout/5xx, never on a      │
	│        request that already wrote bytes downstream        │
	└──────────────────────────────────────────────────────────┘

# Index

Index is an immutable snapshot rebuilt from the same WatchCache
abstraction the scheduler and reconciler use, swapped in with
atomic.Pointer so an in-flight selection never observes a half-updated
view and selection never holds a lock across any I/O. Each PlacementPlan
carries a monotonic Version the scheduler bumps on every write; each
EndpointInfo the reconciler publishes carries the PlanVersion it was
launched under. Candidates() drops any endpoint whose PlanVersion lags
the plan's current Version, so a replica mid-teardown after a retear is
never handed traffic just because it is still reporting Healthy.

# Selection Policy

Candidate set = Healthy endpoints for the model. From there:

 1. Drop replicas whose circuit breaker is Open.
 2. Admission: if every remaining candidate is over the KV-cache or
    pending-request overload threshold, reject with no_capacity_error
    rather than queue behind an already-saturated replica.
 3. Drop stale-stat candidates unless that would empty the set.
 4. Score by pending requests, then KV cache usage ratio, then a stable
    hash of (X-Session-Id, replica_id) so a session sticks to one
    replica when ties would otherwise break arbitrarily.

Local pending counts (incremented on selection, decremented when the
proxy call returns) are added to the last-scraped PendingRequests so load
between reconciler scrape intervals is still visible to scoring.

# Circuit Breaker

Per replica: Closed -> Open on 3 consecutive failures within a 30s
window; Open skips the replica for 30s; HalfOpen admits exactly one
probe, success closes, failure reopens.

# Proxying and Retry

Unary requests retry at most once, to a different candidate than the one
that just failed, after a jittered backoff, and only for connect/timeout/
upstream-5xx failures — never once the response status and headers have
already been written to the client. SSE responses are copied byte range
by byte range with a flush after each read, so the client sees the first
chunk as soon as the engine emits it; like any other forwarded response,
an SSE response counts as committed the moment its status line is
written, foreclosing any retry.

# See Also

  - pkg/scheduler - produces the placement plans behind plan-version matching
  - pkg/reconciler - publishes the EndpointInfo/EndpointStats this package reads
  - pkg/gateway - owns auth, request parsing, and calls Proxy per request
*/
package router

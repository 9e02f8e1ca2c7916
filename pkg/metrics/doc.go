/*
Package metrics provides Prometheus metrics collection and exposition for Nebula.

The metrics package defines and registers all Nebula metrics using the Prometheus
client library, providing observability into cluster health, resource utilization,
operation latency, and system performance. Metrics are exposed via HTTP endpoint
for scraping by Prometheus servers.

# Architecture

Nebula's metrics system follows Prometheus best practices with comprehensive
instrumentation across all components:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (node count)         │          │
	│  │  Counter: Monotonic increases (requests)    │          │
	│  │  Histogram: Distributions (latency)         │          │
	│  │  Summary: Quantiles (percentiles)           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Cluster: Nodes, GPUs, models, replicas     │          │
	│  │  Gateway: Request count, duration           │          │
	│  │  Router: Selection, retries, circuit state  │          │
	│  │  Scheduler: Latency, scheduled count        │          │
	│  │  Reconciler: Cycle duration, count          │          │
	│  │  Images: Pull duration, pulls, GC           │          │
	│  │  Store: Op duration, watch reconnects       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  │  - Stores time series data                  │          │
	│  │  - Provides PromQL query interface          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: node count, GPU count, circuit breaker state
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: gateway requests total, replicas scheduled total
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Buckets for latency percentiles (p50, p95, p99)
  - Examples: router request duration, scheduling latency
  - Includes: sum, count, buckets

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Cluster Metrics:

nebula_nodes_total{phase}:
  - Type: Gauge
  - Description: Total GPU nodes by phase (ready/draining/down/unknown)
  - Labels: phase
  - Example: nebula_nodes_total{phase="ready"} 12

nebula_gpus_total{node_id}:
  - Type: Gauge
  - Description: Number of GPUs each node reports
  - Labels: node_id
  - Example: nebula_gpus_total{node_id="node-1"} 8

nebula_models_total:
  - Type: Gauge
  - Description: Total number of loaded ModelIntents
  - Example: nebula_models_total 6

nebula_replicas_total{model_uid, phase}:
  - Type: Gauge
  - Description: Total replicas by model and endpoint phase (starting/healthy/unhealthy/...)
  - Labels: model_uid, phase
  - Example: nebula_replicas_total{model_uid="llama-3-70b",phase="healthy"} 4

Gateway Metrics:

nebula_gateway_requests_total{route, status}:
  - Type: Counter
  - Description: Total client requests by route and HTTP status
  - Labels: route, status
  - Example: nebula_gateway_requests_total{route="/v1/chat/completions",status="200"} 10482

nebula_gateway_request_duration_seconds{route}:
  - Type: Histogram
  - Description: Client-observed request duration in seconds
  - Labels: route
  - Buckets: 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10

Router Metrics:

nebula_router_selection_duration_seconds:
  - Type: Histogram
  - Description: Time to pick a replica for a request
  - Registered, but no component observes it

nebula_router_requests_total{model_uid, replica_id, status}:
  - Type: Counter
  - Description: Total successfully proxied requests by model, replica and HTTP status
  - Labels: model_uid, replica_id, status

nebula_router_retries_total{model_uid}:
  - Type: Counter
  - Description: Total retries issued after an upstream failure
  - Labels: model_uid

nebula_router_retry_successes_total{model_uid}:
  - Type: Counter
  - Description: Total retries that ultimately succeeded
  - Labels: model_uid

nebula_circuit_breaker_state{replica_id}:
  - Type: Gauge
  - Description: Per-replica circuit breaker state (0=closed, 1=open, 2=half-open)
  - Labels: replica_id
  - Registered, but no component sets it

nebula_route_circuit_skipped_total{model_uid}:
  - Type: Counter
  - Description: Total endpoints skipped because their circuit was open
  - Labels: model_uid

nebula_router_admission_rejects_total{model_uid}:
  - Type: Counter
  - Description: Total requests rejected by admission control because every candidate replica was overloaded
  - Labels: model_uid

nebula_router_upstream_errors_total{model_uid, kind}:
  - Type: Counter
  - Description: Total upstream engine errors by kind (connect/timeout/upstream_5xx/other)
  - Labels: model_uid, kind

nebula_router_too_large_total{model_uid}:
  - Type: Counter
  - Description: Total requests rejected for exceeding the body size limit
  - Labels: model_uid

nebula_router_time_to_first_byte_seconds{model_uid}:
  - Type: Histogram
  - Description: Time from request start to the first streamed byte
  - Labels: model_uid

nebula_router_request_duration_seconds{model_uid}:
  - Type: Histogram
  - Description: End-to-end duration of a routed request, including retries
  - Labels: model_uid

Scheduler Metrics:

nebula_scheduling_latency_seconds:
  - Type: Histogram
  - Description: Time to converge a model's placement plan
  - Buckets: Default Prometheus buckets

nebula_replicas_scheduled_total:
  - Type: Counter
  - Description: Total replica assignments placed

nebula_scaling_decisions_total{model_uid, direction}:
  - Type: Counter
  - Description: Total autoscaling decisions made, by direction (up/down)
  - Labels: model_uid, direction

Reconciler Metrics:

nebula_reconciliation_duration_seconds:
  - Type: Histogram
  - Description: Per-node reconciliation cycle duration

nebula_reconciliation_cycles_total:
  - Type: Counter
  - Description: Total reconciliation cycles completed

nebula_container_start_duration_seconds:
  - Type: Histogram
  - Description: Time to start an engine container

nebula_health_check_failures_total{replica_id}:
  - Type: Counter
  - Description: Total replica health probe failures
  - Labels: replica_id

Image Metrics:

nebula_image_pull_duration_seconds:
  - Type: Histogram
  - Description: Time to pull an engine image

nebula_image_pulls_total{result}:
  - Type: Counter
  - Description: Total image pull attempts by outcome (success/failure)
  - Labels: result

nebula_images_gc_total:
  - Type: Counter
  - Description: Total images reclaimed by the image garbage collector

Store Metrics:

nebula_store_op_duration_seconds{op}:
  - Type: Histogram
  - Description: etcd operation duration by op (get/put/delete/watch)
  - Labels: op

nebula_store_watch_reconnects_total:
  - Type: Counter
  - Description: Total times a WatchCache had to re-establish its etcd watch

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/nebula/pkg/metrics"

	// Set absolute value
	metrics.NodesTotal.WithLabelValues("ready").Set(12)

	// Increment/decrement
	metrics.ModelsTotal.Inc()
	metrics.ModelsTotal.Dec()

Updating Counter Metrics:

	// Increment by 1
	metrics.ReplicasScheduled.Inc()

	// Add arbitrary value
	metrics.GatewayRequestsTotal.WithLabelValues("/v1/chat/completions", "200").Add(1)

Recording Histogram Observations:

	// Direct observation
	metrics.SchedulingLatency.Observe(0.125) // 125ms

	// Using Timer helper
	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.ReconciliationDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.StoreOpDuration, "put")

Complete Example:

	package main

	import (
		"net/http"
		"time"
		"github.com/cuemby/nebula/pkg/metrics"
	)

	func main() {
		// Update cluster metrics
		metrics.NodesTotal.WithLabelValues("ready").Set(12)
		metrics.GPUsTotal.WithLabelValues("node-1").Set(8)
		metrics.ModelsTotal.Set(6)
		metrics.ReplicasTotal.WithLabelValues("llama-3-70b", "ready").Set(4)

		// Time an operation
		timer := metrics.NewTimer()
		reconcileNode()
		timer.ObserveDuration(metrics.ReconciliationDuration)

		// Expose metrics endpoint
		http.Handle("/metrics", metrics.Handler())
		http.ListenAndServe(":9090", nil)
	}

	func reconcileNode() {
		// Reconciliation logic
		time.Sleep(100 * time.Millisecond)
	}

# Integration Points

This package integrates with:

  - pkg/gateway: Instruments client request count and duration
  - pkg/router: Records request counts, retries, upstream errors, circuit skips
  - pkg/scheduler: Records scheduling latency and placement counts
  - pkg/reconciler: Tracks reconciliation cycles and container starts
  - pkg/images: Reports image pull and GC counts
  - pkg/store: Instruments etcd operation duration and watch reconnects
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()
  - No runtime registration needed

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels
  - Avoid high-cardinality labels (IDs, timestamps)
  - Document label values in metric description
  - Keep label count low (< 5 per metric)

Timer Pattern:
  - Create timer at operation start
  - Defer or explicitly call ObserveDuration
  - Automatically calculates elapsed time
  - Supports both simple and vector histograms

Global Metrics:
  - Package-level variables for all metrics
  - Accessible from any Nebula package
  - Thread-safe concurrent updates
  - No initialization required by callers

# Performance Characteristics

Metric Update Overhead:
  - Gauge set/inc: ~50ns per operation
  - Counter inc: ~50ns per operation
  - Histogram observe: ~200ns per operation
  - Labels: +100ns per label value
  - Negligible impact on hot path

Memory Usage:
  - Per metric: ~1KB baseline
  - Per label combination: ~100 bytes
  - Histogram buckets: ~50 bytes each
  - Total: ~1-5MB for typical Nebula cluster

Scrape Performance:
  - Metrics gathering: ~1-5ms for full scrape
  - HTTP response: ~10ms for typical metric set
  - Recommendation: Scrape interval ≥ 15s
  - Concurrent scrapes: Safe (read-only)

Cardinality Management:
  - Low cardinality: role, status, state (< 10 values)
  - Medium cardinality: method, host (< 100 values)
  - Avoid: task IDs, timestamps (unbounded)
  - Best practice: Aggregate high-cardinality in logs

# Troubleshooting

Common Issues:

Missing Metrics:
  - Symptom: Metric not appearing in /metrics output
  - Check: Metric registered in init() function
  - Check: MustRegister called (panics if duplicate)
  - Solution: Verify metric variable is exported

High Cardinality:
  - Symptom: Prometheus memory usage grows
  - Cause: Using IDs or unbounded values as labels
  - Check: Label cardinality (count unique combinations)
  - Solution: Remove high-cardinality labels, aggregate differently

Histogram Bucket Mismatch:
  - Symptom: No data in desired percentiles
  - Cause: Buckets don't cover observed value range
  - Check: Histogram sum / count for average
  - Solution: Customize buckets for value range

Stale Metrics:
  - Symptom: Metrics not updating
  - Cause: Code not calling metric update methods
  - Check: Add logging around metric updates
  - Solution: Instrument code paths correctly

# Monitoring

Prometheus Queries (PromQL):

Node Health:
  - Total nodes: sum(nebula_nodes_total)
  - Ready nodes: nebula_nodes_total{phase="ready"}
  - Down nodes: nebula_nodes_total{phase="down"}
  - Total GPUs: sum(nebula_gpus_total)

Model Health:
  - Total models: nebula_models_total
  - Healthy replicas: nebula_replicas_total{phase="healthy"}
  - Unhealthy replicas: nebula_replicas_total{phase="unhealthy"}
  - Health check failure rate: rate(nebula_health_check_failures_total[5m])

Gateway / Router Performance:
  - Request rate: rate(nebula_gateway_requests_total[1m])
  - Error rate: rate(nebula_gateway_requests_total{status=~"5.."}[1m])
  - p95 latency: histogram_quantile(0.95, nebula_gateway_request_duration_seconds_bucket)
  - p99 latency: histogram_quantile(0.99, nebula_router_request_duration_seconds_bucket)
  - Open circuits: count(nebula_circuit_breaker_state == 1)
  - Retry rate: rate(nebula_router_retries_total[1m])

Scheduler Performance:
  - Scheduling rate: rate(nebula_replicas_scheduled_total[1m])
  - p95 scheduling latency: histogram_quantile(0.95, nebula_scheduling_latency_seconds_bucket)
  - Scale-down/up ratio: rate(nebula_scaling_decisions_total{direction="down"}[10m]) / rate(nebula_scaling_decisions_total{direction="up"}[10m])

# Alerting Rules

Recommended Prometheus alerts:

High Upstream Error Rate:
  - Alert: rate(nebula_router_upstream_errors_total[5m]) > 0.1
  - Description: More than 0.1 upstream engine errors per second
  - Action: Check replica health, engine logs, node GPU utilization

No Ready Replicas For A Model:
  - Alert: sum(nebula_replicas_total{phase="healthy"}) by (model_uid) == 0
  - Description: A model has zero ready replicas
  - Action: Check scheduler and reconciler logs, node availability

Circuit Breaker Open:
  - Alert: nebula_circuit_breaker_state == 1
  - Description: An endpoint's circuit breaker has tripped
  - Action: Check that endpoint's health checks and recent error rate

High Gateway Latency:
  - Alert: histogram_quantile(0.95, nebula_gateway_request_duration_seconds_bucket) > 5
  - Description: p95 client-observed latency exceeds 5 seconds
  - Action: Check router selection latency, replica load, GPU saturation

# Grafana Dashboards

Recommended dashboard panels:

Cluster Overview:
  - Gauge: Total nodes (ready vs down)
  - Gauge: Free vs allocated GPUs
  - Time series: Replicas by status (starting, ready, unhealthy)
  - Time series: Health check failure rate

Gateway / Router Performance:
  - Time series: Request rate by route
  - Time series: p95 and p99 latency
  - Time series: Error rate (5xx responses)
  - Time series: Open circuit count, retry rate

Scheduler Performance:
  - Time series: Replicas scheduled per second
  - Heatmap: Scheduling latency distribution
  - Time series: Scale up/down decisions

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - PromQL tutorial: https://prometheus.io/docs/prometheus/latest/querying/basics/
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics

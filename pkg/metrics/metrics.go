package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_nodes_total",
			Help: "Total number of nodes by phase",
		},
		[]string{"phase"},
	)

	GPUsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_gpus_total",
			Help: "Total number of GPUs by node",
		},
		[]string{"node_id"},
	)

	ModelsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebula_models_total",
			Help: "Total number of declared model intents",
		},
	)

	ReplicasTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_replicas_total",
			Help: "Total number of replicas by phase",
		},
		[]string{"model_uid", "phase"},
	)

	// Gateway / router metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_gateway_requests_total",
			Help: "Total number of gateway requests by route and status",
		},
		[]string{"route", "status"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RouterSelectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebula_router_selection_duration_seconds",
			Help:    "Time taken to select a replica for a request",
			Buckets: prometheus.DefBuckets,
		},
	)

	RouterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_router_requests_total",
			Help: "Total number of proxied requests by model and replica",
		},
		[]string{"model_uid", "replica_id", "status"},
	)

	RouterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_router_retries_total",
			Help: "Total number of router retries by model",
		},
		[]string{"model_uid"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_circuit_breaker_state",
			Help: "Circuit breaker state per replica (0=closed, 1=open, 2=half-open)",
		},
		[]string{"replica_id"},
	)

	RouteCircuitSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_route_circuit_skipped_total",
			Help: "Total number of candidates skipped because their circuit was open",
		},
		[]string{"model_uid"},
	)

	RouterAdmissionRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_router_admission_rejects_total",
			Help: "Total number of requests rejected by admission control (overload)",
		},
		[]string{"model_uid"},
	)

	RouterUpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_router_upstream_errors_total",
			Help: "Total number of upstream errors by kind",
		},
		[]string{"model_uid", "kind"},
	)

	RouterTooLargeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_router_too_large_total",
			Help: "Total number of requests rejected for exceeding the body size cap",
		},
		[]string{"model_uid"},
	)

	RouterTimeToFirstByte = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_router_time_to_first_byte_seconds",
			Help:    "Time from request selection to first upstream response byte",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model_uid"},
	)

	RouterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_router_request_duration_seconds",
			Help:    "End-to-end proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model_uid"},
	)

	RouterRetrySuccessesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_router_retry_successes_total",
			Help: "Total number of retries that ultimately succeeded",
		},
		[]string{"model_uid"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebula_scheduling_latency_seconds",
			Help:    "Time taken to complete a scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicasScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_replicas_scheduled_total",
			Help: "Total number of replica placements created",
		},
	)

	ScalingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_scaling_decisions_total",
			Help: "Total number of autoscaler decisions by direction",
		},
		[]string{"model_uid", "direction"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebula_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebula_container_start_duration_seconds",
			Help:    "Time taken to start an engine container in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	HealthCheckFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_health_check_failures_total",
			Help: "Total number of failed replica health checks",
		},
		[]string{"replica_id"},
	)

	// Image manager metrics
	ImagePullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebula_image_pull_duration_seconds",
			Help:    "Time taken to pull an engine image in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	ImagePullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_image_pulls_total",
			Help: "Total number of image pulls by result",
		},
		[]string{"result"},
	)

	ImagesGCedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_images_gc_total",
			Help: "Total number of unreferenced images garbage collected",
		},
	)

	// Store client metrics
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_store_op_duration_seconds",
			Help:    "Store client operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StoreWatchReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_store_watch_reconnects_total",
			Help: "Total number of store watch channel reconnects",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		GPUsTotal,
		ModelsTotal,
		ReplicasTotal,
		GatewayRequestsTotal,
		GatewayRequestDuration,
		RouterSelectionDuration,
		RouterRequestsTotal,
		RouterRetriesTotal,
		CircuitBreakerState,
		RouteCircuitSkippedTotal,
		RouterAdmissionRejectsTotal,
		RouterUpstreamErrorsTotal,
		RouterTooLargeTotal,
		RouterTimeToFirstByte,
		RouterRequestDuration,
		RouterRetrySuccessesTotal,
		SchedulingLatency,
		ReplicasScheduled,
		ScalingDecisionsTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ContainerStartDuration,
		HealthCheckFailuresTotal,
		ImagePullDuration,
		ImagePullsTotal,
		ImagesGCedTotal,
		StoreOpDuration,
		StoreWatchReconnectsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

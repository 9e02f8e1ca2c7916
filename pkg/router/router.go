// Package router selects a healthy replica for an inbound model request
// and proxies to it, with admission control, retry, and a per-replica
// circuit breaker sitting between the gateway and the engine containers.
package router

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nebula/pkg/events"
	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/store"
	"github.com/cuemby/nebula/pkg/types"
)

// Config carries the router's tunables, all overridable via pkg/config.
type Config struct {
	OverloadKVThreshold     float64
	OverloadPendingThreshold int
	StatsMaxAge             time.Duration
	RetryMax                int
	BackoffMin              time.Duration
	BackoffMax              time.Duration
	CircuitFailureThreshold int
	CircuitFailureWindow    time.Duration
	CircuitOpenCooldown     time.Duration
	MaxRequestBodyBytes     int64
	FirstByteTimeout        time.Duration
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		OverloadKVThreshold:      0.95,
		OverloadPendingThreshold: 256,
		StatsMaxAge:              10 * time.Second,
		RetryMax:                 1,
		BackoffMin:               50 * time.Millisecond,
		BackoffMax:               100 * time.Millisecond,
		CircuitFailureThreshold:  3,
		CircuitFailureWindow:     30 * time.Second,
		CircuitOpenCooldown:      30 * time.Second,
		MaxRequestBodyBytes:      4 << 20,
		FirstByteTimeout:         30 * time.Second,
	}
}

// Router holds the immutable index of routable replicas plus the mutable
// per-replica state (circuit breaker, local pending counter) that the
// index rebuild never touches.
type Router struct {
	cfg    Config
	logger zerolog.Logger

	plans     *store.WatchCache[types.PlacementPlan]
	endpoints *store.WatchCache[types.EndpointInfo]
	stats     *store.WatchCache[types.EndpointStats]

	index atomic.Pointer[Index]

	circuits sync.Map // replicaID string -> *circuitBreaker
	pending  sync.Map // replicaID string -> *int64

	transport http.RoundTripper

	stopCh chan struct{}
}

// NewRouter builds a Router over the given watch caches. The caches are
// expected to already be registered to run (Start is called by whoever
// owns the process, same as the scheduler and reconciler), this
// constructor only wires the router's own index-rebuild loop and proxy
// state on top of them.
func NewRouter(plans *store.WatchCache[types.PlacementPlan], endpoints *store.WatchCache[types.EndpointInfo], stats *store.WatchCache[types.EndpointStats], cfg Config) *Router {
	r := &Router{
		cfg:       cfg,
		logger:    log.WithComponent("router"),
		plans:     plans,
		endpoints: endpoints,
		stats:     stats,
		transport: &http.Transport{
			ResponseHeaderTimeout: cfg.FirstByteTimeout,
		},
		stopCh: make(chan struct{}),
	}
	r.index.Store(&Index{})
	return r
}

// Start runs the background index-rebuild loop until ctx is cancelled.
// It does not start the underlying WatchCaches — those are shared with
// the scheduler/reconciler and started once by the process that owns
// them.
func (r *Router) Start(ctx context.Context, broker *events.Broker) {
	var sub events.Subscriber
	if broker != nil {
		sub = broker.Subscribe()
		defer broker.Unsubscribe(sub)
	}

	r.rebuild()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.rebuild()
		case <-sub:
			r.rebuild()
		}
	}
}

// Stop signals Start's loop to return.
func (r *Router) Stop() {
	close(r.stopCh)
}

func (r *Router) rebuild() {
	idx := buildIndex(r.plans.Snapshot(), r.endpoints.Snapshot(), r.stats.Snapshot())
	r.index.Store(idx)
}

func (r *Router) currentIndex() *Index {
	return r.index.Load()
}

func (r *Router) circuitFor(replicaID string) *circuitBreaker {
	v, _ := r.circuits.LoadOrStore(replicaID, newCircuitBreaker())
	return v.(*circuitBreaker)
}

func (r *Router) pendingCounter(replicaID string) *int64 {
	v, _ := r.pending.LoadOrStore(replicaID, new(int64))
	return v.(*int64)
}

func (r *Router) acquire(replicaID string) func() {
	counter := r.pendingCounter(replicaID)
	atomic.AddInt64(counter, 1)
	return func() { atomic.AddInt64(counter, -1) }
}

func (r *Router) localPending(replicaID string) int64 {
	counter := r.pendingCounter(replicaID)
	return atomic.LoadInt64(counter)
}

// SelectReplica exposes the selection policy to callers that need to
// proxy with custom response framing (the gateway's /v1/responses
// stream) instead of Proxy's byte-for-byte passthrough.
func (r *Router) SelectReplica(modelUID string, req *http.Request) (types.EndpointInfo, error) {
	return r.selectReplica(modelUID, req, "")
}

// Acquire increments replicaID's local pending counter for the duration
// of a request the caller is proxying itself, returning a release func
// that must be called when the request completes.
func (r *Router) Acquire(replicaID string) func() {
	return r.acquire(replicaID)
}

// ReportResult feeds a request outcome the caller observed directly back
// into the replica's circuit breaker.
func (r *Router) ReportResult(replicaID string, err error) {
	if err == nil {
		r.circuitFor(replicaID).RecordSuccess()
		return
	}
	r.circuitFor(replicaID).RecordFailure(time.Now(), r.cfg.CircuitFailureThreshold, r.cfg.CircuitFailureWindow)
}

package router

import (
	"errors"
	"hash/fnv"
	"net/http"
	"sort"
	"time"

	"github.com/cuemby/nebula/pkg/apierror"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/types"
)

// ErrNoCandidates means no replica can take the request: none is
// registered for the model, or every one is circuit-open or excluded (as
// opposed to every replica being overloaded, which is a KindNoCapacity
// error that does not wrap it).
var ErrNoCandidates = errors.New("router: no ready replicas for model")

// scored pairs a candidate endpoint with the signals selection ranks on.
type scored struct {
	endpoint    types.EndpointInfo
	stats       types.EndpointStats
	hasStats    bool
	localPending int64
}

// selectReplica runs the full selection policy: candidate set, circuit
// filter, admission control, staleness shrink, scoring, and exclusion of
// a replica that just failed on a retry attempt.
func (r *Router) selectReplica(modelUID string, req *http.Request, exclude string) (types.EndpointInfo, error) {
	idx := r.currentIndex()
	candidates := idx.Candidates(modelUID)
	if len(candidates) == 0 {
		return types.EndpointInfo{}, apierror.Wrap(apierror.KindNoCapacity, "no replicas registered for model", ErrNoCandidates)
	}

	now := time.Now()
	var open []types.EndpointInfo
	for _, ep := range candidates {
		if ep.ReplicaID == exclude {
			continue
		}
		cb := r.circuitFor(ep.ReplicaID)
		if !cb.Allow(now, r.cfg.CircuitOpenCooldown) {
			metrics.RouteCircuitSkippedTotal.WithLabelValues(modelUID).Inc()
			continue
		}
		open = append(open, ep)
	}
	if len(open) == 0 {
		return types.EndpointInfo{}, apierror.Wrap(apierror.KindNoCapacity, "all replicas circuit-open or excluded", ErrNoCandidates)
	}

	enriched := make([]scored, 0, len(open))
	for _, ep := range open {
		st, ok := idx.StatsFor(ep.ReplicaID)
		enriched = append(enriched, scored{
			endpoint:     ep,
			stats:        st,
			hasStats:     ok,
			localPending: r.localPending(ep.ReplicaID),
		})
	}

	if allOverloaded(enriched, r.cfg) {
		metrics.RouterAdmissionRejectsTotal.WithLabelValues(modelUID).Inc()
		return types.EndpointInfo{}, apierror.New(apierror.KindNoCapacity, "all replicas at capacity")
	}

	fresh := dropStale(enriched, now, r.cfg.StatsMaxAge)

	sessionID := req.Header.Get("X-Session-Id")
	best := pickBest(fresh, sessionID)
	return best.endpoint, nil
}

// allOverloaded reports whether every candidate is above the KV-cache or
// pending-request overload threshold, meaning the request should be rejected outright
// rather than sent to a replica that is already saturated.
func allOverloaded(candidates []scored, cfg Config) bool {
	for _, c := range candidates {
		if !c.hasStats {
			return false
		}
		used := kvUsageRatio(c.stats)
		pending := c.stats.PendingRequests + int(c.localPending)
		if used <= cfg.OverloadKVThreshold && pending <= cfg.OverloadPendingThreshold {
			return false
		}
	}
	return true
}

func kvUsageRatio(s types.EndpointStats) float64 {
	return s.KVCacheUsageRatio
}

// dropStale removes candidates whose stats are older than maxAge,
// unless doing so would remove every remaining candidate — an endpoint
// with no fresh load signal is still better than none at all.
func dropStale(candidates []scored, now time.Time, maxAge time.Duration) []scored {
	fresh := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if !c.hasStats || !c.stats.Stale(now, maxAge) {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return candidates
	}
	return fresh
}

// pickBest scores by pending requests (lower is better), then KV cache
// usage (lower is better), then a stable hash of (sessionID, replicaID)
// so repeated requests in the same session land on the same replica
// whenever more than one candidate is otherwise tied.
func pickBest(candidates []scored, sessionID string) scored {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa := a.stats.PendingRequests + int(a.localPending)
		pb := b.stats.PendingRequests + int(b.localPending)
		if pa != pb {
			return pa < pb
		}
		ua, ub := kvUsageRatio(a.stats), kvUsageRatio(b.stats)
		if ua != ub {
			return ua < ub
		}
		if sessionID == "" {
			return a.endpoint.ReplicaID < b.endpoint.ReplicaID
		}
		return sessionHash(sessionID, a.endpoint.ReplicaID) < sessionHash(sessionID, b.endpoint.ReplicaID)
	})
	return candidates[0]
}

func sessionHash(sessionID, replicaID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	h.Write([]byte{'|'})
	h.Write([]byte(replicaID))
	return h.Sum64()
}

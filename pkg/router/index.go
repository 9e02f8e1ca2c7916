package router

import (
	"github.com/cuemby/nebula/pkg/types"
)

// Index is an immutable snapshot of everything the selection policy
// needs, rebuilt from the same WatchCache abstraction the scheduler and
// reconciler use and swapped in atomically so a request in flight never
// observes a half-updated view. Never mutate an Index in place; build a
// new one and store it.
type Index struct {
	planVersionByUID map[string]int64
	endpointsByUID   map[string][]types.EndpointInfo
	statsByReplica   map[string]types.EndpointStats
}

// buildIndex derives an Index from the current contents of the three
// watched collections.
func buildIndex(plans map[string]types.PlacementPlan, endpoints map[string]types.EndpointInfo, stats map[string]types.EndpointStats) *Index {
	idx := &Index{
		planVersionByUID: make(map[string]int64, len(plans)),
		endpointsByUID:   make(map[string][]types.EndpointInfo),
		statsByReplica:   make(map[string]types.EndpointStats, len(stats)),
	}

	for _, plan := range plans {
		idx.planVersionByUID[plan.ModelUID] = plan.Version
	}

	for _, ep := range endpoints {
		idx.endpointsByUID[ep.ModelUID] = append(idx.endpointsByUID[ep.ModelUID], ep)
	}

	for k, s := range stats {
		idx.statsByReplica[k] = s
	}

	return idx
}

// Candidates returns the Healthy endpoints for modelUID whose PlanVersion
// matches the current placement plan's version. An endpoint still
// reporting Healthy against a superseded plan — the tail of a retear —
// is never handed traffic.
func (idx *Index) Candidates(modelUID string) []types.EndpointInfo {
	eps := idx.endpointsByUID[modelUID]
	if len(eps) == 0 {
		return nil
	}
	currentVersion := idx.planVersionByUID[modelUID]
	out := make([]types.EndpointInfo, 0, len(eps))
	for _, ep := range eps {
		if ep.Phase != types.EndpointPhaseHealthy {
			continue
		}
		if ep.PlanVersion != currentVersion {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// StatsFor returns the most recently scraped stats for a replica, if any.
func (idx *Index) StatsFor(replicaID string) (types.EndpointStats, bool) {
	s, ok := idx.statsByReplica[replicaID]
	return s, ok
}

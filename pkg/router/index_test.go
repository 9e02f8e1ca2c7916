package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/nebula/pkg/types"
)

func TestCandidatesFiltersStalePlanVersion(t *testing.T) {
	plans := map[string]types.PlacementPlan{
		"m1": {ModelUID: "m1", Version: 2},
	}
	endpoints := map[string]types.EndpointInfo{
		"r1": {ReplicaID: "r1", ModelUID: "m1", Phase: types.EndpointPhaseHealthy, PlanVersion: 1},
		"r2": {ReplicaID: "r2", ModelUID: "m1", Phase: types.EndpointPhaseHealthy, PlanVersion: 2},
	}

	idx := buildIndex(plans, endpoints, nil)
	got := idx.Candidates("m1")

	if assert.Len(t, got, 1) {
		assert.Equal(t, "r2", got[0].ReplicaID)
	}
}

func TestCandidatesExcludesUnhealthyEvenAtCurrentVersion(t *testing.T) {
	plans := map[string]types.PlacementPlan{
		"m1": {ModelUID: "m1", Version: 1},
	}
	endpoints := map[string]types.EndpointInfo{
		"r1": {ReplicaID: "r1", ModelUID: "m1", Phase: types.EndpointPhaseUnhealthy, PlanVersion: 1},
	}

	idx := buildIndex(plans, endpoints, nil)
	assert.Empty(t, idx.Candidates("m1"))
}

func TestCandidatesNoPlanYetMatchesZeroVersionEndpoints(t *testing.T) {
	endpoints := map[string]types.EndpointInfo{
		"r1": {ReplicaID: "r1", ModelUID: "m1", Phase: types.EndpointPhaseHealthy},
	}

	idx := buildIndex(nil, endpoints, nil)
	got := idx.Candidates("m1")

	if assert.Len(t, got, 1) {
		assert.Equal(t, "r1", got[0].ReplicaID)
	}
}

package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/nebula/pkg/types"
)

func gpuNode(id string, gpuCount int) types.NodeStatus {
	gpus := make([]types.GPU, gpuCount)
	for i := range gpus {
		gpus[i] = types.GPU{Index: i, MemoryTotalMB: 80000}
	}
	return types.NodeStatus{NodeID: id, Phase: types.NodePhaseReady, GPUs: gpus}
}

func TestReadyNodesFiltersPhase(t *testing.T) {
	byKey := map[string]types.NodeStatus{
		"a": {NodeID: "a", Phase: types.NodePhaseReady},
		"b": {NodeID: "b", Phase: types.NodePhaseDown},
		"c": {NodeID: "c", Phase: types.NodePhaseDraining},
	}

	got := readyNodes(byKey)
	assert.Len(t, got, 1)
	assert.Equal(t, "a", got[0].NodeID)
}

func TestSchedulerSelectNode(t *testing.T) {
	s := &Scheduler{}

	tests := []struct {
		name       string
		nodes      []types.NodeStatus
		usage      map[string][]int
		gpusNeeded int
		cfg        types.ModelConfig
		wantNode   string
		wantNil    bool
	}{
		{
			name:       "single node with capacity",
			nodes:      []types.NodeStatus{gpuNode("n1", 4)},
			usage:      map[string][]int{},
			gpusNeeded: 1,
			wantNode:   "n1",
		},
		{
			name:       "picks node with most free GPUs",
			nodes:      []types.NodeStatus{gpuNode("n1", 4), gpuNode("n2", 8)},
			usage:      map[string][]int{"n1": {0, 1, 2}},
			gpusNeeded: 1,
			wantNode:   "n2",
		},
		{
			name:       "skips node without enough free GPUs",
			nodes:      []types.NodeStatus{gpuNode("n1", 2)},
			usage:      map[string][]int{"n1": {0, 1}},
			gpusNeeded: 1,
			wantNil:    true,
		},
		{
			name:       "no nodes at all",
			nodes:      nil,
			usage:      map[string][]int{},
			gpusNeeded: 1,
			wantNil:    true,
		},
		{
			name:       "skips node without enough free VRAM",
			nodes:      []types.NodeStatus{gpuNode("n1", 2)},
			usage:      map[string][]int{},
			gpusNeeded: 1,
			cfg:        types.ModelConfig{RequiredVRAMMB: 90000, TensorParallelSize: 1},
			wantNil:    true,
		},
		{
			name:       "admits node with enough free VRAM",
			nodes:      []types.NodeStatus{gpuNode("n1", 2)},
			usage:      map[string][]int{},
			gpusNeeded: 1,
			cfg:        types.ModelConfig{RequiredVRAMMB: 40000, TensorParallelSize: 1},
			wantNode:   "n1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.selectNode(tt.nodes, tt.usage, tt.gpusNeeded, tt.cfg)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			if assert.NotNil(t, got) {
				assert.Equal(t, tt.wantNode, got.NodeID)
			}
		})
	}
}

func TestAllocateGPUs(t *testing.T) {
	node := gpuNode("n1", 4)

	picked := allocateGPUs(&node, []int{0, 1}, 2)
	assert.Equal(t, []int{2, 3}, picked)
}

func TestAllocateGPUsInsufficientCapacity(t *testing.T) {
	node := gpuNode("n1", 2)

	picked := allocateGPUs(&node, []int{0, 1}, 1)
	assert.Empty(t, picked)
}

func TestFilterDeadNodes(t *testing.T) {
	plan := &types.PlacementPlan{
		Assignments: []types.Assignment{
			{ReplicaID: "r1", NodeID: "n1"},
			{ReplicaID: "r2", NodeID: "n2"},
		},
	}

	changed := filterDeadNodes(plan, []types.NodeStatus{{NodeID: "n1", Phase: types.NodePhaseReady}})
	assert.True(t, changed)
	assert.Len(t, plan.Assignments, 1)
	assert.Equal(t, "r1", plan.Assignments[0].ReplicaID)
}

func TestFilterDeadNodesNoChange(t *testing.T) {
	plan := &types.PlacementPlan{
		Assignments: []types.Assignment{{ReplicaID: "r1", NodeID: "n1"}},
	}

	changed := filterDeadNodes(plan, []types.NodeStatus{{NodeID: "n1", Phase: types.NodePhaseReady}})
	assert.False(t, changed)
	assert.Len(t, plan.Assignments, 1)
}

func TestSchedulerDesiredReplicasClampsToMin(t *testing.T) {
	s := NewScheduler(nil, nil)

	intent := types.ModelIntent{MinReplicas: 2, MaxReplicas: 5}
	assert.Equal(t, 2, s.desiredReplicas("m1", intent, 0))
}

func TestSchedulerDesiredReplicasNoAutoscaleWithoutThresholds(t *testing.T) {
	s := NewScheduler(nil, nil)

	intent := types.ModelIntent{MinReplicas: 1, MaxReplicas: 5}
	assert.Equal(t, 2, s.desiredReplicas("m1", intent, 2))
}

func TestClusterUsageAggregatesAcrossModels(t *testing.T) {
	plans := map[string]types.PlacementPlan{
		"m1": {ModelUID: "m1", Assignments: []types.Assignment{
			{NodeID: "n1", Port: 30000, GPUIndices: []int{0}},
		}},
		"m2": {ModelUID: "m2", Assignments: []types.Assignment{
			{NodeID: "n1", Port: 30001, GPUIndices: []int{1}},
		}},
	}

	gpuUsage, portUsage := clusterUsage(plans)
	assert.ElementsMatch(t, []int{0, 1}, gpuUsage["n1"])
	assert.True(t, portUsage["n1"][30000])
	assert.True(t, portUsage["n1"][30001])
}

func TestAllocatePortSkipsUsedAcrossModels(t *testing.T) {
	usage := map[string]map[int]bool{
		"n1": {basePort: true, basePort + 1: true},
	}

	got := allocatePort(usage, "n1")
	assert.Equal(t, basePort+2, got)
	assert.True(t, usage["n1"][basePort+2])
}

func TestAllocatePortFreshNode(t *testing.T) {
	usage := map[string]map[int]bool{}

	got := allocatePort(usage, "n1")
	assert.Equal(t, basePort, got)
}

func TestUpdateIntentStatusNoWriteWhenUnchanged(t *testing.T) {
	s := &Scheduler{}
	intent := types.ModelIntent{Status: types.ModelIntentScheduled}

	// assignmentCount >= MinReplicas (0) keeps status Scheduled, matching
	// intent.Status already, so no store write (and thus no nil-client
	// panic) should occur.
	err := s.updateIntentStatus(context.Background(), "m1", intent, 1, false)
	assert.NoError(t, err)
}

func TestUpdateIntentStatusPendingWhenUnderReplicatedNotInfeasible(t *testing.T) {
	s := &Scheduler{}
	intent := types.ModelIntent{MinReplicas: 2, Status: types.ModelIntentPending}

	err := s.updateIntentStatus(context.Background(), "m1", intent, 1, false)
	assert.NoError(t, err)
}

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/nebula/pkg/types"
)

func TestBuildModelIntentDefaultsMinFromLegacyReplicas(t *testing.T) {
	now := time.Now()
	intent := buildModelIntent(loadModelRequest{
		ModelUID:  "m1",
		ModelName: "test-model",
		Replicas:  3,
	}, now)

	assert.Equal(t, 3, intent.MinReplicas)
	assert.Equal(t, 3, intent.MaxReplicas)
	assert.Equal(t, types.EngineVLLM, intent.EngineType)
}

func TestBuildModelIntentClampsMaxToMin(t *testing.T) {
	intent := buildModelIntent(loadModelRequest{
		ModelUID:    "m1",
		ModelName:   "test-model",
		MinReplicas: 4,
		MaxReplicas: 2,
	}, time.Now())

	assert.Equal(t, 4, intent.MinReplicas)
	assert.Equal(t, 4, intent.MaxReplicas)
}

func TestBuildModelIntentMinReplicasFloorsAtOne(t *testing.T) {
	intent := buildModelIntent(loadModelRequest{
		ModelUID:  "m1",
		ModelName: "test-model",
	}, time.Now())

	assert.Equal(t, 1, intent.MinReplicas)
}

func TestBuildModelIntentPreservesExplicitEngineType(t *testing.T) {
	intent := buildModelIntent(loadModelRequest{
		ModelUID:   "m1",
		ModelName:  "test-model",
		EngineType: "sglang",
		Replicas:   1,
	}, time.Now())

	assert.Equal(t, types.EngineSGLang, intent.EngineType)
}

func TestResolveVersionPolicyDefaultsToPin(t *testing.T) {
	assert.Equal(t, types.VersionPolicyPin, resolveVersionPolicy(""))
	assert.Equal(t, types.VersionPolicyPin, resolveVersionPolicy("bogus"))
	assert.Equal(t, types.VersionPolicyRolling, resolveVersionPolicy("rolling"))
	assert.Equal(t, types.VersionPolicyPin, resolveVersionPolicy("pin"))
}

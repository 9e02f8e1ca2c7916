package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "/model_intents/m1", ModelIntentKey("m1"))
	assert.Equal(t, "/placements/m1", PlacementKey("m1"))
	assert.Equal(t, "/nodes/n1", NodeKey("n1"))
	assert.Equal(t, "/endpoints/r1", EndpointKey("r1"))
	assert.Equal(t, "/stats/r1", StatsKey("r1"))
	assert.Equal(t, "/images/img1", ImageKey("img1"))
	assert.Equal(t, "/image_status/n1/img1", ImageStatusKey("n1", "img1"))
}

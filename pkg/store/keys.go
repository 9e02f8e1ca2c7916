package store

import "fmt"

// Key prefixes mirror the external key layout: every record type lives
// under its own prefix so a single ListPrefix/Watch call tracks exactly
// one record type. Keys are plain strings, not a nested scheme, because
// etcd does prefix scans lexicographically and nothing in Nebula needs
// anything richer.
const (
	ModelIntentsPrefix = "/model_intents/"
	PlacementsPrefix   = "/placements/"
	NodesPrefix        = "/nodes/"
	EndpointsPrefix    = "/endpoints/"
	StatsPrefix        = "/stats/"
	ImagesPrefix       = "/images/"
	ImageStatusPrefix  = "/image_status/"
)

// ModelIntentKey returns the key for a single ModelIntent.
func ModelIntentKey(modelUID string) string {
	return ModelIntentsPrefix + modelUID
}

// PlacementKey returns the key for a single PlacementPlan.
func PlacementKey(modelUID string) string {
	return PlacementsPrefix + modelUID
}

// NodeKey returns the key for a single NodeStatus.
func NodeKey(nodeID string) string {
	return NodesPrefix + nodeID
}

// EndpointKey returns the key for a single EndpointInfo.
func EndpointKey(replicaID string) string {
	return EndpointsPrefix + replicaID
}

// StatsKey returns the key for a single EndpointStats record.
func StatsKey(replicaID string) string {
	return StatsPrefix + replicaID
}

// ImageKey returns the key for a single EngineImage.
func ImageKey(imageID string) string {
	return ImagesPrefix + imageID
}

// ImageStatusKey returns the key for a single NodeImageStatus.
func ImageStatusKey(nodeID, imageID string) string {
	return fmt.Sprintf("%s%s/%s", ImageStatusPrefix, nodeID, imageID)
}

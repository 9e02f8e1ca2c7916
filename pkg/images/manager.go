// Package images manages the engine container images Nebula's worker
// nodes need: it pulls every EngineImage a node's placement assignments
// reference, records per-node pull progress, and garbage-collects local
// images no placement references any more.
package images

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/runtime"
	"github.com/cuemby/nebula/pkg/store"
	"github.com/cuemby/nebula/pkg/types"
)

const (
	pullLoopInterval = 10 * time.Second
	gcLoopInterval   = 5 * time.Minute
)

// knownEnginePrefixes gates GC to images Nebula itself is likely to have
// pulled, so an operator's unrelated local images are never touched.
var knownEnginePrefixes = []string{"vllm/", "sglang/", "lmsysorg/", "ghcr.io/vllm-project/"}

// Manager runs on every GPU node alongside the reconciler: it ensures
// the images this node's assignments need are present, and reclaims
// disk from images no assignment references any more.
type Manager struct {
	client  *store.Client
	runtime *runtime.EngineRuntime
	nodeID  string
	logger  zerolog.Logger

	gcGracePeriod time.Duration

	images *store.WatchCache[types.EngineImage]
	plans  *store.WatchCache[types.PlacementPlan]

	// unreferencedSince tracks, per local image ref, the first time GC
	// observed it as unreferenced — an image is only deleted once it has
	// been unreferenced continuously for gcGracePeriod, matching the
	// reconciler's grace-period pattern for endpoint health.
	unreferencedSince map[string]time.Time

	stopCh chan struct{}
}

// NewManager builds an image manager for one node.
func NewManager(client *store.Client, rt *runtime.EngineRuntime, nodeID string, gcGracePeriod time.Duration) *Manager {
	if gcGracePeriod <= 0 {
		gcGracePeriod = 24 * time.Hour
	}
	return &Manager{
		client:            client,
		runtime:           rt,
		nodeID:            nodeID,
		logger:            log.WithComponent("images").With().Str("node_id", nodeID).Logger(),
		gcGracePeriod:     gcGracePeriod,
		images:            store.NewWatchCache[types.EngineImage](client, store.ImagesPrefix),
		plans:             store.NewWatchCache[types.PlacementPlan](client, store.PlacementsPrefix),
		unreferencedSince: make(map[string]time.Time),
		stopCh:            make(chan struct{}),
	}
}

// Start runs the pull and GC loops until ctx is cancelled or Stop is
// called. The underlying WatchCaches are started here since, unlike the
// reconciler's plan cache, nothing else on this node shares them.
func (m *Manager) Start(ctx context.Context) {
	go m.images.Run(ctx, nil)
	go m.plans.Run(ctx, nil)
	go m.pullLoop(ctx)
	go m.gcLoop(ctx)
	m.logger.Info().Msg("image manager started")
}

// Stop signals both loops to return.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(pullLoopInterval)
	defer ticker.Stop()

	m.pullOnce(ctx)
	for {
		select {
		case <-ticker.C:
			m.pullOnce(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pullOnce ensures every image this node's current assignments
// reference is present, pulling it if absent (Pin) or unconditionally
// (Rolling).
func (m *Manager) pullOnce(ctx context.Context) {
	refs := m.referencedImages()

	for imageID, ref := range refs {
		img, ok := m.imageByID(imageID)
		if !ok {
			// No EngineImage record — assignment names a bare docker_image
			// override, pull it directly without a VersionPolicy to apply.
			m.pullAndRecord(ctx, imageID, ref, types.VersionPolicyPin)
			continue
		}
		m.pullAndRecord(ctx, imageID, img.Reference, img.VersionPolicy)
	}
}

func (m *Manager) imageByID(imageID string) (types.EngineImage, bool) {
	img, ok := m.images.Snapshot()[store.ImageKey(imageID)]
	return img, ok
}

// pullAndRecord pulls ref unless policy is Pin and the image already has
// a Present status recorded for this node, then writes the resulting
// NodeImageStatus.
func (m *Manager) pullAndRecord(ctx context.Context, imageID, ref string, policy types.VersionPolicy) {
	if policy == types.VersionPolicyPin {
		var existing types.NodeImageStatus
		if _, err := m.client.Get(ctx, store.ImageStatusKey(m.nodeID, imageID), &existing); err == nil {
			if existing.Phase == types.ImagePullPresent {
				return
			}
		}
	}

	m.publishStatus(ctx, imageID, types.ImagePullPulling, "")

	timer := metrics.NewTimer()
	err := m.runtime.PullImage(ctx, ref)
	timer.ObserveDuration(metrics.ImagePullDuration)

	if err != nil {
		metrics.ImagePullsTotal.WithLabelValues("failure").Inc()
		m.logger.Error().Err(err).Str("image_id", imageID).Str("ref", ref).Msg("image pull failed")
		m.publishStatus(ctx, imageID, types.ImagePullFailed, err.Error())
		return
	}

	metrics.ImagePullsTotal.WithLabelValues("success").Inc()
	m.publishStatus(ctx, imageID, types.ImagePullPresent, "")
}

func (m *Manager) publishStatus(ctx context.Context, imageID string, phase types.ImagePullPhase, errMsg string) {
	status := types.NodeImageStatus{
		NodeID:    m.nodeID,
		ImageID:   imageID,
		Phase:     phase,
		Error:     errMsg,
		UpdatedAt: time.Now(),
	}
	if err := m.client.Put(ctx, store.ImageStatusKey(m.nodeID, imageID), status, 0); err != nil {
		m.logger.Error().Err(err).Str("image_id", imageID).Msg("failed to publish image status")
	}
}

// referencedImages returns, for every assignment on this node across
// every model's placement plan, the image ID (docker_image override, or
// falls back to the assignment's docker_image as its own ID when no
// EngineImage record matches it) mapped to the reference to pull.
func (m *Manager) referencedImages() map[string]string {
	images := m.images.Snapshot()
	refToID := make(map[string]string, len(images))
	for _, img := range images {
		refToID[img.Reference] = img.ID
	}

	out := make(map[string]string)
	for _, plan := range m.plans.Snapshot() {
		for _, a := range plan.Assignments {
			if a.NodeID != m.nodeID || a.DockerImage == "" {
				continue
			}
			id, ok := refToID[a.DockerImage]
			if !ok {
				id = a.DockerImage
			}
			out[id] = a.DockerImage
		}
	}
	return out
}

func (m *Manager) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(gcLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.gcOnce(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// gcOnce removes local images whose name contains a known engine
// substring, are not referenced by any current assignment on this node,
// and have stayed unreferenced for at least gcGracePeriod. This is
// explicitly heuristic: Nebula does not label images it pulls, so "ours
// to reclaim" is approximated by name rather than provenance.
func (m *Manager) gcOnce(ctx context.Context) {
	localRefs, err := m.runtime.ListImages(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list local images for gc")
		return
	}

	referenced := make(map[string]bool)
	for _, ref := range m.referencedImages() {
		referenced[ref] = true
	}

	now := time.Now()
	stillUnreferenced := make(map[string]time.Time)

	for _, ref := range localRefs {
		if !matchesKnownEngine(ref) || referenced[ref] {
			continue
		}

		since, ok := m.unreferencedSince[ref]
		if !ok {
			since = now
		}
		stillUnreferenced[ref] = since

		if now.Sub(since) < m.gcGracePeriod {
			continue
		}

		if err := m.runtime.DeleteImage(ctx, ref); err != nil {
			m.logger.Warn().Err(err).Str("ref", ref).Msg("failed to gc image")
			continue
		}
		metrics.ImagesGCedTotal.Inc()
		m.logger.Info().Str("ref", ref).Msg("garbage collected unreferenced image")
	}

	m.unreferencedSince = stillUnreferenced
}

func matchesKnownEngine(ref string) bool {
	for _, prefix := range knownEnginePrefixes {
		if strings.Contains(ref, prefix) {
			return true
		}
	}
	return false
}

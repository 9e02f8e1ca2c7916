package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/nebula/pkg/apierror"
	"github.com/cuemby/nebula/pkg/audit"
	"github.com/cuemby/nebula/pkg/store"
	"github.com/cuemby/nebula/pkg/types"
)

// loadModelRequest is the wire shape of POST /v1/admin/models/load. It
// mirrors types.ModelIntent with JSON-friendly field names; fields left
// zero take the scheduler's defaults.
type loadModelRequest struct {
	ModelUID       string          `json:"model_uid"`
	ModelName      string          `json:"model_name"`
	EngineType     string          `json:"engine_type"`
	DockerImage    string          `json:"docker_image"`
	MinReplicas    int             `json:"min_replicas"`
	Replicas       int             `json:"replicas"`
	MaxReplicas    int             `json:"max_replicas"`
	GPUsPerReplica int             `json:"gpus_per_replica"`
	Config         loadModelConfig `json:"config"`
}

type loadModelConfig struct {
	TensorParallelSize int      `json:"tensor_parallel_size"`
	GPUMemoryFraction  float64  `json:"gpu_memory_fraction"`
	MaxModelLen        int      `json:"max_model_len"`
	LoraAdapters       []string `json:"lora_adapters"`
	ExtraArgs          []string `json:"extra_args"`
	ScaleUpThreshold   float64  `json:"scale_up_threshold"`
	ScaleDownThreshold float64  `json:"scale_down_threshold"`
	ScaleWindowSeconds int      `json:"scale_window_seconds"`
	CooldownSeconds    int      `json:"cooldown_seconds"`
	RequiredVRAMMB     int64    `json:"required_vram_mb"`
}

// buildModelIntent translates the wire request into a ModelIntent,
// defaulting min_replicas from the legacy "replicas" field and clamping
// max_replicas to at least min_replicas.
func buildModelIntent(req loadModelRequest, now time.Time) types.ModelIntent {
	min := req.MinReplicas
	if min == 0 {
		min = req.Replicas
	}
	if min < 1 {
		min = 1
	}
	max := req.MaxReplicas
	if max < min {
		max = min
	}

	intent := types.ModelIntent{
		ModelUID:       req.ModelUID,
		ModelName:      req.ModelName,
		EngineType:     types.EngineType(req.EngineType),
		DockerImage:    req.DockerImage,
		MinReplicas:    min,
		MaxReplicas:    max,
		GPUsPerReplica: req.GPUsPerReplica,
		Config: types.ModelConfig{
			TensorParallelSize: req.Config.TensorParallelSize,
			GPUMemoryFraction:  req.Config.GPUMemoryFraction,
			MaxModelLen:        req.Config.MaxModelLen,
			LoraAdapters:       req.Config.LoraAdapters,
			ExtraArgs:          req.Config.ExtraArgs,
			ScaleUpThreshold:   req.Config.ScaleUpThreshold,
			ScaleDownThreshold: req.Config.ScaleDownThreshold,
			ScaleWindow:        time.Duration(req.Config.ScaleWindowSeconds) * time.Second,
			CooldownPeriod:     time.Duration(req.Config.CooldownSeconds) * time.Second,
			RequiredVRAMMB:     req.Config.RequiredVRAMMB,
		},
		Status:    types.ModelIntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if intent.EngineType == "" {
		intent.EngineType = types.EngineVLLM
	}
	return intent
}

// resolveVersionPolicy defaults an unrecognized or empty policy string to
// Pin, the conservative choice (pull once, never silently re-pull).
func resolveVersionPolicy(raw string) types.VersionPolicy {
	policy := types.VersionPolicy(raw)
	if policy != types.VersionPolicyRolling && policy != types.VersionPolicyPin {
		return types.VersionPolicyPin
	}
	return policy
}

// handleLoadModel creates or replaces a ModelIntent, keyed by model_uid.
// Creating the same model_uid again is idempotent: it overwrites the
// intent, which the scheduler reconverges against on its next pass.
func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ModelUID == "" || req.ModelName == "" {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "model_uid and model_name are required"))
		return
	}

	intent := buildModelIntent(req, time.Now())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var existing types.ModelIntent
	if _, err := s.store.Get(ctx, store.ModelIntentKey(intent.ModelUID), &existing); err == nil {
		intent.CreatedAt = existing.CreatedAt
	}

	if err := s.store.Put(ctx, store.ModelIntentKey(intent.ModelUID), intent, 0); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to write model intent", err))
		return
	}

	s.auditLog(r, "create", "model_intent", intent.ModelUID, nil, intent)
	writeJSON(w, http.StatusCreated, intent)
}

// handleListModelIntents lists every desired model.
func (s *Server) handleListModelIntents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var intents []types.ModelIntent
	if _, err := s.store.ListPrefixInto(ctx, store.ModelIntentsPrefix, &intents); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to list model intents", err))
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

// handleDeleteModelIntent removes a ModelIntent, triggering teardown:
// the scheduler stops including it in placement, and the reconciler
// tears down containers once their placement assignment disappears.
func (s *Server) handleDeleteModelIntent(w http.ResponseWriter, r *http.Request) {
	modelUID := chi.URLParam(r, "modelUID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var existing types.ModelIntent
	_, getErr := s.store.Get(ctx, store.ModelIntentKey(modelUID), &existing)

	if err := s.store.Delete(ctx, store.ModelIntentKey(modelUID)); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to delete model intent", err))
		return
	}
	if err := s.store.Delete(ctx, store.PlacementKey(modelUID)); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to delete placement plan", err))
		return
	}

	if getErr == nil {
		s.auditLog(r, "delete", "model_intent", modelUID, existing, nil)
	} else {
		s.auditLog(r, "delete", "model_intent", modelUID, nil, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

// clusterStatusResponse is GET /v1/admin/cluster/status's body: the
// desired intents alongside the endpoints currently serving them.
type clusterStatusResponse struct {
	Models []modelStatus `json:"models"`
}

type modelStatus struct {
	ModelUID     string                  `json:"model_uid"`
	ModelName    string                  `json:"model_name"`
	Status       types.ModelIntentStatus `json:"status"`
	StatusReason string                  `json:"status_reason,omitempty"`
	Desired      int                     `json:"desired_replicas"`
	Endpoints    []types.EndpointInfo    `json:"endpoints"`
}

// handleClusterStatus aggregates every model intent with its live
// endpoints, giving an operator a single call to see drift between
// desired and actual state.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var intents []types.ModelIntent
	if _, err := s.store.ListPrefixInto(ctx, store.ModelIntentsPrefix, &intents); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to list model intents", err))
		return
	}
	var endpoints []types.EndpointInfo
	if _, err := s.store.ListPrefixInto(ctx, store.EndpointsPrefix, &endpoints); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to list endpoints", err))
		return
	}

	byModel := make(map[string][]types.EndpointInfo)
	for _, ep := range endpoints {
		byModel[ep.ModelUID] = append(byModel[ep.ModelUID], ep)
	}

	resp := clusterStatusResponse{}
	for _, intent := range intents {
		resp.Models = append(resp.Models, modelStatus{
			ModelUID:     intent.ModelUID,
			ModelName:    intent.ModelName,
			Status:       intent.Status,
			StatusReason: intent.StatusReason,
			Desired:      intent.MinReplicas,
			Endpoints:    byModel[intent.ModelUID],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListNodes lists registered worker nodes and their GPU inventory.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var nodes []types.NodeStatus
	if _, err := s.store.ListPrefixInto(ctx, store.NodesPrefix, &nodes); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to list nodes", err))
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// handleModelStatus returns the endpoints currently serving one model.
func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	modelUID := chi.URLParam(r, "modelUID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var endpoints []types.EndpointInfo
	if _, err := s.store.ListPrefixInto(ctx, store.EndpointsPrefix, &endpoints); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to list endpoints", err))
		return
	}

	var filtered []types.EndpointInfo
	for _, ep := range endpoints {
		if ep.ModelUID == modelUID {
			filtered = append(filtered, ep)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// handleListImages lists known engine images.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var images []types.EngineImage
	if _, err := s.store.ListPrefixInto(ctx, store.ImagesPrefix, &images); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to list images", err))
		return
	}
	writeJSON(w, http.StatusOK, images)
}

type putImageRequest struct {
	EngineType    string `json:"engine_type"`
	Reference     string `json:"reference"`
	VersionPolicy string `json:"version_policy"`
}

// handlePutImage registers or updates an engine image, which pkg/images's
// per-node pull loop picks up on its next sweep.
func (s *Server) handlePutImage(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")

	var req putImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reference == "" {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "reference is required"))
		return
	}

	img := types.EngineImage{
		ID:            imageID,
		EngineType:    types.EngineType(req.EngineType),
		Reference:     req.Reference,
		VersionPolicy: resolveVersionPolicy(req.VersionPolicy),
		CreatedAt:     time.Now(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var existing types.EngineImage
	_, getErr := s.store.Get(ctx, store.ImageKey(imageID), &existing)
	if getErr == nil {
		img.CreatedAt = existing.CreatedAt
	}

	if err := s.store.Put(ctx, store.ImageKey(imageID), img, 0); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to write image", err))
		return
	}

	if getErr == nil {
		s.auditLog(r, "update", "engine_image", imageID, existing, img)
	} else {
		s.auditLog(r, "create", "engine_image", imageID, nil, img)
	}
	writeJSON(w, http.StatusOK, img)
}

// handleDeleteImage removes an image record; nodes that already pulled
// it keep the local copy until pkg/images's GC reclaims it.
func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var existing types.EngineImage
	_, getErr := s.store.Get(ctx, store.ImageKey(imageID), &existing)

	if err := s.store.Delete(ctx, store.ImageKey(imageID)); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to delete image", err))
		return
	}

	if getErr == nil {
		s.auditLog(r, "delete", "engine_image", imageID, existing, nil)
	} else {
		s.auditLog(r, "delete", "engine_image", imageID, nil, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImageStatus lists per-node pull status for every engine image.
func (s *Server) handleImageStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var statuses []types.NodeImageStatus
	if _, err := s.store.ListPrefixInto(ctx, store.ImageStatusPrefix, &statuses); err != nil {
		writeError(w, apierror.Wrap(apierror.KindUnavailable, "failed to list image status", err))
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// auditLog records an admin mutation, tagging it with the caller's
// identity (if any) and the request ID for cross-referencing logs.
func (s *Server) auditLog(r *http.Request, action, resource, resourceID string, before, after interface{}) {
	if s.audit == nil {
		return
	}
	actor := "anonymous"
	if id, ok := IdentityFromContext(r.Context()); ok {
		actor = id.Token
	}

	rec := audit.Record{
		Actor:       actor,
		Action:      action,
		Resource:    resource,
		ResourceID:  resourceID,
		RequestID:   RequestIDFromContext(r.Context()),
		TimestampMS: time.Now().UnixMilli(),
	}
	if before != nil {
		if b, err := json.Marshal(before); err == nil {
			rec.Before = b
		}
	}
	if after != nil {
		if a, err := json.Marshal(after); err == nil {
			rec.After = a
		}
	}
	s.audit.Log(rec)
}

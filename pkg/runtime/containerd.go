package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/nebula/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace Nebula launches engine
	// containers in.
	DefaultNamespace = "nebula"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// ModelCacheMountPath is where the host's model weight cache is bind
	// mounted inside every engine container.
	ModelCacheMountPath = "/root/.cache/huggingface"

	// AssignmentHashLabel is the containerd container label holding the
	// Assignment.Hash() this container was launched for, used by the
	// reconciler to decide whether a running container still matches the
	// assignment the scheduler currently wants.
	AssignmentHashLabel = "nebula.assignment-hash"
)

// EngineRuntime launches and supervises inference engine containers
// (vLLM, SGLang) via containerd.
type EngineRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewEngineRuntime creates a new containerd-backed engine runtime.
func NewEngineRuntime(socketPath string) (*EngineRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &EngineRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *EngineRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls an engine image from a registry.
func (r *EngineRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// LaunchEngine creates and starts an engine container for assignment,
// wiring in GPU device passthrough for the GPUs the scheduler claimed and
// a bind mount of the host's model weight cache. The container runs in
// the host network namespace so it binds directly on assignment.Port.
func (r *EngineRuntime) LaunchEngine(ctx context.Context, assignment types.Assignment, modelName string, cfg types.ModelConfig, modelCacheDir string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, assignment.DockerImage)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", assignment.DockerImage, err)
	}

	containerID := EngineContainerID(assignment.ReplicaID)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(engineEnv(assignment)),
		oci.WithProcessArgs(engineArgs(assignment, modelName, cfg)...),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}

	var mounts []specs.Mount
	if modelCacheDir != "" {
		mounts = append(mounts, specs.Mount{
			Source:      modelCacheDir,
			Destination: ModelCacheMountPath,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}
	mounts = append(mounts, gpuDeviceMounts(assignment.GPUIndices)...)
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			AssignmentHashLabel: assignment.Hash(),
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := ctrdContainer.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	return ctrdContainer.ID(), nil
}

// engineEnv builds the environment variables the engine process needs,
// chiefly GPU visibility for the NVIDIA container runtime hook.
func engineEnv(a types.Assignment) []string {
	env := []string{
		"NVIDIA_DRIVER_CAPABILITIES=compute,utility",
	}
	if len(a.GPUIndices) > 0 {
		indices := make([]string, len(a.GPUIndices))
		for i, idx := range a.GPUIndices {
			indices[i] = strconv.Itoa(idx)
		}
		env = append(env, "NVIDIA_VISIBLE_DEVICES="+strings.Join(indices, ","))
	} else {
		env = append(env, "NVIDIA_VISIBLE_DEVICES=none")
	}
	return env
}

// engineArgs builds the entrypoint command line for the engine, derived
// from ModelConfig. The two supported engines expose largely equivalent
// flags under different names.
func engineArgs(a types.Assignment, modelName string, cfg types.ModelConfig) []string {
	port := strconv.Itoa(a.Port)

	var args []string
	switch a.EngineType {
	case types.EngineSGLang:
		args = []string{
			"python3", "-m", "sglang.launch_server",
			"--model-path", modelName,
			"--port", port,
			"--host", "0.0.0.0",
		}
		if cfg.TensorParallelSize > 0 {
			args = append(args, "--tp-size", strconv.Itoa(cfg.TensorParallelSize))
		}
		if cfg.MaxModelLen > 0 {
			args = append(args, "--context-length", strconv.Itoa(cfg.MaxModelLen))
		}
	default: // types.EngineVLLM
		args = []string{
			"python3", "-m", "vllm.entrypoints.openai.api_server",
			"--model", modelName,
			"--port", port,
			"--host", "0.0.0.0",
		}
		if cfg.TensorParallelSize > 0 {
			args = append(args, "--tensor-parallel-size", strconv.Itoa(cfg.TensorParallelSize))
		}
		if cfg.GPUMemoryFraction > 0 {
			args = append(args, "--gpu-memory-utilization", strconv.FormatFloat(cfg.GPUMemoryFraction, 'f', 2, 64))
		}
		if cfg.MaxModelLen > 0 {
			args = append(args, "--max-model-len", strconv.Itoa(cfg.MaxModelLen))
		}
		for _, lora := range cfg.LoraAdapters {
			args = append(args, "--lora-modules", lora)
		}
	}

	args = append(args, cfg.ExtraArgs...)
	return args
}

// gpuDeviceMounts bind mounts the NVIDIA character devices for the given
// GPU indices plus the control devices every CUDA process needs.
func gpuDeviceMounts(gpuIndices []int) []specs.Mount {
	if len(gpuIndices) == 0 {
		return nil
	}

	devices := []string{"/dev/nvidiactl", "/dev/nvidia-uvm", "/dev/nvidia-uvm-tools"}
	for _, idx := range gpuIndices {
		devices = append(devices, fmt.Sprintf("/dev/nvidia%d", idx))
	}

	mounts := make([]specs.Mount, 0, len(devices))
	for _, dev := range devices {
		mounts = append(mounts, specs.Mount{
			Source:      dev,
			Destination: dev,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}
	return mounts
}

// StopEngine stops a running engine container, sending SIGTERM and
// falling back to SIGKILL after timeout.
func (r *EngineRuntime) StopEngine(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// DeleteEngine removes an engine container and its snapshot, stopping it
// first if still running.
func (r *EngineRuntime) DeleteEngine(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	if err := r.StopEngine(ctx, containerID, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop engine before delete: %w", err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// EngineRunning reports whether containerID has a running task.
func (r *EngineRuntime) EngineRunning(ctx context.Context, containerID string) bool {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return false
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

// ListEngines returns the IDs of every engine container in the Nebula
// namespace.
func (r *EngineRuntime) ListEngines(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// EngineHash returns the AssignmentHashLabel recorded on containerID at
// launch time, so the reconciler can tell whether a container it finds
// already running still matches the assignment it's supposed to serve.
func (r *EngineRuntime) EngineHash(ctx context.Context, containerID string) (string, bool) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", false
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return "", false
	}
	hash, ok := labels[AssignmentHashLabel]
	return hash, ok
}

// EngineContainerID derives the containerd container ID for a replica.
func EngineContainerID(replicaID string) string {
	return fmt.Sprintf("engine-%s", replicaID)
}

// ListImages returns the references of every image content-addressed in
// the Nebula namespace, for the image manager's GC sweep.
func (r *EngineRuntime) ListImages(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	images, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	refs := make([]string, 0, len(images))
	for _, img := range images {
		refs = append(refs, img.Name())
	}
	return refs, nil
}

// DeleteImage removes an image reference from the content store. Unlike
// DeleteEngine, it is not idempotent: deleting a reference that does not
// exist returns the error containerd reports.
func (r *EngineRuntime) DeleteImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if err := r.client.ImageService().Delete(ctx, ref); err != nil {
		return fmt.Errorf("failed to delete image %s: %w", ref, err)
	}
	return nil
}

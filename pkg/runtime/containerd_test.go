package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/nebula/pkg/types"
)

func TestEngineArgsVLLM(t *testing.T) {
	a := types.Assignment{EngineType: types.EngineVLLM, Port: 8000}
	cfg := types.ModelConfig{
		TensorParallelSize: 2,
		GPUMemoryFraction:  0.9,
		MaxModelLen:        8192,
		LoraAdapters:       []string{"adapter-a"},
		ExtraArgs:          []string{"--trust-remote-code"},
	}

	args := engineArgs(a, "meta-llama/Llama-3-70b", cfg)

	assert.Contains(t, args, "vllm.entrypoints.openai.api_server")
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "meta-llama/Llama-3-70b")
	assert.Contains(t, args, "--tensor-parallel-size")
	assert.Contains(t, args, "2")
	assert.Contains(t, args, "--gpu-memory-utilization")
	assert.Contains(t, args, "0.90")
	assert.Contains(t, args, "--max-model-len")
	assert.Contains(t, args, "8192")
	assert.Contains(t, args, "--lora-modules")
	assert.Contains(t, args, "adapter-a")
	assert.Contains(t, args, "--trust-remote-code")
	assert.Contains(t, args, "8000")
}

func TestEngineArgsSGLang(t *testing.T) {
	a := types.Assignment{EngineType: types.EngineSGLang, Port: 9000}
	cfg := types.ModelConfig{TensorParallelSize: 4, MaxModelLen: 4096}

	args := engineArgs(a, "qwen/Qwen2-72B", cfg)

	assert.Contains(t, args, "sglang.launch_server")
	assert.Contains(t, args, "--model-path")
	assert.Contains(t, args, "--tp-size")
	assert.Contains(t, args, "4")
	assert.Contains(t, args, "--context-length")
	assert.Contains(t, args, "4096")
	assert.NotContains(t, args, "--tensor-parallel-size")
}

func TestEngineEnvWithGPUs(t *testing.T) {
	a := types.Assignment{GPUIndices: []int{0, 2, 3}}
	env := engineEnv(a)
	assert.Contains(t, env, "NVIDIA_VISIBLE_DEVICES=0,2,3")
}

func TestEngineEnvWithoutGPUs(t *testing.T) {
	a := types.Assignment{}
	env := engineEnv(a)
	assert.Contains(t, env, "NVIDIA_VISIBLE_DEVICES=none")
}

func TestGPUDeviceMountsEmpty(t *testing.T) {
	assert.Nil(t, gpuDeviceMounts(nil))
}

func TestGPUDeviceMountsIncludesControlDevices(t *testing.T) {
	mounts := gpuDeviceMounts([]int{1})

	var destinations []string
	for _, m := range mounts {
		destinations = append(destinations, m.Destination)
	}

	assert.Contains(t, destinations, "/dev/nvidiactl")
	assert.Contains(t, destinations, "/dev/nvidia-uvm")
	assert.Contains(t, destinations, "/dev/nvidia1")
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a model definition to a running gateway",
	Long: `Apply reads a YAML ModelIntent definition and POSTs it to a
running gateway's admin API.

Example:
  nebula apply -f model.yaml --gateway http://127.0.0.1:8080 --token op-token`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML model definition to apply (required)")
	applyCmd.Flags().String("gateway", "http://127.0.0.1:8080", "Admin API base URL")
	applyCmd.Flags().String("token", "", "Bearer token with operator role")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// modelResource mirrors the YAML shape an operator hand-writes; its Spec
// fields are re-marshaled into the gateway's JSON load-model request
// rather than reusing pkg/types directly, so the YAML vocabulary
// (tensorParallelSize, scaleUpThreshold, ...) can evolve independently
// of the wire API's JSON field names.
type modelResource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   modelMetadata    `yaml:"metadata"`
	Spec       modelResourceSpec `yaml:"spec"`
}

type modelMetadata struct {
	Name string `yaml:"name"`
}

type modelResourceSpec struct {
	ModelUID       string            `yaml:"modelUID"`
	EngineType     string            `yaml:"engineType"`
	DockerImage    string            `yaml:"dockerImage"`
	MinReplicas    int               `yaml:"minReplicas"`
	MaxReplicas    int               `yaml:"maxReplicas"`
	GPUsPerReplica int               `yaml:"gpusPerReplica"`
	Config         modelResourceConfig `yaml:"config"`
}

type modelResourceConfig struct {
	TensorParallelSize int      `yaml:"tensorParallelSize"`
	GPUMemoryFraction  float64  `yaml:"gpuMemoryFraction"`
	MaxModelLen        int      `yaml:"maxModelLen"`
	LoraAdapters       []string `yaml:"loraAdapters"`
	ExtraArgs          []string `yaml:"extraArgs"`
	ScaleUpThreshold   float64  `yaml:"scaleUpThreshold"`
	ScaleDownThreshold float64  `yaml:"scaleDownThreshold"`
	ScaleWindowSeconds int      `yaml:"scaleWindowSeconds"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	gatewayAddr, _ := cmd.Flags().GetString("gateway")
	token, _ := cmd.Flags().GetString("token")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var resource modelResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	if resource.Kind != "" && resource.Kind != "ModelIntent" {
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}
	if resource.Spec.ModelUID == "" {
		return fmt.Errorf("spec.modelUID is required")
	}

	body := map[string]interface{}{
		"model_uid":        resource.Spec.ModelUID,
		"model_name":       resource.Metadata.Name,
		"engine_type":      resource.Spec.EngineType,
		"docker_image":     resource.Spec.DockerImage,
		"min_replicas":     resource.Spec.MinReplicas,
		"max_replicas":     resource.Spec.MaxReplicas,
		"gpus_per_replica": resource.Spec.GPUsPerReplica,
		"config": map[string]interface{}{
			"tensor_parallel_size": resource.Spec.Config.TensorParallelSize,
			"gpu_memory_fraction":  resource.Spec.Config.GPUMemoryFraction,
			"max_model_len":        resource.Spec.Config.MaxModelLen,
			"lora_adapters":        resource.Spec.Config.LoraAdapters,
			"extra_args":           resource.Spec.Config.ExtraArgs,
			"scale_up_threshold":   resource.Spec.Config.ScaleUpThreshold,
			"scale_down_threshold": resource.Spec.Config.ScaleDownThreshold,
			"scale_window_seconds": resource.Spec.Config.ScaleWindowSeconds,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, gatewayAddr+"/v1/admin/models/load", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway rejected model: %s: %s", resp.Status, string(respBody))
	}

	fmt.Printf("✓ Model applied: %s\n", resource.Spec.ModelUID)
	return nil
}

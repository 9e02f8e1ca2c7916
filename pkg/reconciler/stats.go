package reconciler

import (
	"context"
	"fmt"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/cuemby/nebula/pkg/types"
)

// These lists give, per logical stat, the Prometheus metric names
// an engine might expose it under. vLLM and SGLang both publish
// OpenMetrics-compatible /metrics endpoints but don't agree on naming.
var (
	pendingMetricNames = []string{"vllm:num_requests_waiting", "sglang:num_queue_reqs", "num_requests_waiting"}
	runningMetricNames = []string{"vllm:num_requests_running", "sglang:num_running_reqs", "num_requests_running"}
	cacheUsageNames    = []string{"vllm:gpu_cache_usage_perc", "sglang:token_usage", "gpu_cache_usage_perc"}
	throughputNames    = []string{"vllm:avg_generation_throughput_toks_per_s", "sglang:gen_throughput", "avg_generation_throughput_toks_per_s"}
)

// scrapeEngineStats fetches and parses an engine's Prometheus text
// exposition and extracts the load signals the scheduler's autoscaler
// and the router's least-loaded selection policy both depend on.
func scrapeEngineStats(ctx context.Context, url string) (types.EndpointStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.EndpointStats{}, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return types.EndpointStats{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.EndpointStats{}, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return types.EndpointStats{}, fmt.Errorf("parse metrics: %w", err)
	}

	return types.EndpointStats{
		PendingRequests:   int(firstGaugeValue(families, pendingMetricNames)),
		RunningRequests:   int(firstGaugeValue(families, runningMetricNames)),
		KVCacheUsageRatio: firstGaugeValue(families, cacheUsageNames),
		TokensPerSecond:   firstGaugeValue(families, throughputNames),
	}, nil
}

func firstGaugeValue(families map[string]*dto.MetricFamily, names []string) float64 {
	for _, name := range names {
		fam, ok := families[name]
		if !ok || len(fam.Metric) == 0 {
			continue
		}
		m := fam.Metric[0]
		switch {
		case m.Gauge != nil:
			return m.Gauge.GetValue()
		case m.Counter != nil:
			return m.Counter.GetValue()
		case m.Untyped != nil:
			return m.Untyped.GetValue()
		}
	}
	return 0
}

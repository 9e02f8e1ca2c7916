package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all Nebula configuration, loaded from environment variables.
// Every tunable named by the external interface is overridable here; fields
// are grouped by the component that reads them, not every component reads
// every field.
type Config struct {
	// Store (etcd)
	StoreEndpoints  []string      `env:"NEBULA_STORE_ENDPOINTS" envDefault:"127.0.0.1:2379" envSeparator:","`
	StoreDialTimeout time.Duration `env:"NEBULA_STORE_DIAL_TIMEOUT" envDefault:"5s"`
	StoreTLSCert    string        `env:"NEBULA_STORE_TLS_CERT"`
	StoreTLSKey     string        `env:"NEBULA_STORE_TLS_KEY"`
	StoreTLSCA      string        `env:"NEBULA_STORE_TLS_CA"`

	// Node identity / agent
	NodeID          string        `env:"NEBULA_NODE_ID"`
	NodeAddress     string        `env:"NEBULA_NODE_ADDRESS"`
	HeartbeatInterval time.Duration `env:"NEBULA_HEARTBEAT_INTERVAL" envDefault:"5s"`
	LeaseTTL        time.Duration `env:"NEBULA_LEASE_TTL" envDefault:"15s"`
	HealthCheckInterval time.Duration `env:"NEBULA_HEALTH_CHECK_INTERVAL" envDefault:"5s"`
	MetricsScrapeInterval time.Duration `env:"NEBULA_METRICS_SCRAPE_INTERVAL" envDefault:"2s"`
	ContainerdSocket string `env:"NEBULA_CONTAINERD_SOCKET" envDefault:"/run/containerd/containerd.sock"`
	ModelCacheDir    string `env:"NEBULA_MODEL_CACHE_DIR" envDefault:"/var/lib/nebula/models"`
	MetricsListenAddr string `env:"NEBULA_METRICS_LISTEN_ADDR" envDefault:"127.0.0.1:9090"`

	// Scheduler
	SchedulerInterval time.Duration `env:"NEBULA_SCHEDULER_INTERVAL" envDefault:"5s"`

	// Gateway / Router
	GatewayListenAddr string        `env:"NEBULA_GATEWAY_LISTEN_ADDR" envDefault:"0.0.0.0:8080"`
	AdminListenAddr   string        `env:"NEBULA_ADMIN_LISTEN_ADDR" envDefault:"0.0.0.0:8081"`
	MaxRequestBodyBytes int64       `env:"NEBULA_MAX_REQUEST_BODY_BYTES" envDefault:"4194304"`
	RouterRetryMax    int           `env:"NEBULA_ROUTER_RETRY_MAX" envDefault:"1"`
	RouterBackoffMin  time.Duration `env:"NEBULA_ROUTER_BACKOFF_MIN" envDefault:"50ms"`
	RouterBackoffMax  time.Duration `env:"NEBULA_ROUTER_BACKOFF_MAX" envDefault:"100ms"`
	StatsFreshFor     time.Duration `env:"NEBULA_STATS_FRESH_FOR" envDefault:"10s"`
	CircuitFailureThreshold int     `env:"NEBULA_CIRCUIT_FAILURE_THRESHOLD" envDefault:"3"`
	CircuitOpenCooldown time.Duration `env:"NEBULA_CIRCUIT_OPEN_COOLDOWN" envDefault:"30s"`
	RateLimitPerIP    float64       `env:"NEBULA_RATE_LIMIT_PER_IP" envDefault:"50"`
	RateLimitBurst    int           `env:"NEBULA_RATE_LIMIT_BURST" envDefault:"100"`

	// Auth / Audit
	AuthTokens  string `env:"NEBULA_AUTH_TOKENS"` // "token:role,token:role"
	AuditBufferSize int `env:"NEBULA_AUDIT_BUFFER_SIZE" envDefault:"1024"`
	AuditFlushInterval time.Duration `env:"NEBULA_AUDIT_FLUSH_INTERVAL" envDefault:"2s"`

	// Images
	ImageGCGracePeriod time.Duration `env:"NEBULA_IMAGE_GC_GRACE_PERIOD" envDefault:"24h"`

	// Logging
	LogLevel  string `env:"NEBULA_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"NEBULA_LOG_FORMAT" envDefault:"console"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

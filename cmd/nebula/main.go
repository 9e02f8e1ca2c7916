package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/nebula/pkg/audit"
	"github.com/cuemby/nebula/pkg/config"
	"github.com/cuemby/nebula/pkg/events"
	"github.com/cuemby/nebula/pkg/gateway"
	"github.com/cuemby/nebula/pkg/images"
	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/reconciler"
	"github.com/cuemby/nebula/pkg/router"
	"github.com/cuemby/nebula/pkg/runtime"
	"github.com/cuemby/nebula/pkg/scheduler"
	"github.com/cuemby/nebula/pkg/security"
	"github.com/cuemby/nebula/pkg/store"
	"github.com/cuemby/nebula/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nebula",
	Short: "Nebula - a control plane for serving LLMs",
	Long: `Nebula schedules, places, and routes traffic to LLM inference
engines (vLLM, SGLang) running across a fleet of GPU nodes, backed by
etcd for cluster state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nebula version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(gatewayCmd)
}

func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: false})
		return
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})
}

func newStoreClient(cfg *config.Config) (*store.Client, error) {
	return store.NewClient(store.Config{
		Endpoints:   cfg.StoreEndpoints,
		DialTimeout: cfg.StoreDialTimeout,
		TLS: security.TLSFiles{
			CertFile: cfg.StoreTLSCert,
			KeyFile:  cfg.StoreTLSKey,
			CAFile:   cfg.StoreTLSCA,
		},
	})
}

// serveMetrics exposes /metrics on http.DefaultServeMux, which
// net/http/pprof has already registered its debug/pprof/* handlers on.
func serveMetrics(addr string) {
	http.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.WithComponent("main").Error().Err(err).Msg("metrics server exited")
		}
	}()
}

func sigChan() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

func waitForSignal() os.Signal {
	return <-sigChan()
}

// Scheduler command

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the Nebula scheduler",
	Long: `The scheduler watches ModelIntents and NodeStatus records in the
store and converges each model's PlacementPlan toward its desired
replica count, choosing GPUs per replica and evicting assignments on
dead nodes.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	storeClient, err := newStoreClient(cfg)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer storeClient.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sched := scheduler.NewScheduler(storeClient, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	serveMetrics(cfg.MetricsListenAddr)

	log.WithComponent("main").Info().Str("metrics_addr", cfg.MetricsListenAddr).Msg("scheduler started")

	sig := waitForSignal()
	log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down scheduler")
	return nil
}

// Agent command (reconciler + image manager, one per GPU node)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the Nebula node agent",
	Long: `The node agent heartbeats this node's NodeStatus into the
store, reconciles running engine containers against the placement
assignments pinned to this node, probes replica health, scrapes engine
load metrics, and pulls/garbage-collects the engine images those
assignments need.`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.NodeID == "" {
		return fmt.Errorf("NEBULA_NODE_ID is required")
	}

	storeClient, err := newStoreClient(cfg)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer storeClient.Close()

	rt, err := runtime.NewEngineRuntime(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("connecting to containerd: %w", err)
	}
	defer rt.Close()

	nodeAddress := cfg.NodeAddress
	if nodeAddress == "" {
		nodeAddress = cfg.NodeID
	}

	recon := reconciler.NewReconciler(storeClient, rt, cfg.NodeID, hostnameOrNodeID(cfg.NodeID), nodeAddress, cfg.ModelCacheDir)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := recon.Start(ctx, broker); err != nil {
		return fmt.Errorf("starting reconciler: %w", err)
	}
	defer recon.Stop()

	imgMgr := images.NewManager(storeClient, rt, cfg.NodeID, cfg.ImageGCGracePeriod)
	imgMgr.Start(ctx)
	defer imgMgr.Stop()

	serveMetrics(cfg.MetricsListenAddr)

	log.WithComponent("main").Info().Str("node_id", cfg.NodeID).Str("metrics_addr", cfg.MetricsListenAddr).Msg("agent started")

	sig := waitForSignal()
	log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down agent")
	return nil
}

func hostnameOrNodeID(nodeID string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return nodeID
	}
	return h
}

// Gateway command

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the Nebula gateway",
	Long: `The gateway is the cluster's single client-facing entrypoint:
it authenticates and rate-limits requests, proxies chat/embeddings
traffic to the replica the router selects, serves the /v1/responses
abstraction and the /v1/admin API, and serves health checks and metrics
on a separate listener so client load never starves them.`,
	RunE: runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	storeClient, err := newStoreClient(cfg)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer storeClient.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	plans := store.NewWatchCache[types.PlacementPlan](storeClient, store.PlacementsPrefix)
	endpoints := store.NewWatchCache[types.EndpointInfo](storeClient, store.EndpointsPrefix)
	stats := store.NewWatchCache[types.EndpointStats](storeClient, store.StatsPrefix)

	routerCfg := router.DefaultConfig()
	routerCfg.RetryMax = cfg.RouterRetryMax
	routerCfg.BackoffMin = cfg.RouterBackoffMin
	routerCfg.BackoffMax = cfg.RouterBackoffMax
	routerCfg.StatsMaxAge = cfg.StatsFreshFor
	routerCfg.CircuitFailureThreshold = cfg.CircuitFailureThreshold
	routerCfg.CircuitOpenCooldown = cfg.CircuitOpenCooldown
	routerCfg.MaxRequestBodyBytes = cfg.MaxRequestBodyBytes

	rt := router.NewRouter(plans, endpoints, stats, routerCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go plans.Run(ctx, broker)
	go endpoints.Run(ctx, broker)
	go stats.Run(ctx, broker)
	go rt.Start(ctx, broker)
	defer rt.Stop()

	auditWriter := audit.NewWriter(audit.NewLogSink(), cfg.AuditBufferSize, cfg.AuditFlushInterval)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv, err := gateway.NewServer(cfg, storeClient, rt, auditWriter)
	if err != nil {
		return fmt.Errorf("creating gateway server: %w", err)
	}

	errCh := srv.Start()

	log.WithComponent("main").Info().
		Str("client_addr", cfg.GatewayListenAddr).
		Str("admin_addr", cfg.AdminListenAddr).
		Msg("gateway started")

	select {
	case sig := <-sigChan():
		log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down gateway")
	case err := <-errCh:
		log.WithComponent("main").Error().Err(err).Msg("gateway listener failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

const shutdownTimeout = 15 * time.Second

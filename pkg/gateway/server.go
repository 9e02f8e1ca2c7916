package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cuemby/nebula/pkg/audit"
	"github.com/cuemby/nebula/pkg/config"
	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/router"
	"github.com/cuemby/nebula/pkg/store"
)

// Server is the gateway process: an OpenAI-compatible client API and the
// /v1/admin API on the client listener, plus a second listener serving
// only /healthz, /readyz and /metrics so a client-facing DoS or overload
// never starves health checks and metrics scraping.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store  *store.Client
	router *router.Router
	audit  *audit.Writer
	auth   *TokenAuthenticator

	clientSrv *http.Server
	adminSrv  *http.Server
}

// NewServer wires a gateway Server over an already-started router and an
// already-started audit writer; Server itself owns only the two HTTP
// listeners.
func NewServer(cfg *config.Config, storeClient *store.Client, rt *router.Router, auditWriter *audit.Writer) (*Server, error) {
	auth, err := ParseAuthTokens(cfg.AuthTokens)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent("gateway"),
		store:  storeClient,
		router: rt,
		audit:  auditWriter,
		auth:   auth,
	}

	s.clientSrv = &http.Server{
		Addr:              cfg.GatewayListenAddr,
		Handler:           s.clientRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.adminSrv = &http.Server{
		Addr:              cfg.AdminListenAddr,
		Handler:           s.adminRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// clientRouter builds the OpenAI-compatible surface plus the admin API,
// both gated behind bearer auth. Health and metrics live on the separate
// admin listener, not here.
func (s *Server) clientRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger)
	r.Use(RequestMetrics)
	r.Use(Recoverer)
	r.Use(RateLimit(s.cfg.RateLimitPerIP, s.cfg.RateLimitBurst))
	r.Use(Authenticate(s.auth))

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(RequireRole(RoleViewer)).Post("/chat/completions", s.handleChatCompletions)
		v1.With(RequireRole(RoleViewer)).Post("/embeddings", s.handleEmbeddings)
		v1.With(RequireRole(RoleViewer)).Post("/responses", s.handleResponses)

		v1.Route("/admin", func(admin chi.Router) {
			admin.With(RequireRole(RoleOperator)).Post("/models/load", s.handleLoadModel)
			admin.With(RequireRole(RoleViewer)).Get("/models/requests", s.handleListModelIntents)
			admin.With(RequireRole(RoleOperator)).Delete("/models/requests/{modelUID}", s.handleDeleteModelIntent)

			admin.With(RequireRole(RoleViewer)).Get("/cluster/status", s.handleClusterStatus)
			admin.With(RequireRole(RoleViewer)).Get("/nodes", s.handleListNodes)

			admin.With(RequireRole(RoleViewer)).Get("/images", s.handleListImages)
			admin.With(RequireRole(RoleAdmin)).Put("/images/{imageID}", s.handlePutImage)
			admin.With(RequireRole(RoleAdmin)).Delete("/images/{imageID}", s.handleDeleteImage)
			admin.With(RequireRole(RoleViewer)).Get("/images/status", s.handleImageStatus)
		})
	})

	return r
}

// adminRouter exposes unauthenticated health and Prometheus endpoints on
// their own address, so they stay reachable even if the client API's
// listener is saturated.
func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger)
	r.Use(Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Start launches both listeners in the background, returning immediately;
// listen errors are sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info().Str("addr", s.cfg.GatewayListenAddr).Msg("client api listening")
		if err := s.clientSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		s.logger.Info().Str("addr", s.cfg.AdminListenAddr).Msg("admin api listening")
		if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return errCh
}

// Shutdown gracefully stops both listeners, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	err1 := s.clientSrv.Shutdown(ctx)
	err2 := s.adminSrv.Shutdown(ctx)
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, _, err := s.store.ListPrefix(ctx, "/nodes/"); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

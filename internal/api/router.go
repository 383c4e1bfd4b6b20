package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/autoremediate/autoremediate/internal/config"
	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/oauthcoord"
	"github.com/autoremediate/autoremediate/internal/principal"
	"github.com/autoremediate/autoremediate/internal/repoconn"
	"github.com/autoremediate/autoremediate/internal/tracker"
	"github.com/autoremediate/autoremediate/internal/webhook"
)

// Server wires the ingest, OAuth, and repository-connection HTTP surface
// onto the domain services built in cmd/autoremediate.
type Server struct {
	db          database.DB
	webhooks    *webhook.Manager
	tracker     *tracker.Tracker
	coordinator *oauthcoord.Coordinator
	repoconn    *repoconn.Service
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *httpMetrics
	registry    *prometheus.Registry
	mux         *http.ServeMux
}

// NewServer wires one Server per process: its Prometheus registry is
// private to the instance (not prometheus.DefaultRegisterer) so that
// constructing more than one Server, as tests do, never collides on
// duplicate metric registration.
func NewServer(db database.DB, webhooks *webhook.Manager, trk *tracker.Tracker, coordinator *oauthcoord.Coordinator, rc *repoconn.Service, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	s := &Server{
		db:          db,
		webhooks:    webhooks,
		tracker:     trk,
		coordinator: coordinator,
		repoconn:    rc,
		cfg:         cfg,
		logger:      logger,
		metrics:     newHTTPMetrics(registry),
		registry:    registry,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var handler http.Handler = s.mux
	handler = principal.Middleware(handler)
	handler = requestMetricsMiddleware(s.metrics, handler)
	handler = requestTracingMiddleware(handler)
	handler = requestBodyLimitMiddleware(s.cfg.Ingest.MaxBodyBytes, handler)
	handler = requestLoggingMiddleware(s.logger, handler)
	handler.ServeHTTP(w, r)
}

// requirePrincipal rejects a request with 401 before calling next if the
// caller has no validated principal attached by principal.Middleware.
func (s *Server) requirePrincipal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principal.Require(r.Context()); !ok {
			jsonError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		metricsHandler(s.registry).ServeHTTP(w, r)
	})

	// Ingest endpoints. The legacy per-user prefix resolves to the exact
	// same handler: the principal path segment is accepted and ignored
	// since repository identity (not the caller's identity) is what
	// selects the RepositoryConnection and its signing secret.
	s.mux.HandleFunc("POST /api/v1/webhooks/github", s.handleGitHubWebhook)
	s.mux.HandleFunc("POST /api/v1/webhooks/github/{principal}", s.handleGitHubWebhook)
	s.mux.HandleFunc("POST /api/v1/webhooks/gitlab", s.handleGitLabWebhook)
	s.mux.HandleFunc("POST /api/v1/webhooks/gitlab/{principal}", s.handleGitLabWebhook)

	// OAuth endpoints.
	s.mux.HandleFunc("POST /api/v1/oauth/{provider}/begin", s.requirePrincipal(s.handleOAuthBegin))
	s.mux.HandleFunc("GET /api/v1/oauth/{provider}/callback", s.handleOAuthCallback)
	s.mux.HandleFunc("DELETE /api/v1/oauth/connections/{id}", s.requirePrincipal(s.handleOAuthDisconnect))
	s.mux.HandleFunc("GET /api/v1/oauth/connections", s.requirePrincipal(s.handleOAuthListConnections))

	// Repository connection endpoints.
	s.mux.HandleFunc("GET /api/v1/repos/available", s.requirePrincipal(s.handleListAvailableRepos))
	s.mux.HandleFunc("POST /api/v1/repos/connections", s.requirePrincipal(s.handleConnectRepo))
	s.mux.HandleFunc("GET /api/v1/repos/connections", s.requirePrincipal(s.handleListRepoConnections))
	s.mux.HandleFunc("GET /api/v1/repos/connections/{id}", s.requirePrincipal(s.handleGetRepoConnection))
	s.mux.HandleFunc("PATCH /api/v1/repos/connections/{id}", s.requirePrincipal(s.handleUpdateRepoConnection))
	s.mux.HandleFunc("DELETE /api/v1/repos/connections/{id}", s.requirePrincipal(s.handleDisconnectRepo))
	s.mux.HandleFunc("POST /api/v1/repos/connections/{id}/rerun", s.requirePrincipal(s.handleRerunWorkflow))

	// Incident / stats views.
	s.mux.HandleFunc("GET /api/v1/repos/connections/{id}/stats", s.requirePrincipal(s.handleWorkflowRunStats))
	s.mux.HandleFunc("GET /api/v1/incidents/{id}", s.requirePrincipal(s.handleGetIncident))
}

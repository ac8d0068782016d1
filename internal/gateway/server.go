// internal/gateway/server.go
package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/credentials"
	"gatekeeper/pkg/idempotency"
	"gatekeeper/pkg/middleware"
	"gatekeeper/pkg/ratelimit"
	"gatekeeper/pkg/tenants"
)

// Server owns the route surface behind the admission pipeline.
type Server struct {
	Registry *tenants.Registry
	Sessions *auth.PGSessions // nil when no database is configured
	Ledger   *idempotency.Ledger
	Log      *zap.SugaredLogger
}

// Router assembles the full middleware chain and routes.
func (s *Server) Router(adm *middleware.Admission) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(s.Log))
	r.Use(middleware.CORS(s.Registry))
	r.Use(middleware.Tracing())
	r.Use(adm.Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post(middleware.UpgradeSessionPath, s.handleUpgradeSession)

	// Business routes. Handlers are external collaborators of the pipeline;
	// these exercise the resolved context and the idempotency ledger.
	r.Post("/functions/{name}", s.withLedger(s.handleFunction))
	r.Post("/classes/{class}", s.withLedger(s.handleCreateObject))
	r.Get("/classes/{class}", s.handleQueryObjects)

	return r
}

// Dependencies builds the admission pipeline wired to this server's
// registry and stores.
func (s *Server) Dependencies(identity *auth.IdentityVerifier, engine *ratelimit.Engine, verifier auth.Verifier, shortCircuit bool) *middleware.Admission {
	return &middleware.Admission{
		Registry:     s.Registry,
		Extract:      &credentials.Extractor{Registry: s.Registry, Log: s.Log},
		Identity:     identity,
		Resolver:     &auth.Resolver{Sessions: verifier, Log: s.Log},
		Engine:       engine,
		ShortCircuit: shortCircuit,
		Log:          s.Log,
	}
}

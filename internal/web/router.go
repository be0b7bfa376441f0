package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/crescent-systems/mailharvest/internal/ratelimit"
	"github.com/crescent-systems/mailharvest/internal/web/handlers"
	"github.com/crescent-systems/mailharvest/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	TenantHandler *handlers.TenantHandler
	IngestHandler *handlers.IngestHandler
	APIToken      string
	Limiter       *ratelimit.Limiter
}

// NewRouter wires the ops API into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Token-guarded, rate-limited ops API
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(deps.Limiter))
		r.Use(middleware.RequireToken(deps.APIToken))

		r.Get("/api/v1/tenants", deps.TenantHandler.HandleListTenants)
		r.Post("/api/v1/tenants", deps.TenantHandler.HandleCreateTenant)
		r.Get("/api/v1/tenants/{sessionID}", deps.TenantHandler.HandleGetTenant)
		r.Delete("/api/v1/tenants/{sessionID}", deps.TenantHandler.HandleDeleteTenant)

		r.Post("/api/v1/ingest/run", deps.IngestHandler.HandleRunNow)
	})

	return r
}

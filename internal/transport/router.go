package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
)

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	Applications Applications
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// NewRouter creates the router with the full middleware chain. Health,
// readiness and metrics endpoints bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Auth.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		apps := deps.Applications
		r.Get("/templates", handleTemplates(apps))
		r.Route("/applications", func(r chi.Router) {
			r.Post("/", handleCreate(apps))
			r.Get("/", handleList(apps))
			r.Get("/{id}", handleGet(apps))
			r.Delete("/{id}", handleDelete(apps))
			r.Post("/{id}/transitions", handleTransition(apps))
			r.Put("/{id}/assignees", handleAssign(apps))
			r.Get("/{id}/events", handleEvents(apps))
		})
	})
	return r
}

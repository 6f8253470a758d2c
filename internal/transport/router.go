package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/config"
	"github.com/pitabwire/formsync/internal/journal"
	"github.com/pitabwire/formsync/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Saves        *SaveHandler
	// Journal may be nil when the journal is disabled.
	Journal   journal.Store
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths, deps.Config.API.CSRFHeader))
		r.Use(RequestLogging(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(MaxBodySize(deps.Config.Server.MaxBodyBytes))

		r.Route("/api/v1/saves", func(r chi.Router) {
			if deps.Saves != nil {
				r.Post("/", deps.Saves.HandleSave)
			}
			if deps.Journal != nil {
				r.Get("/", handleListSaves(deps.Journal))
				r.Get("/{saveId}", handleGetSave(deps.Journal))
			}
		})
	})

	return r
}

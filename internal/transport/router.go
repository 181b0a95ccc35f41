package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/veltis/authflow/internal/attempt"
	"github.com/veltis/authflow/internal/config"
	"github.com/veltis/authflow/internal/observability"
	"github.com/veltis/authflow/internal/session"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *attempt.Engine
	Binder       *session.Binder
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	// Authenticated routes carry the full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(observability.TracingMiddleware)
		r.Use(RequestLogging(deps.Logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/v1/attempts", handleAttemptStart(deps.Engine))
		r.Get("/v1/attempts/{attemptId}", handleAttemptGet(deps.Engine))
		r.Post("/v1/attempts/{attemptId}/steps", handleStepSubmit(deps.Engine))
		r.Post("/v1/attempts/{attemptId}/cancel", handleAttemptCancel(deps.Engine))
		r.Post("/v1/signins/{signinId}/expire", handleSignInExpire(deps.Binder, deps.Metrics))
	})

	return r
}

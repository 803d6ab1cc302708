package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/sentryal/insar-pipeline/internal/api/middleware"
	"github.com/sentryal/insar-pipeline/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth    *mw.Auth
	Metrics http.Handler

	HealthHandler http.HandlerFunc

	SubmitJobHandler http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	CancelJobHandler http.HandlerFunc

	CreateInfrastructureHandler http.HandlerFunc
	CreatePointHandler          http.HandlerFunc
	ListPointsHandler           http.HandlerFunc
	ListVelocitiesHandler       http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
// The health check and metrics scrape endpoint stay outside authentication.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.CancelJobHandler))

		r.Post("/api/v1/infrastructures", orNotImplemented(deps.CreateInfrastructureHandler))
		r.Post("/api/v1/infrastructures/{infraID}/points", orNotImplemented(deps.CreatePointHandler))
		r.Get("/api/v1/infrastructures/{infraID}/points", orNotImplemented(deps.ListPointsHandler))
		r.Get("/api/v1/infrastructures/{infraID}/velocities", orNotImplemented(deps.ListVelocitiesHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

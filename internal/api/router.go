package api

import (
	"net/http"

	mw "github.com/CalmProton/auto-i18n/internal/api/middleware"
	"github.com/CalmProton/auto-i18n/internal/api/response"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	CreateBatch   http.HandlerFunc
	GetBatch      http.HandlerFunc
	BatchStatus   http.HandlerFunc
	SubmitBatch   http.HandlerFunc
	RefreshBatch  http.HandlerFunc
	CancelBatch   http.HandlerFunc
	GetJob        http.HandlerFunc
	CancelJob     http.HandlerFunc
	StatsHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Route("/api/v1/batches", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateBatch))
			r.Get("/{batchID}", orNotImplemented(deps.GetBatch))
			r.Get("/{batchID}/status", orNotImplemented(deps.BatchStatus))
			r.Post("/{batchID}/submit", orNotImplemented(deps.SubmitBatch))
			r.Post("/{batchID}/refresh", orNotImplemented(deps.RefreshBatch))
			r.Post("/{batchID}/cancel", orNotImplemented(deps.CancelBatch))
		})

		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.CancelJob))

		r.Get("/api/v1/stats", orNotImplemented(deps.StatsHandler))
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

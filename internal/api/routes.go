package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the operator API router.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/campaigns", func(r chi.Router) {
		r.Post("/", h.HandleCreateAndSend)
		r.Get("/", h.HandleListCampaigns)
		r.Get("/{id}", h.HandleGetCampaign)
		r.Get("/{id}/stats", h.HandleStats)
		r.Post("/{id}/cancel", h.HandleCancel)
		r.Post("/{id}/retry-failed", h.HandleRetryFailed)
	})
	r.Post("/api/retry-failed", h.HandleRetryFailed)
	r.Get("/api/worker/stats", h.HandleWorkerStats)

	return r
}

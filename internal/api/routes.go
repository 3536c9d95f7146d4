package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		// Sending
		r.Post("/messages/send", h.SendMessage)

		// Provider webhook callbacks (delivered / opened / clicked / bounced / deferred)
		r.Post("/webhooks/events", h.ReceiveWebhookEvent)

		// Rotation engine
		r.Route("/rotation", func(r chi.Router) {
			r.Get("/stats", h.GetRotationStats)
			r.Get("/config", h.GetRotationConfig)
			r.Patch("/config", h.PatchRotationConfig)
			r.Get("/logs", h.GetRotationLogs)
		})

		// Provider management
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Post("/", h.UpsertProvider)
			r.Post("/{id}/enable", h.EnableProvider)
			r.Post("/{id}/disable", h.DisableProvider)
			r.Post("/{id}/health/reset", h.ResetProviderHealth)
		})

		// Message templates
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/", h.SaveTemplate)
			r.Delete("/{id}", h.DeleteTemplate)
		})
	})

	return r
}

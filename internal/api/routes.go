package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/status", h.Status)
			r.Post("/locations", h.IngestLocation)

			r.Post("/tracking/start", h.StartTracking)
			r.Post("/tracking/stop", h.StopTracking)

			r.Post("/sync/flush", h.Flush)

			r.Post("/zones/recheck", h.RecheckZone)
			r.Post("/zones/force-exit", h.ForceExitZone)
			r.Post("/profiles/recheck", h.RecheckProfiles)
			r.Post("/notification/refresh", h.RefreshNotification)

			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.PutSettings)

			r.Get("/zones", h.ListZones)
			r.Post("/zones", h.SaveZone)
			r.Delete("/zones/{id}", h.DeleteZone)

			r.Get("/profiles", h.ListProfiles)
			r.Post("/profiles", h.SaveProfile)
			r.Delete("/profiles/{id}", h.DeleteProfile)

			r.Post("/queue/clear", h.ClearQueue)
			r.Post("/history/clear", h.ClearSentHistory)
		})
	})

	return r
}

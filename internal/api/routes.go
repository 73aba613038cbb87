package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured. An empty
// secret disables authentication.
func NewRouter(h *Handler, secret []byte) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(secret))

			r.Get("/entities/{kind}/{id}", h.GetEntity)
			r.Put("/entities/{kind}/{id}", h.PutEntity)
			r.Post("/entities/{kind}/{id}", h.PostEntity)
			r.Delete("/entities/{kind}/{id}", h.DeleteEntity)

			r.Post("/sync", h.Sync)
			r.Get("/changes", h.Changes)

			r.Get("/rooms/{room}/ws", h.hub.ServeRoom)
			r.Get("/rooms/{room}/snapshot", h.RoomSnapshot)
			r.Get("/rooms/{room}/snapshot/url", h.RoomSnapshotURL)
			r.Get("/rooms/{room}/peers", h.RoomPeers)
		})
	})

	return r
}

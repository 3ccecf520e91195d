package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"notes_core/internal/api/middleware"
)

const maxBodyBytes = 16 * 1024

// NewRouter creates and configures the HTTP router. ws serves the websocket
// endpoint.
func NewRouter(logger zerolog.Logger, h *Handler, ws http.HandlerFunc) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.UserHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/ws", ws)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Use(middleware.MaxBodySize(maxBodyBytes))

		r.Get("/presence/{userID}", h.Presence)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/messages", h.SendMessage)
			r.Get("/history/{userID}", h.History)
			r.Post("/mark-read/{userID}", h.MarkRead)
		})

		r.Route("/notes/{noteID}", func(r chi.Router) {
			r.Post("/shared", h.NoteShared)
			r.Post("/deleted", h.NoteDeleted)
		})

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/read-all", h.MarkAllNotificationsRead)
		r.Post("/notifications/{id}/read", h.MarkNotificationRead)
	})

	return r
}

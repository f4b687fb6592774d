// Package server wires HTTP handlers into a chi router for the relay's
// HTTP side.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the HTTP handler for the health, stats and WebSocket
// endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/stats", s.StatsHandler)
	r.Get("/ws", s.WebSocketHandler)
	return r
}

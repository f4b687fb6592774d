// Package server exposes HTTP handlers: the WebSocket gateway into the chat
// hub, a health check, and a stats endpoint.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.origins.allows(r) {
		return true
	}

	s.logger.Warn("blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}

// WebSocketHandler upgrades the request and attaches the connection to the
// hub. Each text frame is one chat message in either wire form.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "Chat server is shutting down.", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.serve(newWSStream(conn, r.RemoteAddr, s.cfg.MaxFrameSize))
}

// HealthHandler reports that the relay is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay is running!")
}

// StatsResponse is the body served by StatsHandler.
type StatsResponse struct {
	Hub         hub.Stats      `json:"hub"`
	Connections map[string]int `json:"connections"`
}

// StatsHandler reports hub counters and live connections as JSON.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		Hub:         s.hub.Stats(),
		Connections: s.ConnectionCounts(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("error writing stats response", "error", err)
	}
}

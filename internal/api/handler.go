// Package api provides the daemon's local HTTP read surface and the
// websocket broadcast of committed session facts.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/imbhargav5/unbound.computer-sub014/internal/engine"
	"github.com/imbhargav5/unbound.computer-sub014/internal/middleware"
	"github.com/imbhargav5/unbound.computer-sub014/internal/store"
)

// Handler serves session state over HTTP. All reads come from the engine's
// derived state; writes go through the engine so every commit follows the
// same path.
type Handler struct {
	eng  *engine.Engine
	repo store.Repository
	hub  *Hub

	allowedOrigins []string
}

// NewHandler creates a new Handler.
func NewHandler(eng *engine.Engine, repo store.Repository, hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		eng:            eng,
		repo:           repo,
		hub:            hub,
		allowedOrigins: allowedOrigins,
	}
}

// Router assembles the daemon's HTTP routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/healthz"))
	r.Use(middleware.CORS(h.allowedOrigins))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Delete("/sessions/{sessionID}", h.DeleteSession)
		r.Post("/sessions/{sessionID}/close", h.CloseSession)
		r.Post("/sessions/{sessionID}/status", h.SetAgentStatus)
		r.Get("/sessions/{sessionID}/messages", h.ListMessages)
		r.Post("/sessions/{sessionID}/messages", h.AppendMessage)
		r.Get("/sessions/{sessionID}/delta", h.GetDelta)
		r.Get("/sessions/{sessionID}/live", h.Live)
		r.Get("/events", h.Events)
	})

	return r
}

// originPatterns is the websocket counterpart of the CORS policy: with no
// configured origins, localhost clients on any port are accepted.
func (h *Handler) originPatterns() []string {
	if len(h.allowedOrigins) == 0 {
		return []string{"localhost:*", "127.0.0.1:*", "[::1]:*"}
	}
	return h.allowedOrigins
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

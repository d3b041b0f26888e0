// Package server wires the HTTP surface: OAuth connect flows, the chat
// endpoint, and the key/service/audit management API.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pysugar/agent-nexus/internal/auth/apikey"
	"github.com/pysugar/agent-nexus/internal/auth/bearer"
	"github.com/pysugar/agent-nexus/internal/chat"
	"github.com/pysugar/agent-nexus/internal/provider"
	"github.com/pysugar/agent-nexus/internal/store"
	"github.com/pysugar/agent-nexus/internal/tool/audit"
	"github.com/pysugar/agent-nexus/internal/version"
)

// clientID identifies this service in the bearer tokens it mints.
const clientID = "agent-nexus"

// Server carries the handler dependencies.
type Server struct {
	store     *store.Store
	broker    *apikey.Broker
	providers *provider.Registry
	bearer    *bearer.Authority
	engine    *chat.Engine
	audit     *audit.Logger
	states    StateStore
	tokenTTL  time.Duration
}

// New creates a Server. tokenTTL <= 0 falls back to the bearer default.
func New(
	st *store.Store,
	broker *apikey.Broker,
	providers *provider.Registry,
	authority *bearer.Authority,
	engine *chat.Engine,
	auditLogger *audit.Logger,
	tokenTTL time.Duration,
) *Server {
	if tokenTTL <= 0 {
		tokenTTL = bearer.DefaultTTL
	}
	return &Server{
		store:     st,
		broker:    broker,
		providers: providers,
		bearer:    authority,
		engine:    engine,
		audit:     auditLogger,
		states:    NewStateStore(),
		tokenTTL:  tokenTTL,
	}
}

// Router assembles the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// OAuth flow. Login is public for the primary provider; connecting a
	// secondary service requires the caller's API key, picked up softly so
	// the primary flow still works without one.
	r.Route("/auth/{provider}", func(r chi.Router) {
		r.Use(s.optionalAPIKeyAuth)
		r.Get("/login", s.handleLogin)
		r.Get("/callback", s.handleCallback)
	})

	// Everything below requires a valid API key.
	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(s.broker))

		r.Post("/chat", s.handleChat)

		r.Route("/api", func(r chi.Router) {
			r.Get("/key", s.handleKeyInspect)
			r.Post("/key", s.handleKeyRotate)
			r.Delete("/key", s.handleKeyRevoke)

			r.Get("/services", s.handleServicesList)
			r.Delete("/services/{provider}", s.handleServiceDisconnect)

			r.Get("/audit", s.handleAuditRecent)
			r.Get("/audit/session/{sessionID}", s.handleAuditSession)
		})
	})

	return r
}

// optionalAPIKeyAuth resolves the user when a valid key is present but never
// rejects the request.
func (s *Server) optionalAPIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" {
			key = bearerToken(r)
		}
		if key != "" {
			if userID, err := s.broker.Validate(key); err == nil {
				r = r.WithContext(withUserID(r.Context(), userID))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message, "type": errType},
	})
}

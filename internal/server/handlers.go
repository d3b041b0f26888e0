package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pysugar/agent-nexus/internal/auth/apikey"
	"github.com/pysugar/agent-nexus/internal/chat"
	"github.com/pysugar/agent-nexus/internal/store"
)

type chatRequest struct {
	Messages  []chat.Message `json:"messages"`
	SessionID string         `json:"session_id"`
}

// handleChat runs one conversational turn for the authenticated user. The
// short-lived bearer token minted here is what authorizes any tool calls the
// model requests.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	userID := UserID(r.Context())
	token, err := s.bearer.Mint(userID, clientID, s.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "could not authorize turn")
		return
	}

	result, err := s.engine.RunTurn(r.Context(), token, req.SessionID, req.Messages)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", fmt.Sprintf("chat execution failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":   result.Response,
		"tool_calls": result.ToolCalls,
		"session_id": req.SessionID,
	})
}

// handleKeyInspect reports key metadata. The key itself is not recoverable.
func (s *Server) handleKeyInspect(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": user.APIKeyHash != "",
		"prefix":     user.APIKeyPrefix,
		"created_at": user.APIKeyCreatedAt,
		"last_used":  user.APIKeyLastUsed,
	})
}

// handleKeyRotate issues a replacement key, invalidating the current one.
func (s *Server) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	key, err := s.broker.Issue(UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to issue API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"api_key": key,
		"prefix":  apikey.DisplayPrefix(key),
	})
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Revoke(UserID(r.Context())); err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to revoke API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleServicesList reports connected services without token material.
func (s *Server) handleServicesList(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListServices(UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to list services")
		return
	}

	out := make([]map[string]any, 0, len(services))
	for _, svc := range services {
		out = append(out, map[string]any{
			"provider":     svc.Provider,
			"connected_at": svc.ConnectedAt,
			"scopes":       svc.Scopes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *Server) handleServiceDisconnect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	err := s.store.RemoveService(UserID(r.Context()), name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("%s is not connected", name))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to disconnect service")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "provider": name})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.audit.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleAuditSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	records, err := s.audit.BySession(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "records": records})
}

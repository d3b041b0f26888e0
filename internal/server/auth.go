package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/pysugar/agent-nexus/internal/store"
)

// handleLogin starts the OAuth consent flow for a provider. The primary
// provider doubles as login; every other provider is a connect flow and
// needs an already-authenticated caller.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	p, err := s.providers.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("unknown provider %q", name))
		return
	}

	userID := UserID(r.Context())
	if !p.Primary() && userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication_error",
			fmt.Sprintf("connecting %s requires an API key", name))
		return
	}

	state, err := s.states.Issue(StateEntry{Provider: name, UserID: userID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "could not start login flow")
		return
	}

	config := p.OAuthConfig(callbackURL(r, name))
	url := config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// handleCallback finishes the OAuth flow: validates state, exchanges the
// code, stores the credential, and on first primary-provider login issues
// the user's API key.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	p, err := s.providers.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("unknown provider %q", name))
		return
	}

	entry, err := s.states.Consume(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid state token")
		return
	}
	if entry.Provider != name {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "state token does not match provider")
		return
	}

	config := p.OAuthConfig(callbackURL(r, name))
	token, err := config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", fmt.Sprintf("token exchange failed: %v", err))
		return
	}

	userID := entry.UserID
	issuedKey := ""
	if userID == "" {
		if !p.Primary() {
			writeError(w, http.StatusBadRequest, "invalid_request_error",
				fmt.Sprintf("login requires the primary provider, %s is connect-only", name))
			return
		}
		email, err := fetchEmail(r.Context(), config, token, p.UserInfoURL())
		if err != nil {
			writeError(w, http.StatusBadGateway, "api_error", fmt.Sprintf("failed to get user info: %v", err))
			return
		}
		user, err := s.store.Bootstrap(email)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "api_error", "failed to save account")
			return
		}
		userID = user.ID
		if user.APIKeyHash == "" {
			issuedKey, err = s.broker.Issue(userID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "api_error", "failed to issue API key")
				return
			}
		}
	}

	creds := store.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IssuedAt:     time.Now(),
	}
	if instance, ok := token.Extra("instance_url").(string); ok {
		creds.InstanceURL = instance
	}

	scopes := strings.Join(config.Scopes, " ")
	if err := s.store.UpsertService(userID, name, creds, scopes); err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to save credential")
		return
	}

	resp := map[string]any{
		"status":   "connected",
		"provider": name,
	}
	if issuedKey != "" {
		// Shown exactly once; only a hash survives server-side.
		resp["api_key"] = issuedKey
	}
	writeJSON(w, http.StatusOK, resp)
}

// callbackURL reconstructs this server's callback endpoint from the request,
// honoring X-Forwarded-Proto behind a proxy.
func callbackURL(r *http.Request, provider string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/%s/callback", scheme, r.Host, provider)
}

// fetchEmail resolves the authenticated user's email from the provider's
// userinfo endpoint.
func fetchEmail(ctx context.Context, config *oauth2.Config, token *oauth2.Token, userInfoURL string) (string, error) {
	if userInfoURL == "" {
		return "", fmt.Errorf("provider has no userinfo endpoint")
	}
	resp, err := config.Client(ctx, token).Get(userInfoURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %s", resp.Status)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response has no email")
	}
	return info.Email, nil
}

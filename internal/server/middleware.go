package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/pysugar/agent-nexus/internal/auth/apikey"
)

type contextKey string

const userIDKey contextKey = "nexus.user_id"

// UserID returns the authenticated user set by APIKeyAuth, or "".
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// bearerToken extracts the Bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// APIKeyAuth middleware validates the API key from the Authorization header
// (Bearer) or the x-api-key header and stores the resolved user on the
// request context.
func APIKeyAuth(broker *apikey.Broker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if key == "" {
				key = r.Header.Get("x-api-key")
			}

			if key != "" {
				if userID, err := broker.Validate(key); err == nil {
					next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

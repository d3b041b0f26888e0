// Package bearer mints and verifies the short-lived signed tokens that bind
// each tool-execution request to a user identity.
package bearer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the token lifetime when the caller passes zero.
const DefaultTTL = time.Hour

// ErrNotAuthenticated is returned for every verification failure. Malformed,
// tampered, and expired tokens are deliberately indistinguishable: callers
// must treat all of them as fully unauthenticated.
var ErrNotAuthenticated = errors.New("bearer: not authenticated")

// Claims are the verified contents of a bearer token.
type Claims struct {
	Subject   string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Authority signs and verifies tokens with a single shared secret.
// Tokens are stateless; there is no revocation list and invalidation is
// exclusively via expiry.
type Authority struct {
	secret []byte
}

// New creates an Authority. The secret comes from configuration at process
// start; an empty secret is a fatal misconfiguration, never a fallback.
func New(secret []byte) (*Authority, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("bearer: signing secret is required")
	}
	return &Authority{secret: secret}, nil
}

// Mint issues a token for subject on behalf of clientID, valid for ttl
// (DefaultTTL when zero).
func (a *Authority) Mint(subject, clientID string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       subject,
		"client_id": clientID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"scope":     "user",
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("bearer: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and extracts the claims. Expiry is
// checked against the current time with no grace window.
func (a *Authority) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrNotAuthenticated
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	claims := &Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if claims.Subject == "" {
		return nil, ErrNotAuthenticated
	}
	if cid, ok := mapClaims["client_id"].(string); ok {
		claims.ClientID = cid
	}
	if scope, ok := mapClaims["scope"].(string); ok && scope != "" {
		claims.Scopes = strings.Fields(scope)
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}

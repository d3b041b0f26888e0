// Package refresh exchanges stored refresh tokens for fresh access tokens.
// Refresh is the one true critical section in the system: providers may
// invalidate the old refresh token the moment a new one is issued, so
// concurrent refreshes for the same (user, provider) are collapsed into a
// single in-flight exchange whose result every caller observes.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pysugar/agent-nexus/internal/provider"
	"github.com/pysugar/agent-nexus/internal/store"
	"github.com/pysugar/agent-nexus/internal/util"
)

// ErrCredentialMissing means the user has no stored credential for the
// requested provider. Tool implementations surface this to the model as an
// ordinary "please connect" result, not a turn-ending failure.
var ErrCredentialMissing = errors.New("refresh: provider not connected")

// Error classifies a failed token exchange. Permanent failures (a dead
// refresh token) require the user to re-authenticate and are never retried;
// everything else is transient. Stored state is untouched in both cases.
type Error struct {
	Provider  string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("refresh: %s failure for provider %s: %v", kind, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent refresh failure.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Permanent
}

// ShouldRefresh reports whether a credential issued at issuedAt is stale at
// now, given a staleness window. The window is deliberately shorter than the
// provider's real token lifetime, leaving a safety buffer.
func ShouldRefresh(issuedAt, now time.Time, window time.Duration) bool {
	return now.Sub(issuedAt) > window
}

// Refresher resolves fresh provider credentials, refreshing stale ones.
type Refresher struct {
	store    *store.Store
	registry *provider.Registry
	window   time.Duration

	// httpClient overrides the client used for token exchanges (tests).
	httpClient *http.Client

	group singleflight.Group
}

// New creates a Refresher with the given staleness window.
func New(s *store.Store, registry *provider.Registry, window time.Duration) *Refresher {
	return &Refresher{store: s, registry: registry, window: window}
}

// WithHTTPClient sets the HTTP client used for token-endpoint calls.
func (r *Refresher) WithHTTPClient(c *http.Client) *Refresher {
	r.httpClient = c
	return r
}

// Credentials returns a usable credential block for (userID, providerName),
// triggering a refresh when the stored one is stale.
func (r *Refresher) Credentials(ctx context.Context, userID, providerName string) (*store.Service, error) {
	svc, err := r.store.GetService(userID, providerName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCredentialMissing, providerName)
		}
		return nil, err
	}
	if !ShouldRefresh(svc.Credentials.IssuedAt, time.Now(), r.window) {
		return svc, nil
	}
	return r.Refresh(ctx, userID, providerName)
}

// Refresh performs a single-flighted token exchange for (userID,
// providerName). All concurrent callers for the same key await the one
// in-flight exchange and observe its result.
func (r *Refresher) Refresh(ctx context.Context, userID, providerName string) (*store.Service, error) {
	key := userID + "|" + providerName
	// The exchange must survive the initiating caller's cancellation:
	// other callers are waiting on the same flight.
	execCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.doRefresh(execCtx, userID, providerName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Service), nil
}

func (r *Refresher) doRefresh(ctx context.Context, userID, providerName string) (*store.Service, error) {
	svc, err := r.store.GetService(userID, providerName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCredentialMissing, providerName)
		}
		return nil, err
	}
	if svc.Credentials.RefreshToken == "" {
		return nil, &Error{Provider: providerName, Permanent: true, Err: errors.New("no refresh token stored")}
	}

	prov, err := r.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	cfg := prov.OAuthConfig("")

	token, err := r.exchange(ctx, cfg, svc.Credentials.RefreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("[Refresh] Permanent failure for user %s provider %s, re-authentication required", userID, providerName)
			return nil, &Error{Provider: providerName, Permanent: true, Err: err}
		}
		// One transparent retry for transient failures. Stored state is
		// untouched either way.
		log.Printf("[Refresh] Transient failure for user %s provider %s, retrying once: %v", userID, providerName, err)
		token, err = r.exchange(ctx, cfg, svc.Credentials.RefreshToken)
		if err != nil {
			if isPermanentRefreshError(err) {
				return nil, &Error{Provider: providerName, Permanent: true, Err: err}
			}
			return nil, &Error{Provider: providerName, Permanent: false, Err: err}
		}
	}

	updated := svc.Credentials
	updated.AccessToken = token.AccessToken
	updated.IssuedAt = time.Now()
	// Refresh token stays untouched unless the provider rotated it.
	if token.RefreshToken != "" && token.RefreshToken != svc.Credentials.RefreshToken {
		log.Printf("[Refresh] Provider %s rotated refresh token for user %s", providerName, userID)
		updated.RefreshToken = token.RefreshToken
	}

	err = r.store.UpdateServiceTokens(userID, providerName, svc.Version, updated)
	switch {
	case err == nil:
		log.Printf("[Refresh] Refreshed %s credential for user %s (token %s)",
			providerName, userID, util.MaskSecret(token.AccessToken))
		return &store.Service{
			Provider:    svc.Provider,
			Credentials: updated,
			ConnectedAt: svc.ConnectedAt,
			Scopes:      svc.Scopes,
			Version:     svc.Version + 1,
		}, nil
	case errors.Is(err, store.ErrConflict):
		// Another writer (OAuth callback or disconnect) got there first;
		// their state wins and we serve what is stored now.
		log.Printf("[Refresh] Concurrent update for user %s provider %s, using stored credential", userID, providerName)
		return r.store.GetService(userID, providerName)
	default:
		return nil, err
	}
}

// exchange runs one refresh-token grant against the provider token endpoint.
func (r *Refresher) exchange(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return source.Token()
}

// isPermanentRefreshError detects failures that mean the refresh token
// itself is dead and re-authentication is required.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

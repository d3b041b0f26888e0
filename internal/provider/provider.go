// Package provider describes the external OAuth providers the broker can
// hold credentials for. Adding a provider is a registry entry, not a code
// change in any caller.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/oauth2"
)

// Provider is the capability surface the rest of the system sees: enough to
// run an authorization-code flow and a refresh-token exchange.
type Provider interface {
	// Name is the stable registry key ("google", "salesforce", ...).
	Name() string

	// Primary reports whether a login with this provider may bootstrap a
	// new user record.
	Primary() bool

	// OAuthConfig returns the oauth2 configuration with the given redirect.
	OAuthConfig(redirectURL string) *oauth2.Config

	// UserInfoURL is the endpoint that resolves the authenticated user's
	// email after code exchange. Empty for providers that never bootstrap.
	UserInfoURL() string
}

// Registry is a concurrency-safe name-keyed set of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// oauthProvider is the generic endpoint-driven implementation backing every
// catalog entry.
type oauthProvider struct {
	name         string
	primary      bool
	clientID     string
	clientSecret string
	authURL      string
	tokenURL     string
	userInfoURL  string
	scopes       []string
}

func (p *oauthProvider) Name() string        { return p.name }
func (p *oauthProvider) Primary() bool       { return p.primary }
func (p *oauthProvider) UserInfoURL() string { return p.userInfoURL }

func (p *oauthProvider) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       p.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.authURL,
			TokenURL: p.tokenURL,
		},
	}
}

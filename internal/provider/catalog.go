package provider

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type fileCatalog struct {
	Providers []CatalogEntry `yaml:"providers"`
}

// CatalogEntry describes one provider in the YAML catalog. Client secrets
// normally come from the environment, not the file.
type CatalogEntry struct {
	ID           string   `yaml:"id"`
	Primary      bool     `yaml:"primary"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"user_info_url"`
	Scopes       []string `yaml:"scopes"`
}

// LoadCatalog reads a YAML catalog file and registers each entry. Client
// credentials are overridden by <ID>_CLIENT_ID / <ID>_CLIENT_SECRET
// environment variables when set.
func LoadCatalog(path string, reg *Registry) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("provider: read catalog: %w", err)
	}

	var catalog fileCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return fmt.Errorf("provider: parse catalog: %w", err)
	}

	for _, entry := range catalog.Providers {
		p, err := FromEntry(entry)
		if err != nil {
			return err
		}
		reg.Register(p)
	}
	return nil
}

// FromEntry validates a catalog entry and builds a Provider, applying env
// overrides for client credentials.
func FromEntry(entry CatalogEntry) (Provider, error) {
	if !providerIDRegexp.MatchString(entry.ID) {
		return nil, fmt.Errorf("provider: invalid provider id %q", entry.ID)
	}
	if entry.TokenURL == "" {
		return nil, fmt.Errorf("provider: %s: token_url is required", entry.ID)
	}

	envPrefix := strings.ToUpper(strings.ReplaceAll(entry.ID, "-", "_"))
	clientID := entry.ClientID
	if v := os.Getenv(envPrefix + "_CLIENT_ID"); v != "" {
		clientID = v
	}
	clientSecret := entry.ClientSecret
	if v := os.Getenv(envPrefix + "_CLIENT_SECRET"); v != "" {
		clientSecret = v
	}

	return &oauthProvider{
		name:         entry.ID,
		primary:      entry.Primary,
		clientID:     clientID,
		clientSecret: clientSecret,
		authURL:      entry.AuthURL,
		tokenURL:     entry.TokenURL,
		userInfoURL:  entry.UserInfoURL,
		scopes:       entry.Scopes,
	}, nil
}

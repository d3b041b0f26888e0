// Package config centralizes environment-based configuration for agent-nexus.
package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all environment-based settings.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `env:"NEXUS_ADDR" envDefault:":8000"`

	// DBPath is the SQLite database file path.
	DBPath string `env:"NEXUS_DB_PATH" envDefault:"nexus.db"`

	// JWTSecret signs bearer tokens. Required; startup fails without it.
	JWTSecret string `env:"NEXUS_JWT_SECRET"`

	// MasterKey encrypts stored credential blobs at rest.
	// Base64-encoded 32 bytes. Required.
	MasterKey string `env:"NEXUS_MASTER_KEY"`

	// TokenTTL is the bearer token lifetime.
	TokenTTL time.Duration `env:"NEXUS_TOKEN_TTL" envDefault:"1h"`

	// StalenessWindow triggers proactive credential refresh. Kept shorter
	// than real provider token lifetimes to leave a safety buffer.
	StalenessWindow time.Duration `env:"NEXUS_STALENESS_WINDOW" envDefault:"90m"`

	// AuditRetention bounds the tool call log to the most recent N records.
	AuditRetention int `env:"NEXUS_AUDIT_RETENTION" envDefault:"1000"`

	// ProviderCatalog is an optional YAML file describing OAuth providers.
	ProviderCatalog string `env:"NEXUS_PROVIDER_CATALOG" envDefault:""`

	// LLMBaseURL is the chat-completion endpoint (OpenAI-compatible).
	LLMBaseURL string `env:"NEXUS_LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMAPIKey  string `env:"NEXUS_LLM_API_KEY"`
	LLMModel   string `env:"NEXUS_LLM_MODEL" envDefault:"gpt-4o-mini"`
}

// Load parses configuration from the environment and validates required keys.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("NEXUS_JWT_SECRET is required")
	}
	if _, err := cfg.MasterKeyBytes(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MasterKeyBytes decodes and validates the credential master key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, fmt.Errorf("NEXUS_MASTER_KEY is required (base64-encoded 32 bytes)")
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("NEXUS_MASTER_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("NEXUS_MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

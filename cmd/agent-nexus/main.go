package main

import (
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/pysugar/agent-nexus/internal/auth/apikey"
	"github.com/pysugar/agent-nexus/internal/auth/bearer"
	"github.com/pysugar/agent-nexus/internal/chat"
	"github.com/pysugar/agent-nexus/internal/config"
	"github.com/pysugar/agent-nexus/internal/provider"
	"github.com/pysugar/agent-nexus/internal/refresh"
	"github.com/pysugar/agent-nexus/internal/server"
	"github.com/pysugar/agent-nexus/internal/store"
	"github.com/pysugar/agent-nexus/internal/tool"
	"github.com/pysugar/agent-nexus/internal/tool/audit"
	"github.com/pysugar/agent-nexus/internal/version"
)

func main() {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		log.Fatalf("Invalid master key: %v", err)
	}
	cipher, err := store.NewCipher(masterKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential cipher: %v", err)
	}
	st := store.New(db, cipher)

	providers := provider.NewRegistry()
	registerDefaultProviders(providers)
	if cfg.ProviderCatalog != "" {
		if err := provider.LoadCatalog(cfg.ProviderCatalog, providers); err != nil {
			log.Fatalf("Failed to load provider catalog: %v", err)
		}
	}

	authority, err := bearer.New([]byte(cfg.JWTSecret))
	if err != nil {
		log.Fatalf("Failed to initialize token authority: %v", err)
	}

	broker := apikey.NewBroker(st)
	refresher := refresh.New(st, providers, cfg.StalenessWindow)

	auditLogger, err := audit.New(db, os.Stdout, cfg.AuditRetention)
	if err != nil {
		log.Fatalf("Failed to initialize audit log: %v", err)
	}

	tools := tool.NewRegistry()
	tool.RegisterBuiltins(tools, refresher, nil)
	invoker := tool.NewInvoker(tools, authority, auditLogger)

	llm := chat.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	engine := chat.NewEngine(llm, tools, invoker)

	srv := server.New(st, broker, providers, authority, engine, auditLogger, cfg.TokenTTL)

	log.Printf("🚀 Agent-Nexus %s starting on http://%s", version.Version, cfg.Addr)
	log.Printf("🔑 Providers: %v", providers.Names())
	if err := http.ListenAndServe(cfg.Addr, srv.Router()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// registerDefaultProviders installs the built-in Google provider, the
// primary login identity. A catalog entry with the same id overrides it.
func registerDefaultProviders(reg *provider.Registry) {
	google, err := provider.FromEntry(provider.CatalogEntry{
		ID:          "google",
		Primary:     true,
		AuthURL:     "https://accounts.google.com/o/oauth2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
		UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
	})
	if err != nil {
		log.Fatalf("Failed to build default provider: %v", err)
	}
	reg.Register(google)
}

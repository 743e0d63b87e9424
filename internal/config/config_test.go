package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("COBRANZAS_JWT_SECRET", "test-secret")
	t.Setenv("COBRANZAS_COLLECTOR_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8600" {
		t.Fatalf("listen addr = %q, want :8600", cfg.ListenAddr)
	}
	if cfg.UpstreamTimeout != 8*time.Second {
		t.Fatalf("upstream timeout = %v, want 8s", cfg.UpstreamTimeout)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("store backend = %q, want memory", cfg.StoreBackend)
	}
	if len(cfg.PrecacheRoutes) != 2 {
		t.Fatalf("precache routes = %v, want two defaults", cfg.PrecacheRoutes)
	}
	if cfg.IsProduction() {
		t.Fatal("default env must not be production")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("COBRANZAS_STORE_BACKEND", "sqlite")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("COBRANZAS_JWT_SECRET", "")
	t.Setenv("COBRANZAS_COLLECTOR_PASSWORD_HASH", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when secrets are missing")
	}
}

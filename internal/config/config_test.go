package config

import (
	"os"
	"testing"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.MongoDB != "interop" {
		t.Errorf("MongoDB = %q, want interop", cfg.MongoDB)
	}
	if cfg.DatabasePath != "interop.db" {
		t.Errorf("DatabasePath = %q, want interop.db", cfg.DatabasePath)
	}
}

func TestMongoURI(t *testing.T) {
	cfg := &Config{MongoHost: "db.internal", MongoPort: "27018"}
	if got := cfg.MongoURI(); got != "mongodb://db.internal:27018" {
		t.Errorf("MongoURI = %q", got)
	}
}

func TestValidateProductionRequiresSecret(t *testing.T) {
	cfg := &Config{Env: "production", DatabasePath: "x.db"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing JWT_SECRET_KEY in production")
	}
	cfg.JWTSecretKey = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateEmbeddingURL(t *testing.T) {
	cfg := &Config{Env: "development", DatabasePath: "x.db", UseSbertEmbed: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when USE_SBERT_EMBEDDINGS set without EMBEDDING_URL")
	}
}

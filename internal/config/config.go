package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	MongoHost         string   `mapstructure:"MONGO_HOST"`
	MongoPort         string   `mapstructure:"MONGO_PORT"`
	MongoDB           string   `mapstructure:"MONGO_DB"`
	DatabasePath      string   `mapstructure:"DATABASE_PATH"`
	UseSbertEmbed     bool     `mapstructure:"USE_SBERT_EMBEDDINGS"`
	EmbeddingURL      string   `mapstructure:"EMBEDDING_URL"`
	LLMURL            string   `mapstructure:"LLM_URL"`
	LLMModelName      string   `mapstructure:"LLM_MODEL_NAME"`
	JWTSecretKey      string   `mapstructure:"JWT_SECRET_KEY"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	VocabularySeedDir string   `mapstructure:"VOCABULARY_SEED_DIR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("MONGO_HOST", "localhost")
	v.SetDefault("MONGO_PORT", "27017")
	v.SetDefault("MONGO_DB", "interop")
	v.SetDefault("DATABASE_PATH", "interop.db")
	v.SetDefault("USE_SBERT_EMBEDDINGS", false)
	v.SetDefault("LLM_MODEL_NAME", "llama3")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("MONGO_HOST")
	v.BindEnv("MONGO_PORT")
	v.BindEnv("MONGO_DB")
	v.BindEnv("DATABASE_PATH")
	v.BindEnv("USE_SBERT_EMBEDDINGS")
	v.BindEnv("EMBEDDING_URL")
	v.BindEnv("LLM_URL")
	v.BindEnv("LLM_MODEL_NAME")
	v.BindEnv("JWT_SECRET_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("VOCABULARY_SEED_DIR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() && cfg.JWTSecretKey == "" {
		log.Println("WARNING: JWT_SECRET_KEY is not set; bearer tokens are accepted unverified (dev mode only)")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// MongoURI assembles the document-store connection string from the
// MONGO_HOST / MONGO_PORT pair.
func (c *Config) MongoURI() string {
	return fmt.Sprintf("mongodb://%s:%s", c.MongoHost, c.MongoPort)
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT secret is required so bearer tokens can be verified, and the catalog
// database path must be set.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if !c.IsDev() && c.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required when ENV is not development")
	}
	if c.UseSbertEmbed && c.EmbeddingURL == "" {
		return fmt.Errorf("EMBEDDING_URL is required when USE_SBERT_EMBEDDINGS is true")
	}
	return nil
}

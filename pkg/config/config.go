// Package config loads engine configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Resolution ResolutionConfig `mapstructure:"resolution"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Merge      MergeConfig      `mapstructure:"merge"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json
}

// StoreConfig selects and configures the graph backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"` // neo4j, badger
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Path     string `mapstructure:"path"` // badger data dir, empty for in-memory
}

// IdentityConfig controls identifier assignment.
type IdentityConfig struct {
	Deterministic bool `mapstructure:"deterministic"`
}

// PipelineConfig tunes the ingestion worker pool.
type PipelineConfig struct {
	Workers      int           `mapstructure:"workers"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	ContextDepth int           `mapstructure:"context_depth"` // previous episodes passed to extraction
}

// ResolutionConfig tunes entity and fact matching.
type ResolutionConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// RetrievalConfig tunes candidate search and reranking.
type RetrievalConfig struct {
	Limit     int     `mapstructure:"limit"`
	MinScore  float64 `mapstructure:"min_score"`
	MMRLambda float64 `mapstructure:"mmr_lambda"`
}

// ProviderConfig configures the external model services.
type ProviderConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	EmbedModel       string        `mapstructure:"embed_model"`
	ExtractModel     string        `mapstructure:"extract_model"`
	Dimensions       int           `mapstructure:"dimensions"`
	CachePath        string        `mapstructure:"cache_path"` // embedding cache dir, empty for in-memory
	MaxInFlight      int64         `mapstructure:"max_in_flight"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	CooldownTimeout  time.Duration `mapstructure:"cooldown_timeout"`
}

// MergeConfig configures the node merge engine.
type MergeConfig struct {
	JournalPath string        `mapstructure:"journal_path"` // empty for in-memory
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

// Load reads configuration from the given file (optional), COALESCE_
// environment variables, and defaults. File values win over env, env over
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COALESCE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "neo4j", "badger":
	default:
		return fmt.Errorf("store.backend must be neo4j or badger, got %q", c.Store.Backend)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Resolution.Threshold < 0 || c.Resolution.Threshold > 1 {
		return fmt.Errorf("resolution.threshold must be in [0,1], got %g", c.Resolution.Threshold)
	}
	if c.Retrieval.MMRLambda < 0 || c.Retrieval.MMRLambda > 1 {
		return fmt.Errorf("retrieval.mmr_lambda must be in [0,1], got %g", c.Retrieval.MMRLambda)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.backend", "badger")
	v.SetDefault("store.uri", "bolt://localhost:7687")
	v.SetDefault("store.username", "neo4j")
	v.SetDefault("store.database", "neo4j")
	v.SetDefault("store.path", "")

	v.SetDefault("identity.deterministic", true)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.timeout", time.Minute)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.context_depth", 3)

	v.SetDefault("resolution.threshold", 0.8)

	v.SetDefault("retrieval.limit", 20)
	v.SetDefault("retrieval.min_score", 0.5)
	v.SetDefault("retrieval.mmr_lambda", 0.6)

	v.SetDefault("provider.embed_model", "text-embedding-3-small")
	v.SetDefault("provider.extract_model", "gpt-4o")
	v.SetDefault("provider.dimensions", 1536)
	v.SetDefault("provider.max_in_flight", 8)
	v.SetDefault("provider.failure_threshold", 5)
	v.SetDefault("provider.cooldown_timeout", 30*time.Second)

	v.SetDefault("merge.lock_ttl", 5*time.Minute)
}

// overrideWithEnv picks up the credentials operators usually keep out of
// config files.
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && config.Provider.APIKey == "" {
		config.Provider.APIKey = apiKey
	}
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		config.Store.URI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		config.Store.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		config.Store.Password = pass
	}
}

// Package coalesce implements the operations CLI for the engine.
package coalesce

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	engine "github.com/coalescedb/coalesce"
	"github.com/coalescedb/coalesce/pkg/config"
	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/logger"
	"github.com/coalescedb/coalesce/pkg/merge"
	"github.com/coalescedb/coalesce/pkg/provider"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "coalesce",
	Short: "Temporal knowledge graph engine",
	Long: `Coalesce ingests episodes into a temporally versioned, deduplicated
knowledge graph. Facts contradicted by newer information are superseded,
never deleted, and duplicate entities are merged without losing
relationships.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
}

// buildEngine constructs a fully wired Client from the loaded config.
// The caller owns the returned engine and must Close it.
func buildEngine(cfg *config.Config, log *slog.Logger) (engine.Engine, error) {
	var store driver.GraphStore
	var err error
	switch cfg.Store.Backend {
	case "neo4j":
		store, err = driver.NewNeo4jStore(cfg.Store.URI, cfg.Store.Username, cfg.Store.Password, cfg.Store.Database)
	default:
		store, err = driver.NewBadgerStore(cfg.Store.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	journal, err := merge.NewJournal(cfg.Merge.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open merge journal: %w", err)
	}

	var embedder provider.Embedder
	var extractor provider.Extractor
	if cfg.Provider.APIKey != "" {
		pcfg := provider.OpenAIConfig{
			BaseURL:      cfg.Provider.BaseURL,
			EmbedModel:   cfg.Provider.EmbedModel,
			ExtractModel: cfg.Provider.ExtractModel,
			Dimensions:   cfg.Provider.Dimensions,
		}
		cached, err := provider.NewCachedEmbedder(
			provider.NewOpenAIEmbedder(cfg.Provider.APIKey, pcfg),
			cfg.Provider.CachePath, cfg.Provider.EmbedModel)
		if err != nil {
			return nil, fmt.Errorf("open embedding cache: %w", err)
		}
		gate := provider.NewGate(cached, provider.NewOpenAIExtractor(cfg.Provider.APIKey, pcfg),
			provider.GateConfig{
				MaxInFlight:      cfg.Provider.MaxInFlight,
				FailureThreshold: cfg.Provider.FailureThreshold,
				CooldownTimeout:  cfg.Provider.CooldownTimeout,
			}, log)
		embedder, extractor = gate, gate
	}

	opts := engine.DefaultOptions()
	opts.Workers = cfg.Pipeline.Workers
	opts.Timeout = cfg.Pipeline.Timeout
	opts.MaxRetries = cfg.Pipeline.MaxRetries
	opts.ContextDepth = cfg.Pipeline.ContextDepth
	opts.DeterministicIDs = cfg.Identity.Deterministic
	opts.ResolutionThreshold = cfg.Resolution.Threshold
	opts.Retrieval.Limit = cfg.Retrieval.Limit
	opts.Retrieval.MinScore = cfg.Retrieval.MinScore
	opts.Retrieval.MMRLambda = cfg.Retrieval.MMRLambda
	opts.MergeLockTTL = cfg.Merge.LockTTL
	opts.Logger = log

	return engine.NewClient(store, embedder, extractor, journal, opts), nil
}

// setup loads config and builds the logger shared by all subcommands.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	return cfg, log, nil
}

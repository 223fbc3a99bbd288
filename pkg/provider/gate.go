package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/coalescedb/coalesce/pkg/types"
)

// GateConfig tunes the admission layer in front of a provider.
type GateConfig struct {
	// MaxInFlight caps concurrent provider calls across all workers.
	MaxInFlight int64
	// FailureThreshold trips the breaker after this many consecutive
	// failures.
	FailureThreshold uint32
	// CooldownTimeout is how long the breaker stays open before probing.
	CooldownTimeout time.Duration
}

// DefaultGateConfig returns the settings used when the config file is
// silent.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxInFlight:      8,
		FailureThreshold: 5,
		CooldownTimeout:  30 * time.Second,
	}
}

// Gate wraps an Embedder and an Extractor with a shared semaphore and
// per-service circuit breakers. A tripped breaker surfaces as
// ErrProviderUnavailable so the pipeline can back off instead of hammering
// a failing service.
type Gate struct {
	embedder  Embedder
	extractor Extractor
	sem       *semaphore.Weighted
	embedCB   *gobreaker.CircuitBreaker
	extractCB *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// NewGate builds the admission layer. Either wrapped service may be nil
// when the deployment does not use it.
func NewGate(embedder Embedder, extractor Extractor, cfg GateConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultGateConfig().MaxInFlight
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultGateConfig().FailureThreshold
	}
	if cfg.CooldownTimeout <= 0 {
		cfg.CooldownTimeout = DefaultGateConfig().CooldownTimeout
	}

	breaker := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.CooldownTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider breaker state change",
					"service", name, "from", from.String(), "to", to.String())
			},
			IsSuccessful: func(err error) bool {
				// Malformed output is the provider misbehaving, not the
				// service being down; it must not open the breaker.
				return err == nil || errors.Is(err, types.ErrValidation)
			},
		})
	}

	return &Gate{
		embedder:  embedder,
		extractor: extractor,
		sem:       semaphore.NewWeighted(cfg.MaxInFlight),
		embedCB:   breaker("embedder"),
		extractCB: breaker("extractor"),
		logger:    logger,
	}
}

// Embed implements Embedder.
func (g *Gate) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if g.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", ErrProviderUnavailable)
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	out, err := g.embedCB.Execute(func() (any, error) {
		return g.embedder.Embed(ctx, texts)
	})
	if err != nil {
		return nil, gateErr("embed", err)
	}
	return out.([][]float32), nil
}

// Dimensions implements Embedder.
func (g *Gate) Dimensions() int {
	if g.embedder == nil {
		return 0
	}
	return g.embedder.Dimensions()
}

// Extract implements Extractor.
func (g *Gate) Extract(ctx context.Context, episode *types.Episode, previous []*types.Episode) (*Extraction, error) {
	if g.extractor == nil {
		return nil, fmt.Errorf("%w: no extractor configured", ErrProviderUnavailable)
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	out, err := g.extractCB.Execute(func() (any, error) {
		return g.extractor.Extract(ctx, episode, previous)
	})
	if err != nil {
		return nil, gateErr("extract", err)
	}
	return out.(*Extraction), nil
}

func gateErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

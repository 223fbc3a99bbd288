// Package coalesce maintains a temporally versioned, deduplicated
// knowledge graph that is continuously mutated by episode ingestion.
// Episodes are extracted into entities and facts, resolved against the
// existing graph, contradicted facts are superseded rather than deleted,
// and duplicate entities are merged without losing relationships.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/identity"
	"github.com/coalescedb/coalesce/pkg/merge"
	"github.com/coalescedb/coalesce/pkg/provider"
	"github.com/coalescedb/coalesce/pkg/resolve"
	"github.com/coalescedb/coalesce/pkg/retrieval"
	"github.com/coalescedb/coalesce/pkg/temporal"
	"github.com/coalescedb/coalesce/pkg/types"
)

// Engine is the main interface for feeding and querying the graph.
type Engine interface {
	// Add runs the full ingestion pipeline over episodes with a bounded
	// worker pool. One Result per episode, in input order; a failed
	// episode never blocks the others.
	Add(ctx context.Context, episodes []*types.Episode) []*Result

	// Process ingests a single episode through the pipeline and reports
	// the outcome the caller's queue should apply.
	Process(ctx context.Context, episode *types.Episode) *Result

	// Search returns live facts relevant to a free-text query, fused from
	// vector and lexical retrieval.
	Search(ctx context.Context, groupID, query string) ([]*types.Edge, error)

	// Merge consolidates duplicate into canonical within a partition.
	Merge(ctx context.Context, groupID, canonicalID, duplicateID string) error

	// ResumeMerges re-drives merges interrupted by a crash.
	ResumeMerges(ctx context.Context) (int, error)

	// GetNode retrieves one node from a partition.
	GetNode(ctx context.Context, uuid, groupID string) (*types.Node, error)

	// GetEdge retrieves one edge from a partition.
	GetEdge(ctx context.Context, uuid, groupID string) (*types.Edge, error)

	// GetEpisodes returns the most recent episodes of a partition, newest
	// first.
	GetEpisodes(ctx context.Context, groupID string, limit int) ([]*types.Node, error)

	// Stats summarizes a partition.
	Stats(ctx context.Context, groupID string) (*driver.Stats, error)

	// Close releases the store and journal.
	Close(ctx context.Context) error
}

// Options tunes the pipeline. The zero value is unusable; use
// DefaultOptions and override.
type Options struct {
	// Workers bounds concurrent episode processing in Add.
	Workers int
	// Timeout is the per-episode wall clock budget.
	Timeout time.Duration
	// MaxRetries bounds Add's re-attempts for retryable outcomes.
	MaxRetries int
	// ContextDepth is how many previous episodes are handed to the
	// extractor as conversational context.
	ContextDepth int
	// DeterministicIDs derives identifiers from content so replays
	// converge on the same elements.
	DeterministicIDs bool
	// ResolutionThreshold is the minimum similarity for treating a draft
	// as a match of an existing element.
	ResolutionThreshold float64
	// Retrieval tunes candidate search and reranking.
	Retrieval retrieval.Config
	// MergeLockTTL bounds how long a crashed worker can hold a merge pair.
	MergeLockTTL time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultOptions returns the tuning used when the caller has no opinion.
func DefaultOptions() *Options {
	return &Options{
		Workers:             4,
		Timeout:             time.Minute,
		MaxRetries:          3,
		ContextDepth:        3,
		DeterministicIDs:    true,
		ResolutionThreshold: resolve.DefaultThreshold,
		Retrieval:           retrieval.DefaultConfig(),
		MergeLockTTL:        merge.DefaultLockTTL,
	}
}

// Client is the Engine implementation.
type Client struct {
	store     driver.GraphStore
	embedder  provider.Embedder
	extractor provider.Extractor
	journal   *merge.Journal

	ids         *identity.Assigner
	searcher    *retrieval.Searcher
	resolver    *resolve.Resolver
	invalidator *temporal.Invalidator
	merger      *merge.Merger

	opts   *Options
	logger *slog.Logger
	now    func() time.Time
}

// NewClient wires the pipeline. The embedder and extractor may be nil for
// read-only or pre-extracted use; Add requires an extractor.
func NewClient(store driver.GraphStore, embedder provider.Embedder, extractor provider.Extractor, journal *merge.Journal, opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ids := identity.NewAssigner(opts.DeterministicIDs)
	merger := merge.NewMerger(store, journal, ids, logger)
	merger.SetLockTTL(opts.MergeLockTTL)

	return &Client{
		store:       store,
		embedder:    embedder,
		extractor:   extractor,
		journal:     journal,
		ids:         ids,
		searcher:    retrieval.NewSearcher(store, opts.Retrieval, logger),
		resolver:    resolve.NewResolver(opts.ResolutionThreshold),
		invalidator: temporal.NewInvalidator(store, logger),
		merger:      merger,
		opts:        opts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Add implements Engine.
func (c *Client) Add(ctx context.Context, episodes []*types.Episode) []*Result {
	results := make([]*Result, len(episodes))
	if len(episodes) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, episode := range episodes {
		g.Go(func() error {
			results[i] = c.processWithRetries(gctx, episode)
			return nil
		})
	}
	// Workers never return errors; failures land in per-episode results.
	_ = g.Wait()
	return results
}

// processWithRetries re-runs retryable outcomes up to MaxRetries, backing
// off linearly between attempts.
func (c *Client) processWithRetries(ctx context.Context, episode *types.Episode) *Result {
	var result *Result
	for attempt := 0; ; attempt++ {
		result = c.Process(ctx, episode)
		if result.Outcome != OutcomeRetry || attempt >= c.opts.MaxRetries {
			break
		}
		backoff := time.Duration(attempt+1) * 500 * time.Millisecond
		c.logger.Warn("retrying episode",
			"episode", episode.UUID, "attempt", attempt+1, "error", result.Err)
		select {
		case <-ctx.Done():
			return result
		case <-time.After(backoff):
		}
	}
	if result.Outcome == OutcomeRetry {
		// Retry budget exhausted; the queue should park it, not spin.
		result.Outcome = OutcomeDeadLetter
	}
	return result
}

// Search implements Engine.
func (c *Client) Search(ctx context.Context, groupID, query string) ([]*types.Edge, error) {
	if query == "" {
		return nil, &types.ValidationError{Field: "query", Reason: "empty"}
	}
	probe := &types.Edge{
		Kind:    types.FactEdge,
		GroupID: groupID,
		Name:    "QUERY",
		Fact:    retrieval.NormalizeQuery(query),
	}
	if c.embedder != nil {
		vec, err := provider.EmbedSingle(ctx, c.embedder, query)
		if err != nil {
			c.logger.Warn("query embedding failed, lexical only", "error", err)
		} else {
			probe.FactEmbedding = vec
		}
	}
	return c.searcher.RelatedFacts(ctx, probe)
}

// Merge implements Engine.
func (c *Client) Merge(ctx context.Context, groupID, canonicalID, duplicateID string) error {
	return c.merger.Merge(ctx, groupID, canonicalID, duplicateID)
}

// ResumeMerges implements Engine.
func (c *Client) ResumeMerges(ctx context.Context) (int, error) {
	return c.merger.ResumePending(ctx)
}

// GetNode implements Engine.
func (c *Client) GetNode(ctx context.Context, uuid, groupID string) (*types.Node, error) {
	return c.store.GetNode(ctx, uuid, groupID)
}

// GetEdge implements Engine.
func (c *Client) GetEdge(ctx context.Context, uuid, groupID string) (*types.Edge, error) {
	return c.store.GetEdge(ctx, uuid, groupID)
}

// GetEpisodes implements Engine.
func (c *Client) GetEpisodes(ctx context.Context, groupID string, limit int) ([]*types.Node, error) {
	nodes, err := c.store.MatchNodes(ctx, groupID, driver.NodeFilter{Kind: types.EpisodicNode}, 0)
	if err != nil {
		return nil, err
	}
	sortEpisodesDesc(nodes)
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

// Stats implements Engine.
func (c *Client) Stats(ctx context.Context, groupID string) (*driver.Stats, error) {
	return c.store.Stats(ctx, groupID)
}

// Close implements Engine.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	if err := c.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/coalescedb/coalesce/pkg/resolve"
	"github.com/coalescedb/coalesce/pkg/types"
)

// State is where an episode is in the ingestion pipeline.
type State string

const (
	StateReceived     State = "received"
	StateExtracting   State = "extracting"
	StateResolving    State = "resolving"
	StateInvalidating State = "invalidating"
	StateMerging      State = "merging"
	StatePersisted    State = "persisted"
	StateFailed       State = "failed"
)

// Outcome tells the ingestion queue what to do with the episode.
type Outcome string

const (
	// OutcomeAck removes the episode from the queue.
	OutcomeAck Outcome = "ack"
	// OutcomeRetry requeues the episode for another attempt.
	OutcomeRetry Outcome = "retry"
	// OutcomeDeadLetter parks the episode for operator inspection.
	OutcomeDeadLetter Outcome = "dead_letter"
)

// ItemError is a failure scoped to one element of an episode. Item errors
// never fail the episode; they are reported so nothing is silently dropped.
type ItemError struct {
	Stage   State  `json:"stage"`
	Subject string `json:"subject"`
	Err     error  `json:"-"`
	Message string `json:"message"`
}

// Result is the full account of one episode's trip through the pipeline.
type Result struct {
	EpisodeID  string      `json:"episode_id"`
	State      State       `json:"state"`
	Outcome    Outcome     `json:"outcome"`
	Entities   []string    `json:"entities,omitempty"`
	Facts      []string    `json:"facts,omitempty"`
	Superseded []string    `json:"superseded,omitempty"`
	Merged     []string    `json:"merged,omitempty"`
	ItemErrors []ItemError `json:"item_errors,omitempty"`
	Err        error       `json:"-"`
}

func (r *Result) fail(state State, err error) *Result {
	r.State = StateFailed
	r.Outcome = outcomeFor(err)
	r.Err = fmt.Errorf("%s: %w", state, err)
	return r
}

func (r *Result) itemError(stage State, subject string, err error) {
	r.ItemErrors = append(r.ItemErrors, ItemError{
		Stage: stage, Subject: subject, Err: err, Message: err.Error(),
	})
}

// mergeTask is a duplicate pair discovered during resolution, consolidated
// in the Merging state after all facts are safely persisted.
type mergeTask struct {
	canonicalID string
	duplicateID string
}

// Process implements Engine. The episode moves through
// received, extracting, resolving, invalidating, merging, and ends
// persisted or failed. Only a blocking step failure fails the episode;
// element-level problems are collected as item errors.
func (c *Client) Process(ctx context.Context, episode *types.Episode) *Result {
	result := &Result{State: StateReceived, Outcome: OutcomeAck}

	if episode == nil {
		return result.fail(StateReceived, &types.ValidationError{Field: "episode", Reason: "nil"})
	}
	if episode.UUID == "" {
		episode.UUID = uuid.NewString()
	}
	result.EpisodeID = episode.UUID
	if episode.GroupID == "" {
		return result.fail(StateReceived, &types.ValidationError{Field: "group_id", Reason: "empty"})
	}
	if strings.TrimSpace(episode.Content) == "" {
		return result.fail(StateReceived, &types.ValidationError{Field: "content", Reason: "empty"})
	}
	if episode.Reference.IsZero() {
		episode.Reference = c.now()
	}
	if episode.CreatedAt.IsZero() {
		episode.CreatedAt = c.now()
	}
	if episode.Source == "" {
		episode.Source = types.SourceMessage
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	previous, err := c.previousEpisodes(ctx, episode)
	if err != nil {
		return result.fail(StateReceived, err)
	}
	if err := c.store.UpsertNode(ctx, episode.Node()); err != nil {
		return result.fail(StateReceived, err)
	}

	result.State = StateExtracting
	if c.extractor == nil {
		return result.fail(StateExtracting, fmt.Errorf("%w: no extractor configured", ErrProviderUnavailable))
	}
	extraction, err := c.extractor.Extract(ctx, episode, previous)
	if err != nil {
		return result.fail(StateExtracting, err)
	}
	c.logger.Debug("episode extracted",
		"episode", episode.UUID, "entities", len(extraction.Entities), "facts", len(extraction.Facts))

	result.State = StateResolving
	resolved, merges := c.resolveEntities(ctx, episode, extraction.Entities, result)
	if err := c.linkMentions(ctx, episode, resolved, result); err != nil {
		return result.fail(StateResolving, err)
	}
	newFacts := c.resolveFacts(ctx, episode, extraction.Facts, resolved, result)

	result.State = StateInvalidating
	closed, err := c.invalidator.SupersedeBatch(ctx, newFacts, func(e *types.Edge) ([]*types.Edge, error) {
		return c.searcher.InvalidationCandidates(ctx, e)
	})
	if err != nil {
		return result.fail(StateInvalidating, err)
	}
	for _, uuids := range closed {
		result.Superseded = append(result.Superseded, uuids...)
	}
	sort.Strings(result.Superseded)

	// Merging is decoupled on purpose: a merge failure must never roll
	// back the facts persisted above.
	result.State = StateMerging
	for _, task := range merges {
		if err := c.merger.Merge(ctx, episode.GroupID, task.canonicalID, task.duplicateID); err != nil {
			result.itemError(StateMerging, task.duplicateID, err)
			continue
		}
		result.Merged = append(result.Merged, task.duplicateID)
	}

	result.State = StatePersisted
	c.logger.Info("episode persisted",
		"episode", episode.UUID, "group_id", episode.GroupID,
		"entities", len(result.Entities), "facts", len(result.Facts),
		"superseded", len(result.Superseded), "merged", len(result.Merged),
		"item_errors", len(result.ItemErrors))
	return result
}

// previousEpisodes returns up to ContextDepth episodes of the partition
// referenced before this one, oldest first, for extraction context.
func (c *Client) previousEpisodes(ctx context.Context, episode *types.Episode) ([]*types.Episode, error) {
	if c.opts.ContextDepth <= 0 {
		return nil, nil
	}
	nodes, err := c.GetEpisodes(ctx, episode.GroupID, 0)
	if err != nil {
		return nil, err
	}
	prior := nodes[:0]
	for _, n := range nodes {
		if n.UUID != episode.UUID && n.Reference.Before(episode.Reference) {
			prior = append(prior, n)
		}
	}
	if len(prior) > c.opts.ContextDepth {
		prior = prior[:c.opts.ContextDepth]
	}
	out := make([]*types.Episode, len(prior))
	for i := range prior {
		// Reverse into chronological order.
		p := prior[len(prior)-1-i]
		out[i] = &types.Episode{
			UUID: p.UUID, Name: p.Name, Content: p.Content,
			Reference: p.Reference, Source: p.Source, GroupID: p.GroupID,
			CreatedAt: p.CreatedAt,
		}
	}
	return out, nil
}

// resolveEntities maps draft entities onto graph nodes, creating new ones
// or folding into matches, and queues a merge task for every extra
// duplicate resolution notices.
func (c *Client) resolveEntities(ctx context.Context, episode *types.Episode, drafts []types.DraftEntity, result *Result) (map[string]*types.Node, []mergeTask) {
	resolved := make(map[string]*types.Node, len(drafts))
	var merges []mergeTask

	embeddings := c.embedNames(ctx, drafts, result)

	for i, draft := range drafts {
		node := &types.Node{
			Kind:       types.EntityNode,
			Name:       draft.Name,
			GroupID:    episode.GroupID,
			Labels:     draft.Labels,
			Summary:    draft.Summary,
			Attributes: draft.Attributes,
			CreatedAt:  c.now(),
		}
		if embeddings != nil {
			node.NameEmbedding = embeddings[i]
		}
		node.UUID = c.ids.NodeID(node)

		if existing, err := c.store.GetNode(ctx, node.UUID, episode.GroupID); err == nil {
			if !strings.EqualFold(existing.Name, node.Name) || existing.Kind != node.Kind {
				err := &types.IdentityCollisionError{UUID: node.UUID, Existing: existing.Name, Incoming: node.Name}
				c.logger.Error("identity collision", "uuid", node.UUID,
					"existing", existing.Name, "incoming", node.Name)
				result.itemError(StateResolving, draft.Name, err)
				continue
			}
		}

		candidates, err := c.searcher.DuplicateCandidates(ctx, node)
		if err != nil {
			result.itemError(StateResolving, draft.Name, err)
			continue
		}
		res := c.resolver.ResolveEntity(node, candidates)

		target := node
		if res.Existing != nil {
			target = resolve.MergeMatchedEntity(res.Existing, node)
			c.logger.Debug("entity matched",
				"draft", draft.Name, "existing", res.Existing.UUID, "score", res.Score)
		}
		if err := c.store.UpsertNode(ctx, target); err != nil {
			result.itemError(StateResolving, draft.Name, err)
			continue
		}
		resolved[draft.Name] = target
		result.Entities = append(result.Entities, target.UUID)

		for _, extra := range res.ExtraDuplicates {
			merges = append(merges, mergeTask{canonicalID: target.UUID, duplicateID: extra.UUID})
		}
	}
	return resolved, merges
}

// linkMentions creates one mentions edge from the episodic node to every
// entity it resolved. Identifiers stay distinct per entity even when the
// identifier scheme is deterministic; a collision with a structurally
// different edge is reported, never silently overwritten.
func (c *Client) linkMentions(ctx context.Context, episode *types.Episode, resolved map[string]*types.Node, result *Result) error {
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entity := resolved[name]
		edge := &types.Edge{
			Kind:      types.MentionsEdge,
			SourceID:  episode.UUID,
			TargetID:  entity.UUID,
			GroupID:   episode.GroupID,
			Name:      types.MentionsRelation,
			CreatedAt: c.now(),
			ValidAt:   episode.Reference,
			Episodes:  []string{episode.UUID},
		}
		id, err := c.ids.EdgeID(edge)
		if err != nil {
			result.itemError(StateResolving, name, err)
			continue
		}
		edge.UUID = id

		if existing, err := c.store.GetEdge(ctx, edge.UUID, episode.GroupID); err == nil {
			if !existing.StructurallyEqual(edge) {
				collision := &types.IdentityCollisionError{UUID: edge.UUID,
					Existing: existing.Name, Incoming: edge.Name}
				c.logger.Error("identity collision", "uuid", edge.UUID,
					"existing_source", existing.SourceID, "incoming_source", edge.SourceID)
				result.itemError(StateResolving, name, collision)
				continue
			}
			existing.AddEpisode(episode.UUID)
			edge = existing
		}
		if err := c.store.UpsertEdge(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

// resolveFacts turns draft facts into live fact edges, folding repeats of
// an existing assertion into it. The returned edges are the genuinely new
// ones, which invalidation then checks against the live graph.
func (c *Client) resolveFacts(ctx context.Context, episode *types.Episode, drafts []types.DraftFact, resolved map[string]*types.Node, result *Result) []*types.Edge {
	embeddings := c.embedFacts(ctx, drafts, result)

	var newFacts []*types.Edge
	for i, draft := range drafts {
		source, ok := resolved[draft.SourceName]
		if !ok {
			result.itemError(StateResolving, draft.Relation,
				fmt.Errorf("fact endpoint %q not resolved", draft.SourceName))
			continue
		}
		target, ok := resolved[draft.TargetName]
		if !ok {
			result.itemError(StateResolving, draft.Relation,
				fmt.Errorf("fact endpoint %q not resolved", draft.TargetName))
			continue
		}

		validAt := episode.Reference
		if draft.ValidAt != nil {
			validAt = *draft.ValidAt
		}
		edge := &types.Edge{
			Kind:      types.FactEdge,
			SourceID:  source.UUID,
			TargetID:  target.UUID,
			GroupID:   episode.GroupID,
			Name:      normalizeRelationName(draft.Relation),
			Fact:      draft.Fact,
			CreatedAt: c.now(),
			ValidAt:   validAt,
			Episodes:  []string{episode.UUID},
		}
		if embeddings != nil {
			edge.FactEmbedding = embeddings[i]
		}
		if err := edge.Validate(); err != nil {
			result.itemError(StateResolving, draft.Relation, err)
			continue
		}
		id, err := c.ids.EdgeID(edge)
		if err != nil {
			result.itemError(StateResolving, draft.Relation, err)
			continue
		}
		edge.UUID = id

		candidates, err := c.store.EdgesBetween(ctx, episode.GroupID, source.UUID, target.UUID)
		if err != nil {
			result.itemError(StateResolving, draft.Relation, err)
			continue
		}
		res := c.resolver.ResolveFact(edge, candidates)
		if res.Existing != nil {
			merged := resolve.MergeMatchedFact(res.Existing, edge)
			if err := c.store.UpsertEdge(ctx, merged); err != nil {
				result.itemError(StateResolving, draft.Relation, err)
				continue
			}
			result.Facts = append(result.Facts, merged.UUID)
			c.logger.Debug("fact matched existing assertion",
				"existing", res.Existing.UUID, "relation", edge.Name)
			continue
		}

		if err := c.store.UpsertEdge(ctx, edge); err != nil {
			result.itemError(StateResolving, draft.Relation, err)
			continue
		}
		result.Facts = append(result.Facts, edge.UUID)
		newFacts = append(newFacts, edge)
	}
	return newFacts
}

// embedNames batch-embeds entity names. Embedding trouble degrades to
// lexical-only resolution rather than failing the episode.
func (c *Client) embedNames(ctx context.Context, drafts []types.DraftEntity, result *Result) [][]float32 {
	if c.embedder == nil || len(drafts) == 0 {
		return nil
	}
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Name
	}
	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		c.logger.Warn("name embedding failed, resolving lexically", "error", err)
		result.itemError(StateResolving, "embeddings", fmt.Errorf("name embedding: %w", err))
		return nil
	}
	return vecs
}

func (c *Client) embedFacts(ctx context.Context, drafts []types.DraftFact, result *Result) [][]float32 {
	if c.embedder == nil || len(drafts) == 0 {
		return nil
	}
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Fact
		if texts[i] == "" {
			texts[i] = d.SourceName + " " + d.Relation + " " + d.TargetName
		}
	}
	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		c.logger.Warn("fact embedding failed, resolving lexically", "error", err)
		result.itemError(StateResolving, "embeddings", fmt.Errorf("fact embedding: %w", err))
		return nil
	}
	return vecs
}

// outcomeFor classifies a blocking failure for the ingestion queue.
// Invalid input never becomes valid by retrying; everything else might.
func outcomeFor(err error) Outcome {
	if errors.Is(err, ErrValidation) {
		return OutcomeDeadLetter
	}
	return OutcomeRetry
}

func normalizeRelationName(rel string) string {
	rel = strings.TrimSpace(rel)
	rel = strings.ReplaceAll(rel, " ", "_")
	return strings.ToUpper(rel)
}

func sortEpisodesDesc(nodes []*types.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].Reference.Equal(nodes[j].Reference) {
			return nodes[i].Reference.After(nodes[j].Reference)
		}
		return nodes[i].UUID < nodes[j].UUID
	})
}

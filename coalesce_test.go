package coalesce_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coalesce "github.com/coalescedb/coalesce"
	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/merge"
	"github.com/coalescedb/coalesce/pkg/provider"
	"github.com/coalescedb/coalesce/pkg/types"
)

// scriptedExtractor returns a canned extraction per episode content,
// standing in for the language model.
type scriptedExtractor struct {
	script map[string]*provider.Extraction
	calls  int
}

func (s *scriptedExtractor) Extract(_ context.Context, episode *types.Episode, _ []*types.Episode) (*provider.Extraction, error) {
	s.calls++
	if ext, ok := s.script[episode.Content]; ok {
		return ext, nil
	}
	return &provider.Extraction{}, nil
}

func newEngine(t *testing.T, extractor provider.Extractor, opts *coalesce.Options) (*coalesce.Client, *driver.BadgerStore) {
	t.Helper()
	store, err := driver.NewBadgerStore("")
	require.NoError(t, err)
	journal, err := merge.NewJournal("")
	require.NoError(t, err)
	client := coalesce.NewClient(store, nil, extractor, journal, opts)
	t.Cleanup(func() { client.Close(context.Background()) })
	return client, store
}

func episodeAt(groupID, content string, ref time.Time) *types.Episode {
	return &types.Episode{
		GroupID:   groupID,
		Content:   content,
		Reference: ref,
		Source:    types.SourceMessage,
	}
}

func TestProcessLinksDistinctMentions(t *testing.T) {
	extractor := &scriptedExtractor{script: map[string]*provider.Extraction{
		"Alice met Bob": {
			Entities: []types.DraftEntity{
				{Name: "Alice", Labels: []string{"Person"}},
				{Name: "Bob", Labels: []string{"Person"}},
			},
		},
	}}
	eng, _ := newEngine(t, extractor, nil)
	ctx := context.Background()

	result := eng.Process(ctx, episodeAt("g", "Alice met Bob", time.Now().UTC()))
	require.Equal(t, coalesce.OutcomeAck, result.Outcome)
	require.Equal(t, coalesce.StatePersisted, result.State)
	assert.Len(t, result.Entities, 2)
	assert.Empty(t, result.ItemErrors)

	// Two distinct mentions edges, one per entity, despite both sharing
	// the episode as source and the sentinel relation name.
	stats, err := eng.Stats(ctx, "g")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.EdgesByKind[string(types.MentionsEdge)])
	assert.EqualValues(t, 3, stats.Nodes)
}

func TestProcessSupersedesContradictedFact(t *testing.T) {
	t0 := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	extractor := &scriptedExtractor{script: map[string]*provider.Extraction{
		"Alice joined Acme": {
			Entities: []types.DraftEntity{{Name: "Alice"}, {Name: "Acme"}},
			Facts: []types.DraftFact{{
				SourceName: "Alice", TargetName: "Acme",
				Relation: "works at", Fact: "Alice works at Acme",
			}},
		},
		"Alice moved to Globex": {
			Entities: []types.DraftEntity{{Name: "Alice"}, {Name: "Globex"}},
			Facts: []types.DraftFact{{
				SourceName: "Alice", TargetName: "Globex",
				Relation: "works at", Fact: "Alice works at Globex",
			}},
		},
	}}
	eng, _ := newEngine(t, extractor, nil)
	ctx := context.Background()

	first := eng.Process(ctx, episodeAt("g", "Alice joined Acme", t0))
	require.Equal(t, coalesce.OutcomeAck, first.Outcome)
	require.Len(t, first.Facts, 1)
	assert.Empty(t, first.Superseded)

	second := eng.Process(ctx, episodeAt("g", "Alice moved to Globex", t1))
	require.Equal(t, coalesce.OutcomeAck, second.Outcome)
	require.Len(t, second.Superseded, 1)
	assert.Equal(t, first.Facts[0], second.Superseded[0])

	old, err := eng.GetEdge(ctx, first.Facts[0], "g")
	require.NoError(t, err)
	require.NotNil(t, old.InvalidAt)
	assert.True(t, old.InvalidAt.Equal(t1), "old fact closes at the new fact's valid time")
	assert.NotNil(t, old.ExpiredAt)
	assert.False(t, old.IsLive())

	current, err := eng.GetEdge(ctx, second.Facts[0], "g")
	require.NoError(t, err)
	assert.True(t, current.IsLive())
}

func TestProcessMergesResolvedDuplicates(t *testing.T) {
	extractor := &scriptedExtractor{script: map[string]*provider.Extraction{
		"Acme shipped a robot": {
			Entities: []types.DraftEntity{{Name: "Acme Corp"}},
		},
	}}
	eng, store := newEngine(t, extractor, nil)
	ctx := context.Background()

	// Two pre-existing nodes with the same case-folded name, as two
	// earlier uncoordinated writers would leave behind.
	older := &types.Node{
		UUID: "n-older", Name: "Acme Corp", Kind: types.EntityNode, GroupID: "g",
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	newer := &types.Node{
		UUID: "n-newer", Name: "ACME CORP", Kind: types.EntityNode, GroupID: "g",
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.UpsertNode(ctx, older))
	require.NoError(t, store.UpsertNode(ctx, newer))

	result := eng.Process(ctx, episodeAt("g", "Acme shipped a robot", time.Now().UTC()))
	require.Equal(t, coalesce.OutcomeAck, result.Outcome)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "n-older", result.Entities[0], "oldest node is canonical")
	require.Len(t, result.Merged, 1)
	assert.Equal(t, "n-newer", result.Merged[0])

	dup, err := eng.GetNode(ctx, "n-newer", "g")
	require.NoError(t, err)
	assert.Equal(t, "n-older", dup.MergedInto())
}

func TestProcessEmptyContentDeadLetters(t *testing.T) {
	eng, _ := newEngine(t, &scriptedExtractor{}, nil)

	result := eng.Process(context.Background(), episodeAt("g", "   ", time.Now().UTC()))
	assert.Equal(t, coalesce.StateFailed, result.State)
	assert.Equal(t, coalesce.OutcomeDeadLetter, result.Outcome)
	assert.ErrorIs(t, result.Err, coalesce.ErrValidation)
}

func TestProcessMissingGroupDeadLetters(t *testing.T) {
	eng, _ := newEngine(t, &scriptedExtractor{}, nil)

	result := eng.Process(context.Background(), episodeAt("", "hello", time.Now().UTC()))
	assert.Equal(t, coalesce.OutcomeDeadLetter, result.Outcome)
}

func TestProcessWithoutExtractorRetries(t *testing.T) {
	eng, _ := newEngine(t, nil, nil)

	result := eng.Process(context.Background(), episodeAt("g", "hello", time.Now().UTC()))
	assert.Equal(t, coalesce.StateFailed, result.State)
	assert.Equal(t, coalesce.OutcomeRetry, result.Outcome)
	assert.ErrorIs(t, result.Err, coalesce.ErrProviderUnavailable)
}

func TestAddExhaustedRetriesDeadLetter(t *testing.T) {
	opts := coalesce.DefaultOptions()
	opts.Workers = 2
	opts.MaxRetries = 1
	eng, _ := newEngine(t, nil, opts)

	results := eng.Add(context.Background(), []*types.Episode{
		episodeAt("g", "hello", time.Now().UTC()),
	})
	require.Len(t, results, 1)
	assert.Equal(t, coalesce.OutcomeDeadLetter, results[0].Outcome,
		"a retryable failure that survives the budget is parked")
}

func TestAddPreservesInputOrder(t *testing.T) {
	extractor := &scriptedExtractor{script: map[string]*provider.Extraction{}}
	opts := coalesce.DefaultOptions()
	opts.Workers = 4
	eng, _ := newEngine(t, extractor, opts)

	now := time.Now().UTC()
	episodes := make([]*types.Episode, 6)
	for i := range episodes {
		episodes[i] = episodeAt("g", "note "+string(rune('a'+i)), now.Add(time.Duration(i)*time.Second))
	}
	results := eng.Add(context.Background(), episodes)
	require.Len(t, results, 6)
	for i, r := range results {
		require.NotNil(t, r, "result %d missing", i)
		assert.Equal(t, episodes[i].UUID, r.EpisodeID)
		assert.Equal(t, coalesce.OutcomeAck, r.Outcome)
	}
}

func TestSearchFindsIngestedFact(t *testing.T) {
	extractor := &scriptedExtractor{script: map[string]*provider.Extraction{
		"Alice joined Acme": {
			Entities: []types.DraftEntity{{Name: "Alice"}, {Name: "Acme"}},
			Facts: []types.DraftFact{{
				SourceName: "Alice", TargetName: "Acme",
				Relation: "works at", Fact: "Alice works at Acme",
			}},
		},
	}}
	eng, _ := newEngine(t, extractor, nil)
	ctx := context.Background()

	result := eng.Process(ctx, episodeAt("g", "Alice joined Acme", time.Now().UTC()))
	require.Equal(t, coalesce.OutcomeAck, result.Outcome)

	edges, err := eng.Search(ctx, "g", "Where does Alice work?")
	require.NoError(t, err)
	require.NotEmpty(t, edges)
	assert.Equal(t, "Alice works at Acme", edges[0].Fact)

	_, err = eng.Search(ctx, "g", "")
	assert.ErrorIs(t, err, coalesce.ErrValidation)
}

func TestGetEpisodesNewestFirst(t *testing.T) {
	extractor := &scriptedExtractor{script: map[string]*provider.Extraction{}}
	eng, _ := newEngine(t, extractor, nil)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := eng.Process(ctx, episodeAt("g", "note "+string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour)))
		require.Equal(t, coalesce.OutcomeAck, r.Outcome)
	}

	episodes, err := eng.GetEpisodes(ctx, "g", 2)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, "note c", episodes[0].Content)
	assert.Equal(t, "note b", episodes[1].Content)
}

func TestProcessReplayConverges(t *testing.T) {
	extractor := &scriptedExtractor{script: map[string]*provider.Extraction{
		"Alice joined Acme": {
			Entities: []types.DraftEntity{{Name: "Alice"}, {Name: "Acme"}},
			Facts: []types.DraftFact{{
				SourceName: "Alice", TargetName: "Acme",
				Relation: "works at", Fact: "Alice works at Acme",
			}},
		},
	}}
	eng, _ := newEngine(t, extractor, nil)
	ctx := context.Background()

	ref := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	episode := episodeAt("g", "Alice joined Acme", ref)
	episode.UUID = "ep-replay"

	first := eng.Process(ctx, episode)
	require.Equal(t, coalesce.OutcomeAck, first.Outcome)
	before, err := eng.Stats(ctx, "g")
	require.NoError(t, err)

	// A delivery retry replays the identical episode. Deterministic
	// identifiers make the second pass land on the same elements.
	replay := episodeAt("g", "Alice joined Acme", ref)
	replay.UUID = "ep-replay"
	second := eng.Process(ctx, replay)
	require.Equal(t, coalesce.OutcomeAck, second.Outcome)
	assert.Empty(t, second.Superseded, "replaying an assertion must not supersede it")
	assert.ElementsMatch(t, first.Entities, second.Entities)
	assert.ElementsMatch(t, first.Facts, second.Facts)

	after, err := eng.Stats(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Edges, after.Edges, "the replay must not create new graph elements")
	assert.Equal(t, before.LiveFacts, after.LiveFacts)
	assert.EqualValues(t, 1, after.EdgesByKind[string(types.FactEdge)])
}

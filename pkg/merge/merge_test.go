package merge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/identity"
	"github.com/coalescedb/coalesce/pkg/merge"
	"github.com/coalescedb/coalesce/pkg/types"
)

type fixture struct {
	store   *driver.BadgerStore
	journal *merge.Journal
	merger  *merge.Merger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := driver.NewBadgerStore("")
	require.NoError(t, err)
	journal, err := merge.NewJournal("")
	require.NoError(t, err)
	t.Cleanup(func() {
		journal.Close()
		store.Close(context.Background())
	})
	merger := merge.NewMerger(store, journal, identity.NewAssigner(true), nil)
	return &fixture{store: store, journal: journal, merger: merger}
}

func (f *fixture) entity(t *testing.T, uuid, name string) *types.Node {
	t.Helper()
	node := &types.Node{
		UUID: uuid, Name: name, Kind: types.EntityNode, GroupID: "g",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.UpsertNode(context.Background(), node))
	return node
}

func (f *fixture) fact(t *testing.T, uuid, source, target, relation string) *types.Edge {
	t.Helper()
	edge := &types.Edge{
		UUID: uuid, Kind: types.FactEdge, SourceID: source, TargetID: target,
		GroupID: "g", Name: relation, Fact: source + " " + relation + " " + target,
		CreatedAt: time.Now().UTC(), ValidAt: time.Now().UTC().Add(-time.Hour),
		Episodes: []string{"ep-" + uuid},
	}
	require.NoError(t, f.store.UpsertEdge(context.Background(), edge))
	return edge
}

func TestMergeTransfersAllRelationships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.entity(t, "canonical", "Acme")
	f.entity(t, "duplicate", "Acme Corp")
	f.entity(t, "alice", "Alice")
	f.entity(t, "bob", "Bob")

	f.fact(t, "e-out", "duplicate", "alice", "EMPLOYS")
	f.fact(t, "e-in", "bob", "duplicate", "WORKS_AT")

	require.NoError(t, f.merger.Merge(ctx, "g", "canonical", "duplicate"))

	// Duplicate holds exactly one edge afterward: the audit edge.
	incident, err := f.store.EdgesIncident(ctx, "g", "duplicate")
	require.NoError(t, err)
	require.Len(t, incident, 1)
	audit := incident[0]
	assert.Equal(t, types.DuplicateOfEdge, audit.Kind)
	assert.Equal(t, "duplicate", audit.SourceID)
	assert.Equal(t, "canonical", audit.TargetID)

	// Both relationships now live on the canonical, direction preserved.
	out, err := f.store.EdgesIncident(ctx, "g", "canonical")
	require.NoError(t, err)
	var relations []string
	for _, e := range out {
		if e.Kind == types.FactEdge {
			relations = append(relations, e.Name)
			if e.Name == "EMPLOYS" {
				assert.Equal(t, "canonical", e.SourceID)
			}
			if e.Name == "WORKS_AT" {
				assert.Equal(t, "canonical", e.TargetID)
			}
		}
	}
	assert.ElementsMatch(t, []string{"EMPLOYS", "WORKS_AT"}, relations)

	// Duplicate is tombstoned, not deleted.
	dup, err := f.store.GetNode(ctx, "duplicate", "g")
	require.NoError(t, err)
	assert.Equal(t, "canonical", dup.MergedInto())

	// Journal is clear.
	pending, err := f.journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMergeFoldsParallelEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.entity(t, "canonical", "Acme")
	f.entity(t, "duplicate", "Acme Corp")
	f.entity(t, "alice", "Alice")

	f.fact(t, "e-keep", "alice", "canonical", "WORKS_AT")
	f.fact(t, "e-dup", "alice", "duplicate", "WORKS_AT")

	require.NoError(t, f.merger.Merge(ctx, "g", "canonical", "duplicate"))

	// The duplicate's edge was folded, not duplicated.
	_, err := f.store.GetEdge(ctx, "e-dup", "g")
	assert.ErrorIs(t, err, driver.ErrEdgeNotFound)

	kept, err := f.store.GetEdge(ctx, "e-keep", "g")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ep-e-keep", "ep-e-dup"}, kept.Episodes,
		"episode provenance must be unioned")
}

func TestMergeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.entity(t, "canonical", "Acme")
	f.entity(t, "duplicate", "Acme Corp")
	f.entity(t, "alice", "Alice")
	f.fact(t, "e1", "alice", "duplicate", "WORKS_AT")

	require.NoError(t, f.merger.Merge(ctx, "g", "canonical", "duplicate"))
	require.NoError(t, f.merger.Merge(ctx, "g", "canonical", "duplicate"))

	incident, err := f.store.EdgesIncident(ctx, "g", "canonical")
	require.NoError(t, err)
	facts := 0
	for _, e := range incident {
		if e.Kind == types.FactEdge {
			facts++
		}
	}
	assert.Equal(t, 1, facts, "re-running a completed merge must not duplicate edges")
}

func TestMergeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.entity(t, "canonical", "Acme")

	err := f.merger.Merge(ctx, "g", "canonical", "canonical")
	assert.ErrorIs(t, err, types.ErrValidation)

	err = f.merger.Merge(ctx, "g", "canonical", "missing")
	assert.ErrorIs(t, err, driver.ErrNodeNotFound)
}

func TestMergeRejectsEpisodicNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.entity(t, "canonical", "Acme")
	episode := &types.Node{
		UUID: "ep1", Name: "msg", Kind: types.EpisodicNode, GroupID: "g",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.UpsertNode(ctx, episode))

	err := f.merger.Merge(ctx, "g", "canonical", "ep1")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestMergeMergesNodeData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	canonical := f.entity(t, "canonical", "Acme")
	canonical.Attributes = map[string]any{"industry": "robotics"}
	require.NoError(t, f.store.UpsertNode(ctx, canonical))

	duplicate := f.entity(t, "duplicate", "Acme Corp")
	duplicate.Summary = "a robotics company"
	duplicate.Attributes = map[string]any{"industry": "toys", "founded": 1985}
	require.NoError(t, f.store.UpsertNode(ctx, duplicate))

	require.NoError(t, f.merger.Merge(ctx, "g", "canonical", "duplicate"))

	got, err := f.store.GetNode(ctx, "canonical", "g")
	require.NoError(t, err)
	assert.Equal(t, "a robotics company", got.Summary)
	assert.Equal(t, "robotics", got.Attributes["industry"], "canonical attribute wins conflicts")
	assert.EqualValues(t, 1985, got.Attributes["founded"])
}

func TestMergeResumesFromJournalMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.entity(t, "canonical", "Acme")
	f.entity(t, "duplicate", "Acme Corp")
	f.entity(t, "alice", "Alice")
	f.fact(t, "e1", "alice", "duplicate", "WORKS_AT")

	// Simulate a crash right after the saga began: marker recorded, no
	// work applied yet.
	require.NoError(t, f.journal.Record(merge.Progress{
		GroupID: "g", CanonicalID: "canonical", DuplicateID: "duplicate",
		Step: merge.StepStarted,
	}))

	resumed, err := f.merger.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	incident, err := f.store.EdgesIncident(ctx, "g", "duplicate")
	require.NoError(t, err)
	require.Len(t, incident, 1)
	assert.Equal(t, types.DuplicateOfEdge, incident[0].Kind)

	dup, err := f.store.GetNode(ctx, "duplicate", "g")
	require.NoError(t, err)
	assert.Equal(t, "canonical", dup.MergedInto())

	pending, err := f.journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPairLockExclusive(t *testing.T) {
	journal, err := merge.NewJournal("")
	require.NoError(t, err)
	defer journal.Close()

	pair := merge.PairKey("a", "b")
	release, err := journal.Acquire("g", pair, time.Minute)
	require.NoError(t, err)

	// A second in-process acquirer blocks until the holder releases. Node
	// order does not matter, both orders map to the same pair.
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		r2, err := journal.Acquire("g", merge.PairKey("b", "a"), time.Minute)
		assert.NoError(t, err)
		if err == nil {
			r2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestPairKeyOrderIndependent(t *testing.T) {
	assert.Equal(t, merge.PairKey("x", "y"), merge.PairKey("y", "x"))
	assert.NotEqual(t, merge.PairKey("x", "y"), merge.PairKey("x", "z"))
}

func TestJournalRoundTrip(t *testing.T) {
	journal, err := merge.NewJournal("")
	require.NoError(t, err)
	defer journal.Close()

	p := merge.Progress{GroupID: "g", CanonicalID: "c", DuplicateID: "d", Step: merge.StepTransferred}
	require.NoError(t, journal.Record(p))

	got, err := journal.Load("g", "c", "d")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, merge.StepTransferred, got.Step)

	pending, err := journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, journal.Clear("g", "c", "d"))
	got, err = journal.Load("g", "c", "d")
	require.NoError(t, err)
	assert.Nil(t, got)
}

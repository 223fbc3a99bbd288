package driver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/types"
)

func newStore(t *testing.T) *driver.BadgerStore {
	t.Helper()
	store, err := driver.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	return store
}

func entity(uuid, name, group string) *types.Node {
	return &types.Node{
		UUID: uuid, Name: name, Kind: types.EntityNode, GroupID: group,
		CreatedAt: time.Now().UTC(),
	}
}

func fact(uuid, source, target, relation, group string, validAt time.Time) *types.Edge {
	return &types.Edge{
		UUID: uuid, Kind: types.FactEdge, SourceID: source, TargetID: target,
		GroupID: group, Name: relation, CreatedAt: time.Now().UTC(), ValidAt: validAt,
	}
}

func TestNodeRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	node := entity("n1", "Alice", "g")
	node.Summary = "an engineer"
	node.Attributes = map[string]any{"role": "engineer"}
	require.NoError(t, store.UpsertNode(ctx, node))

	got, err := store.GetNode(ctx, "n1", "g")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "an engineer", got.Summary)
	assert.Equal(t, "engineer", got.Attributes["role"])

	_, err = store.GetNode(ctx, "missing", "g")
	assert.ErrorIs(t, err, driver.ErrNodeNotFound)
}

func TestPartitionIsolation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNode(ctx, entity("n1", "Alice", "tenant-a")))

	_, err := store.GetNode(ctx, "n1", "tenant-b")
	assert.ErrorIs(t, err, driver.ErrNodeNotFound)

	nodes, err := store.MatchNodes(ctx, "tenant-b", driver.NodeFilter{}, 0)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestUpsertEdgeRejectsCrossPartitionEndpoints(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNode(ctx, entity("a", "Alice", "g1")))
	require.NoError(t, store.UpsertNode(ctx, entity("b", "Acme", "g2")))

	err := store.UpsertEdge(ctx, fact("e1", "a", "b", "WORKS_AT", "g1", time.Now()))
	var mismatch *types.PartitionMismatchError
	require.Error(t, err)
	assert.True(t, errors.As(err, &mismatch))
}

func TestEdgesBetweenAndIncident(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, n := range []*types.Node{entity("a", "Alice", "g"), entity("b", "Acme", "g"), entity("c", "Bob", "g")} {
		require.NoError(t, store.UpsertNode(ctx, n))
	}
	require.NoError(t, store.UpsertEdge(ctx, fact("e1", "a", "b", "WORKS_AT", "g", now)))
	require.NoError(t, store.UpsertEdge(ctx, fact("e2", "b", "a", "EMPLOYS", "g", now)))
	require.NoError(t, store.UpsertEdge(ctx, fact("e3", "a", "c", "KNOWS", "g", now)))

	between, err := store.EdgesBetween(ctx, "g", "a", "b")
	require.NoError(t, err)
	require.Len(t, between, 2)
	assert.Equal(t, "e1", between[0].UUID)
	assert.Equal(t, "e2", between[1].UUID)

	incident, err := store.EdgesIncident(ctx, "g", "a")
	require.NoError(t, err)
	assert.Len(t, incident, 3)

	incident, err = store.EdgesIncident(ctx, "g", "c")
	require.NoError(t, err)
	require.Len(t, incident, 1)
	assert.Equal(t, "e3", incident[0].UUID)
}

func TestUpsertEdgeRepointUpdatesIncidence(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, n := range []*types.Node{entity("a", "Alice", "g"), entity("b", "Acme", "g"), entity("c", "Globex", "g")} {
		require.NoError(t, store.UpsertNode(ctx, n))
	}
	edge := fact("e1", "a", "b", "WORKS_AT", "g", now)
	require.NoError(t, store.UpsertEdge(ctx, edge))

	edge.TargetID = "c"
	require.NoError(t, store.UpsertEdge(ctx, edge))

	incident, err := store.EdgesIncident(ctx, "g", "b")
	require.NoError(t, err)
	assert.Empty(t, incident, "stale incidence entry survived re-point")

	incident, err = store.EdgesIncident(ctx, "g", "c")
	require.NoError(t, err)
	require.Len(t, incident, 1)
	assert.Equal(t, "e1", incident[0].UUID)
}

func TestDeleteEdgeCleansIncidence(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertNode(ctx, entity("a", "Alice", "g")))
	require.NoError(t, store.UpsertNode(ctx, entity("b", "Acme", "g")))
	require.NoError(t, store.UpsertEdge(ctx, fact("e1", "a", "b", "WORKS_AT", "g", time.Now())))

	require.NoError(t, store.DeleteEdge(ctx, "e1", "g"))

	_, err := store.GetEdge(ctx, "e1", "g")
	assert.ErrorIs(t, err, driver.ErrEdgeNotFound)

	incident, err := store.EdgesIncident(ctx, "g", "a")
	require.NoError(t, err)
	assert.Empty(t, incident)

	// Deleting again is a no-op.
	assert.NoError(t, store.DeleteEdge(ctx, "e1", "g"))
}

func TestSetEdgeFieldsCAS(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertNode(ctx, entity("a", "Alice", "g")))
	require.NoError(t, store.UpsertNode(ctx, entity("b", "Acme", "g")))
	require.NoError(t, store.UpsertEdge(ctx, fact("e1", "a", "b", "WORKS_AT", "g", now.Add(-time.Hour))))

	invalidAt := now
	expiredAt := now
	err := store.SetEdgeFields(ctx, "e1", "g", driver.EdgeUpdate{InvalidAt: &invalidAt, ExpiredAt: &expiredAt}, true)
	require.NoError(t, err)

	got, err := store.GetEdge(ctx, "e1", "g")
	require.NoError(t, err)
	assert.False(t, got.IsLive())
	require.NotNil(t, got.ExpiredAt)

	// Second closer loses the race.
	later := now.Add(time.Minute)
	err = store.SetEdgeFields(ctx, "e1", "g", driver.EdgeUpdate{InvalidAt: &later}, true)
	assert.ErrorIs(t, err, driver.ErrStale)

	// Without the predicate the update still applies.
	newFact := "updated text"
	require.NoError(t, store.SetEdgeFields(ctx, "e1", "g", driver.EdgeUpdate{Fact: &newFact}, false))
	got, err = store.GetEdge(ctx, "e1", "g")
	require.NoError(t, err)
	assert.Equal(t, "updated text", got.Fact)

	err = store.SetEdgeFields(ctx, "missing", "g", driver.EdgeUpdate{Fact: &newFact}, false)
	assert.ErrorIs(t, err, driver.ErrEdgeNotFound)
}

func TestMatchEdgesLiveFilter(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertNode(ctx, entity("a", "Alice", "g")))
	require.NoError(t, store.UpsertNode(ctx, entity("b", "Acme", "g")))

	live := fact("e1", "a", "b", "WORKS_AT", "g", now.Add(-2*time.Hour))
	closed := fact("e2", "a", "b", "WORKS_AT", "g", now.Add(-3*time.Hour))
	invalidAt := now.Add(-time.Hour)
	closed.InvalidAt = &invalidAt
	require.NoError(t, store.UpsertEdge(ctx, live))
	require.NoError(t, store.UpsertEdge(ctx, closed))

	liveOnly := true
	edges, err := store.MatchEdges(ctx, "g", driver.EdgeFilter{Name: "WORKS_AT", Live: &liveOnly}, 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "e1", edges[0].UUID)

	deadOnly := false
	edges, err = store.MatchEdges(ctx, "g", driver.EdgeFilter{Live: &deadOnly}, 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "e2", edges[0].UUID)
}

func TestVectorSearchDeterministicOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	mk := func(uuid string, vec []float32) *types.Node {
		n := entity(uuid, "Entity "+uuid, "g")
		n.NameEmbedding = vec
		return n
	}
	// n2 and n3 score identically against the query; UUID breaks the tie.
	require.NoError(t, store.UpsertNode(ctx, mk("n1", []float32{1, 0})))
	require.NoError(t, store.UpsertNode(ctx, mk("n3", []float32{0, 1})))
	require.NoError(t, store.UpsertNode(ctx, mk("n2", []float32{0, 1})))

	nodes, scores, err := store.SearchNodesByVector(ctx, "g", []float32{1, 0}, 10, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "n1", nodes[0].UUID)
	assert.Equal(t, "n2", nodes[1].UUID)
	assert.Equal(t, "n3", nodes[2].UUID)
	assert.Greater(t, scores[0], scores[1])
	assert.Equal(t, scores[1], scores[2])
}

func TestTextSearch(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	alice := entity("n1", "Alice Smith", "g")
	alice.Summary = "works on infrastructure"
	require.NoError(t, store.UpsertNode(ctx, alice))
	require.NoError(t, store.UpsertNode(ctx, entity("n2", "Acme", "g")))

	nodes, err := store.SearchNodesByText(ctx, "g", "alice", 10)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].UUID)

	nodes, err = store.SearchNodesByText(ctx, "g", "infrastructure", 10)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	edge := fact("e1", "n1", "n2", "WORKS_AT", "g", now)
	edge.Fact = "Alice Smith works at Acme"
	require.NoError(t, store.UpsertEdge(ctx, edge))

	edges, err := store.SearchEdgesByText(ctx, "g", "works at", 10)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	edges, err = store.SearchEdgesByText(ctx, "g", "", 10)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestStats(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertNode(ctx, entity("a", "Alice", "g")))
	require.NoError(t, store.UpsertNode(ctx, entity("b", "Acme", "g")))
	episode := &types.Node{UUID: "ep1", Name: "msg", Kind: types.EpisodicNode, GroupID: "g", CreatedAt: now}
	require.NoError(t, store.UpsertNode(ctx, episode))

	live := fact("e1", "a", "b", "WORKS_AT", "g", now.Add(-2*time.Hour))
	closed := fact("e2", "a", "b", "LIVES_IN", "g", now.Add(-3*time.Hour))
	invalidAt := now.Add(-time.Hour)
	closed.InvalidAt = &invalidAt
	require.NoError(t, store.UpsertEdge(ctx, live))
	require.NoError(t, store.UpsertEdge(ctx, closed))

	stats, err := store.Stats(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Nodes)
	assert.Equal(t, int64(2), stats.Edges)
	assert.Equal(t, int64(2), stats.NodesByKind["entity"])
	assert.Equal(t, int64(1), stats.NodesByKind["episodic"])
	assert.Equal(t, int64(1), stats.LiveFacts)
	assert.Equal(t, int64(1), stats.ExpiredFacts)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, driver.CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.5, driver.CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0.0, driver.CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, driver.CosineSimilarity(nil, []float32{1}))
	assert.Zero(t, driver.CosineSimilarity([]float32{1, 2}, []float32{1}))
}

package merge

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/identity"
	"github.com/coalescedb/coalesce/pkg/types"
)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal("")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func (j *Journal) inflightLen() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.inflight)
}

func TestTombstoneLeavesInputUnchanged(t *testing.T) {
	ctx := context.Background()
	store, err := driver.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(ctx) })
	m := NewMerger(store, newJournal(t), identity.NewAssigner(true), nil)

	canonical := &types.Node{
		UUID: "canonical", Name: "Acme", Kind: types.EntityNode, GroupID: "g",
		CreatedAt: time.Now().UTC(),
	}
	duplicate := &types.Node{
		UUID: "duplicate", Name: "Acme Corp", Kind: types.EntityNode, GroupID: "g",
		CreatedAt:  time.Now().UTC(),
		Attributes: map[string]any{"founded": 1985},
	}
	require.NoError(t, store.UpsertNode(ctx, canonical))
	require.NoError(t, store.UpsertNode(ctx, duplicate))

	require.NoError(t, m.tombstone(ctx, canonical, duplicate))

	assert.Len(t, duplicate.Attributes, 1)
	assert.NotContains(t, duplicate.Attributes, types.MergedIntoAttr)

	stored, err := store.GetNode(ctx, "duplicate", "g")
	require.NoError(t, err)
	assert.Equal(t, "canonical", stored.Attributes[types.MergedIntoAttr])
}

func TestAcquireReleasesInflightEntry(t *testing.T) {
	j := newJournal(t)

	release, err := j.Acquire("g", PairKey("a", "b"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, j.inflightLen())

	release()
	assert.Equal(t, 0, j.inflightLen())

	// Re-acquiring after a full release must not find stale state.
	release, err = j.Acquire("g", PairKey("a", "b"), time.Minute)
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, j.inflightLen())
}

func TestAcquireHeldLockLeavesNoInflightEntry(t *testing.T) {
	j := newJournal(t)

	// Advisory entry planted as another process would leave it.
	key := lockKey("g", PairKey("a", "b"))
	require.NoError(t, j.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, []byte("held")).WithTTL(time.Minute))
	}))

	_, err := j.Acquire("g", PairKey("a", "b"), time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Equal(t, 0, j.inflightLen())
}

// Package temporal closes the validity window of facts superseded by newer
// ones. Invalidated facts are never deleted; they stay queryable as
// history. All writes are per-fact compare-and-set on invalid_at so a
// concurrent invalidation of the same fact has exactly one winner.
package temporal

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/types"
)

// ErrLostRace is reported when another writer invalidated a fact first.
// Callers treat it as the other writer's success, not as a failure.
var ErrLostRace = errors.New("concurrent invalidation lost")

// Invalidator applies supersession decisions to the store.
type Invalidator struct {
	store  driver.GraphStore
	logger *slog.Logger
	// now is swappable for tests.
	now func() time.Time
}

// NewInvalidator creates an Invalidator.
func NewInvalidator(store driver.GraphStore, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Supersede closes the validity window of every candidate the new fact
// supersedes. A candidate is superseded when it is live, the two facts are
// contradictory, and the new fact's valid_at is not earlier than the
// candidate's. Returns the UUIDs whose windows this call closed; a lost
// compare-and-set is counted as the other writer's win and skipped.
func (inv *Invalidator) Supersede(ctx context.Context, newEdge *types.Edge, candidates []*types.Edge) ([]string, error) {
	var closed []string
	for _, cand := range candidates {
		if !cand.IsLive() {
			continue
		}
		if !Contradicts(newEdge, cand) {
			continue
		}
		if newEdge.ValidAt.Before(cand.ValidAt) {
			continue
		}

		invalidAt := newEdge.ValidAt
		expiredAt := inv.now()
		err := inv.store.SetEdgeFields(ctx, cand.UUID, cand.GroupID, driver.EdgeUpdate{
			InvalidAt: &invalidAt,
			ExpiredAt: &expiredAt,
		}, true)
		if errors.Is(err, driver.ErrStale) {
			inv.logger.Debug("invalidation lost to concurrent writer",
				"edge", cand.UUID, "group_id", cand.GroupID)
			continue
		}
		if err != nil {
			return closed, err
		}
		inv.logger.Info("fact invalidated",
			"edge", cand.UUID, "superseded_by", newEdge.UUID,
			"invalid_at", invalidAt, "group_id", cand.GroupID)
		closed = append(closed, cand.UUID)
	}
	return closed, nil
}

// SupersedeBatch applies a batch of new facts in increasing valid_at order,
// so when two new facts would invalidate the same existing fact the final
// invalid_at reflects the earliest superseding fact.
func (inv *Invalidator) SupersedeBatch(ctx context.Context, newEdges []*types.Edge, candidatesFor func(*types.Edge) ([]*types.Edge, error)) (map[string][]string, error) {
	ordered := append([]*types.Edge(nil), newEdges...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ValidAt.Before(ordered[j].ValidAt)
	})

	closed := make(map[string][]string)
	for _, edge := range ordered {
		candidates, err := candidatesFor(edge)
		if err != nil {
			return closed, err
		}
		ids, err := inv.Supersede(ctx, edge, candidates)
		if err != nil {
			return closed, err
		}
		if len(ids) > 0 {
			closed[edge.UUID] = ids
		}
	}
	return closed, nil
}

// Contradicts reports whether two facts are semantically mutually
// exclusive: same relation with a changed object, the same relation
// reversed between the same endpoints, or an explicit negation relation.
func Contradicts(newEdge, existing *types.Edge) bool {
	if newEdge.Kind != types.FactEdge || existing.Kind != types.FactEdge {
		return false
	}
	if isNegationOf(newEdge.Name, existing.Name) {
		return sharesEndpoint(newEdge, existing)
	}
	if !strings.EqualFold(newEdge.Name, existing.Name) {
		return false
	}
	// Same relation, same subject, different object: the object changed.
	if newEdge.SourceID == existing.SourceID && newEdge.TargetID != existing.TargetID {
		return true
	}
	// Same relation flipped between the same pair.
	if newEdge.SourceID == existing.TargetID && newEdge.TargetID == existing.SourceID {
		return true
	}
	return false
}

func sharesEndpoint(a, b *types.Edge) bool {
	return a.SourceID == b.SourceID || a.SourceID == b.TargetID ||
		a.TargetID == b.SourceID || a.TargetID == b.TargetID
}

// isNegationOf detects the explicit negation convention: NOT_<relation> or
// NO_<relation> contradicts <relation> and vice versa.
func isNegationOf(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "NOT_"), b) && strings.HasPrefix(strings.ToUpper(a), "NOT_") ||
		strings.EqualFold(strings.TrimPrefix(b, "NOT_"), a) && strings.HasPrefix(strings.ToUpper(b), "NOT_")
}

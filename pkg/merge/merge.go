// Package merge consolidates a pair of entity nodes decided to refer to
// the same real-world thing. Afterward the duplicate holds exactly one
// outgoing relationship, the audit edge to its canonical, and every
// relationship the duplicate used to hold exists on the canonical with no
// loss and no duplication.
//
// On backends exposing the native consolidation capability the transfer
// runs atomically in the store; elsewhere the manual per-relationship
// sequence runs as a saga with a persisted progress marker, so a crash
// mid-merge resumes from the last completed step.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/identity"
	"github.com/coalescedb/coalesce/pkg/types"
)

// DefaultLockTTL bounds how long a crashed holder can keep a pair locked.
const DefaultLockTTL = 5 * time.Minute

// PartialMergeError wraps a failure mid-saga. The marker in the journal
// makes the merge resumable; the error reports where it stopped.
type PartialMergeError struct {
	GroupID     string
	CanonicalID string
	DuplicateID string
	Step        Step
	Err         error
}

func (e *PartialMergeError) Error() string {
	return fmt.Sprintf("merge %s<-%s (group %s) failed after step %s: %v",
		e.CanonicalID, e.DuplicateID, e.GroupID, e.Step, e.Err)
}

func (e *PartialMergeError) Unwrap() error { return e.Err }

// Merger is the node merge engine.
type Merger struct {
	store   driver.GraphStore
	journal *Journal
	ids     *identity.Assigner
	logger  *slog.Logger
	lockTTL time.Duration
	now     func() time.Time
}

// NewMerger creates a Merger. The journal is required: it carries both the
// saga markers and the advisory pair locks.
func NewMerger(store driver.GraphStore, journal *Journal, ids *identity.Assigner, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		store:   store,
		journal: journal,
		ids:     ids,
		logger:  logger,
		lockTTL: DefaultLockTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetLockTTL overrides the advisory lock expiry.
func (m *Merger) SetLockTTL(d time.Duration) {
	if d > 0 {
		m.lockTTL = d
	}
}

// Merge consolidates duplicate into canonical. Re-running a completed
// merge is a no-op; re-running an interrupted one resumes from the
// journal marker. The merge is final only once the audit edge exists.
func (m *Merger) Merge(ctx context.Context, groupID, canonicalID, duplicateID string) error {
	if canonicalID == duplicateID {
		return &types.ValidationError{Field: "duplicate_id", Reason: "canonical and duplicate are the same node"}
	}

	canonical, err := m.store.GetNode(ctx, canonicalID, groupID)
	if err != nil {
		return fmt.Errorf("canonical %s: %w", canonicalID, err)
	}
	duplicate, err := m.store.GetNode(ctx, duplicateID, groupID)
	if err != nil {
		return fmt.Errorf("duplicate %s: %w", duplicateID, err)
	}
	if canonical.GroupID != duplicate.GroupID {
		return &types.PartitionMismatchError{Want: canonical.GroupID, Got: duplicate.GroupID}
	}
	if canonical.Kind != types.EntityNode || duplicate.Kind != types.EntityNode {
		return &types.ValidationError{Field: "kind", Reason: "merge applies to entity nodes only"}
	}

	release, err := m.journal.Acquire(groupID, PairKey(canonicalID, duplicateID), m.lockTTL)
	if err != nil {
		return err
	}
	defer release()

	done, err := m.alreadyMerged(ctx, groupID, canonicalID, duplicateID)
	if err != nil {
		return err
	}
	if done {
		// Finished earlier; a leftover marker just means the clear was
		// interrupted.
		return m.journal.Clear(groupID, canonicalID, duplicateID)
	}

	progress, err := m.journal.Load(groupID, canonicalID, duplicateID)
	if err != nil {
		return err
	}
	step := StepStarted
	if progress != nil {
		step = progress.Step
		m.logger.Info("resuming interrupted merge",
			"canonical", canonicalID, "duplicate", duplicateID, "group_id", groupID, "from_step", step)
	}
	if err := m.journal.Record(Progress{GroupID: groupID, CanonicalID: canonicalID, DuplicateID: duplicateID, Step: step}); err != nil {
		return err
	}

	if step == StepStarted {
		if err := m.transfer(ctx, groupID, canonicalID, duplicateID); err != nil {
			return &PartialMergeError{GroupID: groupID, CanonicalID: canonicalID, DuplicateID: duplicateID, Step: StepStarted, Err: err}
		}
		step = StepTransferred
		if err := m.journal.Record(Progress{GroupID: groupID, CanonicalID: canonicalID, DuplicateID: duplicateID, Step: step}); err != nil {
			return err
		}
	}

	if step == StepTransferred {
		if err := m.prune(ctx, groupID, canonicalID, duplicateID); err != nil {
			return &PartialMergeError{GroupID: groupID, CanonicalID: canonicalID, DuplicateID: duplicateID, Step: StepTransferred, Err: err}
		}
		step = StepPruned
		if err := m.journal.Record(Progress{GroupID: groupID, CanonicalID: canonicalID, DuplicateID: duplicateID, Step: step}); err != nil {
			return err
		}
	}

	if step == StepPruned {
		if err := m.audit(ctx, canonical, duplicate); err != nil {
			return &PartialMergeError{GroupID: groupID, CanonicalID: canonicalID, DuplicateID: duplicateID, Step: StepPruned, Err: err}
		}
	}

	if err := m.tombstone(ctx, canonical, duplicate); err != nil {
		return &PartialMergeError{GroupID: groupID, CanonicalID: canonicalID, DuplicateID: duplicateID, Step: StepAudited, Err: err}
	}

	m.logger.Info("merge persisted",
		"canonical", canonicalID, "duplicate", duplicateID, "group_id", groupID)
	return m.journal.Clear(groupID, canonicalID, duplicateID)
}

// ResumePending re-drives every merge the journal still records. Used on
// startup and by the operations CLI after a crash.
func (m *Merger) ResumePending(ctx context.Context) (int, error) {
	pending, err := m.journal.Pending()
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, p := range pending {
		if err := m.Merge(ctx, p.GroupID, p.CanonicalID, p.DuplicateID); err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// alreadyMerged reports whether the duplicate already holds only the audit
// edge to the canonical.
func (m *Merger) alreadyMerged(ctx context.Context, groupID, canonicalID, duplicateID string) (bool, error) {
	incident, err := m.store.EdgesIncident(ctx, groupID, duplicateID)
	if err != nil {
		return false, err
	}
	if len(incident) != 1 {
		return false, nil
	}
	e := incident[0]
	return e.Kind == types.DuplicateOfEdge && e.SourceID == duplicateID && e.TargetID == canonicalID, nil
}

// transfer re-points every relationship incident to the duplicate onto the
// canonical, folding parallel edges by the attribute merge policy. Prefers
// the store's native consolidation capability when present.
func (m *Merger) transfer(ctx context.Context, groupID, canonicalID, duplicateID string) error {
	if consolidator, ok := m.store.(driver.NodeConsolidator); ok {
		err := consolidator.ConsolidateNodes(ctx, groupID, canonicalID, duplicateID)
		if err == nil {
			return nil
		}
		m.logger.Warn("native consolidation failed, falling back to manual transfer",
			"canonical", canonicalID, "duplicate", duplicateID, "error", err)
	}
	return m.manualTransfer(ctx, groupID, canonicalID, duplicateID)
}

func (m *Merger) manualTransfer(ctx context.Context, groupID, canonicalID, duplicateID string) error {
	incident, err := m.store.EdgesIncident(ctx, groupID, duplicateID)
	if err != nil {
		return err
	}

	for _, edge := range incident {
		if edge.Kind == types.DuplicateOfEdge {
			// Audit edges are never transferred: the duplicate keeps its
			// own, and audit edges of other tombstones pointing here are
			// re-pointed like any other edge.
			if edge.SourceID == duplicateID {
				continue
			}
		}

		moved := *edge
		moved.GroupID = groupID
		if moved.SourceID == duplicateID {
			moved.SourceID = canonicalID
		}
		if moved.TargetID == duplicateID {
			moved.TargetID = canonicalID
		}
		if moved.SourceID == moved.TargetID {
			// A relationship between the pair itself collapses to a self
			// loop; drop it rather than keep a self-referential fact.
			if err := m.store.DeleteEdge(ctx, edge.UUID, groupID); err != nil {
				return err
			}
			continue
		}

		parallel, err := m.findParallel(ctx, &moved)
		if err != nil {
			return err
		}
		if parallel != nil && parallel.UUID != moved.UUID {
			if err := m.foldInto(ctx, parallel, &moved); err != nil {
				return err
			}
			if err := m.store.DeleteEdge(ctx, edge.UUID, groupID); err != nil {
				return err
			}
			continue
		}

		// Re-point in place: UpsertEdge keeps the UUID and rewrites the
		// endpoints, which makes a replay of this step a no-op.
		if err := m.store.UpsertEdge(ctx, &moved); err != nil {
			return err
		}
	}
	return nil
}

// findParallel looks for an existing relationship of the same kind and
// relation between the moved edge's endpoints and direction.
func (m *Merger) findParallel(ctx context.Context, moved *types.Edge) (*types.Edge, error) {
	between, err := m.store.EdgesBetween(ctx, moved.GroupID, moved.SourceID, moved.TargetID)
	if err != nil {
		return nil, err
	}
	for _, e := range between {
		if e.UUID == moved.UUID {
			continue
		}
		if e.Kind == moved.Kind && e.SourceID == moved.SourceID && e.TargetID == moved.TargetID &&
			strings.EqualFold(e.Name, moved.Name) {
			return e, nil
		}
	}
	return nil, nil
}

// foldInto applies the edge attribute merge policy: episode sets are
// unioned, the earliest valid_at wins, the latest non-null invalid_at
// wins, and the canonical side's fact text is preferred unless empty.
func (m *Merger) foldInto(ctx context.Context, keep *types.Edge, absorbed *types.Edge) error {
	merged := *keep
	for _, ep := range absorbed.Episodes {
		merged.AddEpisode(ep)
	}
	if absorbed.ValidAt.Before(merged.ValidAt) {
		merged.ValidAt = absorbed.ValidAt
	}
	if absorbed.InvalidAt != nil {
		if merged.InvalidAt == nil || absorbed.InvalidAt.After(*merged.InvalidAt) {
			merged.InvalidAt = absorbed.InvalidAt
			if absorbed.ExpiredAt != nil {
				merged.ExpiredAt = absorbed.ExpiredAt
			}
		}
	}
	if merged.Fact == "" {
		merged.Fact = absorbed.Fact
	}

	update := driver.EdgeUpdate{
		Episodes: merged.Episodes,
		Fact:     &merged.Fact,
		ValidAt:  &merged.ValidAt,
	}
	if merged.InvalidAt != nil {
		update.InvalidAt = merged.InvalidAt
	}
	if merged.ExpiredAt != nil {
		update.ExpiredAt = merged.ExpiredAt
	}
	return m.store.SetEdgeFields(ctx, keep.UUID, keep.GroupID, update, false)
}

// prune deletes whatever is still incident to the duplicate except its own
// audit edge to the canonical. After a successful transfer this is only
// leftovers from a previous crashed attempt.
func (m *Merger) prune(ctx context.Context, groupID, canonicalID, duplicateID string) error {
	incident, err := m.store.EdgesIncident(ctx, groupID, duplicateID)
	if err != nil {
		return err
	}
	for _, edge := range incident {
		if edge.Kind == types.DuplicateOfEdge && edge.SourceID == duplicateID && edge.TargetID == canonicalID {
			continue
		}
		if err := m.store.DeleteEdge(ctx, edge.UUID, groupID); err != nil {
			return err
		}
	}
	return nil
}

// audit creates the duplicate→canonical audit edge. Its identifier is
// deterministic when the assigner is, so a replay upserts the same edge.
func (m *Merger) audit(ctx context.Context, canonical, duplicate *types.Node) error {
	now := m.now()
	edge := &types.Edge{
		Kind:      types.DuplicateOfEdge,
		SourceID:  duplicate.UUID,
		TargetID:  canonical.UUID,
		GroupID:   canonical.GroupID,
		Name:      types.DuplicateOfRelation,
		Fact:      fmt.Sprintf("%s is a duplicate of %s", duplicate.Name, canonical.Name),
		CreatedAt: now,
		ValidAt:   now,
	}
	id, err := m.ids.EdgeID(edge)
	if err != nil {
		return err
	}
	edge.UUID = id
	return m.store.UpsertEdge(ctx, edge)
}

// tombstone marks the duplicate as absorbed and folds its summary and
// attributes into the canonical without overwriting canonical values.
func (m *Merger) tombstone(ctx context.Context, canonical, duplicate *types.Node) error {
	updated := *canonical
	if updated.Summary == "" {
		updated.Summary = duplicate.Summary
	}
	if len(duplicate.Attributes) > 0 {
		attrs := make(map[string]any, len(updated.Attributes)+len(duplicate.Attributes))
		for k, v := range duplicate.Attributes {
			attrs[k] = v
		}
		for k, v := range updated.Attributes {
			attrs[k] = v
		}
		updated.Attributes = attrs
	}
	if err := m.store.UpsertNode(ctx, &updated); err != nil {
		return err
	}

	stone := *duplicate
	attrs := make(map[string]any, len(duplicate.Attributes)+1)
	for k, v := range duplicate.Attributes {
		attrs[k] = v
	}
	attrs[types.MergedIntoAttr] = canonical.UUID
	stone.Attributes = attrs
	return m.store.UpsertNode(ctx, &stone)
}

// IsRetryable reports whether a merge error is worth re-driving: partial
// failures and held locks are; validation and partition errors are not.
func IsRetryable(err error) bool {
	var partial *PartialMergeError
	if errors.As(err, &partial) {
		return true
	}
	return errors.Is(err, ErrLockHeld)
}

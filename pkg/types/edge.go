package types

import (
	"fmt"
	"slices"
	"time"
)

// EdgeKind is the tagged variant distinguishing the edge families. The
// discriminator used for deterministic identity is selected per kind, so a
// mentions edge can never fall back to a generic label shared with facts.
type EdgeKind string

const (
	// FactEdge is a directed, temporally versioned relationship between two
	// entities. Its discriminator is the relation name.
	FactEdge EdgeKind = "fact"
	// MentionsEdge links an episodic node to an entity it mentions. It has
	// no relation name of its own; its discriminator is the fixed
	// MentionsRelation sentinel.
	MentionsEdge EdgeKind = "mentions"
	// DuplicateOfEdge is the audit edge left on a tombstoned duplicate,
	// pointing at its canonical node.
	DuplicateOfEdge EdgeKind = "duplicate_of"
)

// Relation names reserved by the engine. MentionsRelation doubles as the
// kind-specific discriminator for mentions edges.
const (
	MentionsRelation    = "MENTIONS"
	DuplicateOfRelation = "IS_DUPLICATE_OF"
)

// Edge is a directed relationship between two nodes. Fact edges carry three
// temporal markers: ValidAt is when the fact became true in the world,
// InvalidAt is when a newer fact superseded it (real-world time), and
// ExpiredAt is when the engine recorded that supersession.
type Edge struct {
	UUID      string    `json:"uuid"`
	Kind      EdgeKind  `json:"kind"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	GroupID   string    `json:"group_id"`
	Name      string    `json:"name,omitempty"`
	Fact      string    `json:"fact,omitempty"`
	Episodes  []string  `json:"episodes,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	FactEmbedding []float32 `json:"fact_embedding,omitempty"`

	ValidAt   time.Time  `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
}

// Discriminator returns the identity discriminator for the edge, chosen per
// kind. Fact edges use their relation name; mentions and audit edges use
// their reserved sentinels. An unknown kind is an error, never a shared
// default string.
func (e *Edge) Discriminator() (string, error) {
	switch e.Kind {
	case FactEdge:
		if e.Name == "" {
			return "", &ValidationError{Field: "name", Reason: "fact edge requires a relation name"}
		}
		return e.Name, nil
	case MentionsEdge:
		return MentionsRelation, nil
	case DuplicateOfEdge:
		return DuplicateOfRelation, nil
	default:
		return "", fmt.Errorf("edge %s: unknown kind %q", e.UUID, e.Kind)
	}
}

// IsLive reports whether the edge has not been superseded.
func (e *Edge) IsLive() bool {
	return e.InvalidAt == nil
}

// Validate checks the structural and temporal invariants of the edge.
func (e *Edge) Validate() error {
	if e.SourceID == "" {
		return &ValidationError{Field: "source_id", Reason: "missing endpoint"}
	}
	if e.TargetID == "" {
		return &ValidationError{Field: "target_id", Reason: "missing endpoint"}
	}
	if e.GroupID == "" {
		return &ValidationError{Field: "group_id", Reason: "missing partition key"}
	}
	if _, err := e.Discriminator(); err != nil {
		return err
	}
	if e.InvalidAt != nil && e.InvalidAt.Before(e.ValidAt) {
		return &ValidationError{
			Field:  "invalid_at",
			Reason: fmt.Sprintf("invalid_at %s precedes valid_at %s", e.InvalidAt.Format(time.RFC3339), e.ValidAt.Format(time.RFC3339)),
		}
	}
	return nil
}

// AddEpisode appends an episode UUID to the provenance list if not already
// present.
func (e *Edge) AddEpisode(episodeID string) {
	if episodeID == "" || slices.Contains(e.Episodes, episodeID) {
		return
	}
	e.Episodes = append(e.Episodes, episodeID)
}

// StructurallyEqual reports whether two edges describe the same
// relationship slot: same endpoints, same kind and same discriminator. Used
// to tell a deterministic-identity collision from an idempotent replay.
func (e *Edge) StructurallyEqual(other *Edge) bool {
	if other == nil {
		return false
	}
	da, errA := e.Discriminator()
	db, errB := other.Discriminator()
	if errA != nil || errB != nil {
		return false
	}
	return e.SourceID == other.SourceID &&
		e.TargetID == other.TargetID &&
		e.GroupID == other.GroupID &&
		e.Kind == other.Kind &&
		da == db
}

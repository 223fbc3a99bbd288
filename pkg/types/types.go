// Package types defines the data model shared by every component of the
// engine: bi-temporally versioned nodes and edges, episodes, and the draft
// records produced by the extraction collaborator.
package types

import (
	"time"
)

// NodeKind discriminates the two node families stored in the graph.
type NodeKind string

const (
	// EntityNode represents a real-world thing observed in episodes.
	EntityNode NodeKind = "entity"
	// EpisodicNode represents one unit of raw input (a message, document or event).
	EpisodicNode NodeKind = "episodic"
)

// EpisodeSource describes where an episode came from.
type EpisodeSource string

const (
	SourceMessage  EpisodeSource = "message"
	SourceDocument EpisodeSource = "document"
	SourceEvent    EpisodeSource = "event"
)

// Node is a vertex in the knowledge graph. Entity nodes carry a name
// embedding and an open attribute map; episodic nodes carry the raw content
// and its reference time.
type Node struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Kind      NodeKind  `json:"kind"`
	GroupID   string    `json:"group_id"`
	CreatedAt time.Time `json:"created_at"`

	// Entity fields
	Summary       string         `json:"summary,omitempty"`
	Labels        []string       `json:"labels,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	NameEmbedding []float32      `json:"name_embedding,omitempty"`

	// Episodic fields
	Content   string        `json:"content,omitempty"`
	Reference time.Time     `json:"reference,omitempty"`
	Source    EpisodeSource `json:"source,omitempty"`
}

// MergedIntoAttr is set on a duplicate node when it is tombstoned by a
// merge. The node is never hard-deleted.
const MergedIntoAttr = "merged_into"

// MergedInto returns the canonical UUID a tombstoned node was absorbed
// into, or "" if the node is not a merge tombstone.
func (n *Node) MergedInto() string {
	if n.Attributes == nil {
		return ""
	}
	if v, ok := n.Attributes[MergedIntoAttr].(string); ok {
		return v
	}
	return ""
}

// Episode is one unit of unstructured input handed to the engine by the
// ingestion queue.
type Episode struct {
	UUID      string         `json:"uuid"`
	Name      string         `json:"name"`
	Content   string         `json:"content"`
	Reference time.Time      `json:"reference"`
	Source    EpisodeSource  `json:"source"`
	GroupID   string         `json:"group_id"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Node converts the episode into its episodic node representation.
func (e *Episode) Node() *Node {
	return &Node{
		UUID:      e.UUID,
		Name:      e.Name,
		Kind:      EpisodicNode,
		GroupID:   e.GroupID,
		CreatedAt: e.CreatedAt,
		Content:   e.Content,
		Reference: e.Reference,
		Source:    e.Source,
	}
}

// DraftEntity is a candidate entity produced by the extraction collaborator.
// It has no identity yet; resolution decides whether it maps to an existing
// node or becomes a new one.
type DraftEntity struct {
	Name       string         `json:"name"`
	Labels     []string       `json:"labels,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DraftFact is a candidate relationship produced by the extraction
// collaborator. Endpoints are named, not identified; resolution binds them.
type DraftFact struct {
	SourceName string     `json:"source_name"`
	TargetName string     `json:"target_name"`
	Relation   string     `json:"relation"`
	Fact       string     `json:"fact"`
	ValidAt    *time.Time `json:"valid_at,omitempty"`
}

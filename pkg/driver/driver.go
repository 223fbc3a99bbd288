// Package driver defines the pluggable graph-store capability consumed by
// the engine, and provides backends for Neo4j and embedded Badger. All
// operations are scoped to one partition (group id); a backend must reject
// any operation whose partition key does not match every referenced
// element.
package driver

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/coalescedb/coalesce/pkg/types"
)

var (
	// ErrNodeNotFound is returned when a node lookup matches nothing.
	ErrNodeNotFound = errors.New("node not found")
	// ErrEdgeNotFound is returned when an edge lookup matches nothing.
	ErrEdgeNotFound = errors.New("edge not found")
	// ErrStale is returned by SetEdgeFields when the compare-and-set
	// predicate no longer holds (another writer won the race).
	ErrStale = errors.New("edge changed since read")
)

// NodeFilter constrains MatchNodes.
type NodeFilter struct {
	UUIDs []string
	Kind  types.NodeKind
	// Name matches exactly, case-folded.
	Name string
}

// EdgeFilter constrains MatchEdges. Zero-valued fields are ignored.
type EdgeFilter struct {
	UUIDs    []string
	Kinds    []types.EdgeKind
	Name     string
	SourceID string
	TargetID string
	// Live filters on invalid_at presence: true keeps only live edges,
	// false only superseded ones.
	Live *bool
}

// EdgeUpdate is a partial edge mutation applied by SetEdgeFields. Nil
// fields are left untouched.
type EdgeUpdate struct {
	InvalidAt *time.Time
	ExpiredAt *time.Time
	ValidAt   *time.Time
	Fact      *string
	Episodes  []string
}

// Stats summarizes a partition of the graph.
type Stats struct {
	Nodes        int64            `json:"nodes"`
	Edges        int64            `json:"edges"`
	NodesByKind  map[string]int64 `json:"nodes_by_kind"`
	EdgesByKind  map[string]int64 `json:"edges_by_kind"`
	LiveFacts    int64            `json:"live_facts"`
	ExpiredFacts int64            `json:"expired_facts"`
}

// GraphStore is the capability interface over a graph backend. Backends
// differ in native capabilities; the optional NodeConsolidator interface is
// queried at runtime by the merge engine.
type GraphStore interface {
	UpsertNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, uuid, groupID string) (*types.Node, error)
	MatchNodes(ctx context.Context, groupID string, filter NodeFilter, limit int) ([]*types.Node, error)

	UpsertEdge(ctx context.Context, edge *types.Edge) error
	GetEdge(ctx context.Context, uuid, groupID string) (*types.Edge, error)
	MatchEdges(ctx context.Context, groupID string, filter EdgeFilter, limit int) ([]*types.Edge, error)
	// EdgesBetween returns edges connecting a and b in either direction.
	EdgesBetween(ctx context.Context, groupID, aID, bID string) ([]*types.Edge, error)
	// EdgesIncident returns every edge whose source or target is the node.
	EdgesIncident(ctx context.Context, groupID, nodeID string) ([]*types.Edge, error)
	DeleteEdge(ctx context.Context, uuid, groupID string) error
	// SetEdgeFields applies a partial update. With requireLive set the
	// write only succeeds while invalid_at is still null; ErrStale reports
	// a lost race.
	SetEdgeFields(ctx context.Context, uuid, groupID string, update EdgeUpdate, requireLive bool) error

	SearchNodesByVector(ctx context.Context, groupID string, vector []float32, limit int, minScore float64) ([]*types.Node, []float64, error)
	SearchEdgesByVector(ctx context.Context, groupID string, vector []float32, limit int, minScore float64) ([]*types.Edge, []float64, error)
	SearchNodesByText(ctx context.Context, groupID, query string, limit int) ([]*types.Node, error)
	SearchEdgesByText(ctx context.Context, groupID, query string, limit int) ([]*types.Edge, error)

	Stats(ctx context.Context, groupID string) (*Stats, error)
	Close(ctx context.Context) error
}

// NodeConsolidator is the optional capability for backends that can
// transfer and merge every relationship of a duplicate node onto its
// canonical node atomically. The merge engine branches on the presence of
// this interface, never on a backend name.
type NodeConsolidator interface {
	ConsolidateNodes(ctx context.Context, groupID, canonicalID, duplicateID string) error
}

// CosineSimilarity maps the cosine of two vectors into [0,1]. Zero-length
// or mismatched vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (cos + 1) / 2
}

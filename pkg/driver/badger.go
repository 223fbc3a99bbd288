package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/coalescedb/coalesce/pkg/types"
)

// Key layout:
//
//	n|<group>|<uuid>                 node record (JSON)
//	e|<group>|<uuid>                 edge record (JSON)
//	i|<group>|<node uuid>|<edge uuid> incidence index entry (empty value)
//
// The incidence index holds one entry per endpoint so EdgesIncident and
// EdgesBetween are prefix scans instead of full-partition scans.
const (
	nodePrefix     = "n"
	edgePrefix     = "e"
	incidentPrefix = "i"
	keySep         = "|"
)

// BadgerStore is an embedded GraphStore backed by BadgerDB. It does not
// implement NodeConsolidator; node merges against this backend run the
// manual saga in the merge engine.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) an embedded store at path. An empty
// path opens an in-memory store.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func nodeKey(groupID, uuid string) []byte {
	return []byte(strings.Join([]string{nodePrefix, groupID, uuid}, keySep))
}

func edgeKey(groupID, uuid string) []byte {
	return []byte(strings.Join([]string{edgePrefix, groupID, uuid}, keySep))
}

func incidentKey(groupID, nodeID, edgeID string) []byte {
	return []byte(strings.Join([]string{incidentPrefix, groupID, nodeID, edgeID}, keySep))
}

// UpsertNode stores or replaces a node.
func (s *BadgerStore) UpsertNode(ctx context.Context, node *types.Node) error {
	if node.UUID == "" || node.GroupID == "" {
		return &types.ValidationError{Field: "uuid/group_id", Reason: "node requires identifier and partition key"}
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", node.UUID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(node.GroupID, node.UUID), payload)
	})
}

// GetNode retrieves a node by UUID within a partition.
func (s *BadgerStore) GetNode(ctx context.Context, uuid, groupID string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(groupID, uuid))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	return &node, nil
}

// MatchNodes scans the partition for nodes matching the filter.
func (s *BadgerStore) MatchNodes(ctx context.Context, groupID string, filter NodeFilter, limit int) ([]*types.Node, error) {
	if len(filter.UUIDs) > 0 {
		var out []*types.Node
		for _, id := range filter.UUIDs {
			node, err := s.GetNode(ctx, id, groupID)
			if err == ErrNodeNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if nodeMatches(node, filter) {
				out = append(out, node)
			}
		}
		return capNodes(out, limit), nil
	}

	var out []*types.Node
	err := s.scanNodes(groupID, func(node *types.Node) bool {
		if nodeMatches(node, filter) {
			out = append(out, node)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func nodeMatches(node *types.Node, filter NodeFilter) bool {
	if filter.Kind != "" && node.Kind != filter.Kind {
		return false
	}
	if filter.Name != "" && !strings.EqualFold(node.Name, filter.Name) {
		return false
	}
	return true
}

func capNodes(nodes []*types.Node, limit int) []*types.Node {
	if limit > 0 && len(nodes) > limit {
		return nodes[:limit]
	}
	return nodes
}

func (s *BadgerStore) scanNodes(groupID string, visit func(*types.Node) bool) error {
	prefix := []byte(nodePrefix + keySep + groupID + keySep)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var node types.Node
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &node)
			})
			if err != nil {
				return err
			}
			if !visit(&node) {
				return nil
			}
		}
		return nil
	})
}

// UpsertEdge stores or replaces an edge and maintains the incidence index.
// Both endpoints must live in the edge's partition.
func (s *BadgerStore) UpsertEdge(ctx context.Context, edge *types.Edge) error {
	if edge.UUID == "" {
		return &types.ValidationError{Field: "uuid", Reason: "edge requires an identifier"}
	}
	if err := edge.Validate(); err != nil {
		return err
	}
	for _, endpoint := range []string{edge.SourceID, edge.TargetID} {
		node, err := s.GetNode(ctx, endpoint, edge.GroupID)
		if err == ErrNodeNotFound {
			return &types.PartitionMismatchError{Want: edge.GroupID, Got: "unknown (endpoint " + endpoint + " not in partition)"}
		}
		if err != nil {
			return err
		}
		if node.GroupID != edge.GroupID {
			return &types.PartitionMismatchError{Want: edge.GroupID, Got: node.GroupID}
		}
	}

	payload, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge %s: %w", edge.UUID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		// Re-pointed edges keep their UUID; drop stale incidence entries
		// for the previous endpoints before writing the new ones.
		if prev, err := getEdgeTxn(txn, edge.GroupID, edge.UUID); err == nil {
			if prev.SourceID != edge.SourceID || prev.TargetID != edge.TargetID {
				_ = txn.Delete(incidentKey(edge.GroupID, prev.SourceID, edge.UUID))
				_ = txn.Delete(incidentKey(edge.GroupID, prev.TargetID, edge.UUID))
			}
		}
		if err := txn.Set(edgeKey(edge.GroupID, edge.UUID), payload); err != nil {
			return err
		}
		if err := txn.Set(incidentKey(edge.GroupID, edge.SourceID, edge.UUID), nil); err != nil {
			return err
		}
		return txn.Set(incidentKey(edge.GroupID, edge.TargetID, edge.UUID), nil)
	})
}

func getEdgeTxn(txn *badger.Txn, groupID, uuid string) (*types.Edge, error) {
	item, err := txn.Get(edgeKey(groupID, uuid))
	if err != nil {
		return nil, err
	}
	var edge types.Edge
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &edge) }); err != nil {
		return nil, err
	}
	return &edge, nil
}

// GetEdge retrieves an edge by UUID within a partition.
func (s *BadgerStore) GetEdge(ctx context.Context, uuid, groupID string) (*types.Edge, error) {
	var edge *types.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := getEdgeTxn(txn, groupID, uuid)
		if err != nil {
			return err
		}
		edge = e
		return nil
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrEdgeNotFound
		}
		return nil, err
	}
	return edge, nil
}

// MatchEdges scans the partition for edges matching the filter.
func (s *BadgerStore) MatchEdges(ctx context.Context, groupID string, filter EdgeFilter, limit int) ([]*types.Edge, error) {
	if len(filter.UUIDs) > 0 {
		var out []*types.Edge
		for _, id := range filter.UUIDs {
			edge, err := s.GetEdge(ctx, id, groupID)
			if err == ErrEdgeNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if edgeMatches(edge, filter) {
				out = append(out, edge)
			}
		}
		return capEdges(out, limit), nil
	}

	var out []*types.Edge
	err := s.scanEdges(groupID, func(edge *types.Edge) bool {
		if edgeMatches(edge, filter) {
			out = append(out, edge)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func edgeMatches(edge *types.Edge, filter EdgeFilter) bool {
	if len(filter.Kinds) > 0 {
		found := false
		for _, k := range filter.Kinds {
			if edge.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Name != "" && !strings.EqualFold(edge.Name, filter.Name) {
		return false
	}
	if filter.SourceID != "" && edge.SourceID != filter.SourceID {
		return false
	}
	if filter.TargetID != "" && edge.TargetID != filter.TargetID {
		return false
	}
	if filter.Live != nil && edge.IsLive() != *filter.Live {
		return false
	}
	return true
}

func capEdges(edges []*types.Edge, limit int) []*types.Edge {
	if limit > 0 && len(edges) > limit {
		return edges[:limit]
	}
	return edges
}

func (s *BadgerStore) scanEdges(groupID string, visit func(*types.Edge) bool) error {
	prefix := []byte(edgePrefix + keySep + groupID + keySep)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var edge types.Edge
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			})
			if err != nil {
				return err
			}
			if !visit(&edge) {
				return nil
			}
		}
		return nil
	})
}

// EdgesIncident returns every edge touching the node, via the incidence
// index.
func (s *BadgerStore) EdgesIncident(ctx context.Context, groupID, nodeID string) ([]*types.Edge, error) {
	prefix := []byte(strings.Join([]string{incidentPrefix, groupID, nodeID}, keySep) + keySep)
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, key[len(prefix):])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	edges := make([]*types.Edge, 0, len(ids))
	for _, id := range ids {
		edge, err := s.GetEdge(ctx, id, groupID)
		if err == ErrEdgeNotFound {
			// Stale index entry left by a crashed delete; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].UUID < edges[j].UUID })
	return edges, nil
}

// EdgesBetween returns edges connecting a and b in either direction.
func (s *BadgerStore) EdgesBetween(ctx context.Context, groupID, aID, bID string) ([]*types.Edge, error) {
	incident, err := s.EdgesIncident(ctx, groupID, aID)
	if err != nil {
		return nil, err
	}
	var out []*types.Edge
	for _, edge := range incident {
		if (edge.SourceID == aID && edge.TargetID == bID) || (edge.SourceID == bID && edge.TargetID == aID) {
			out = append(out, edge)
		}
	}
	return out, nil
}

// DeleteEdge removes an edge and its incidence entries.
func (s *BadgerStore) DeleteEdge(ctx context.Context, uuid, groupID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		edge, err := getEdgeTxn(txn, groupID, uuid)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(edgeKey(groupID, uuid)); err != nil {
			return err
		}
		if err := txn.Delete(incidentKey(groupID, edge.SourceID, uuid)); err != nil {
			return err
		}
		return txn.Delete(incidentKey(groupID, edge.TargetID, uuid))
	})
}

// SetEdgeFields applies a partial update inside one transaction. With
// requireLive set, the update is rejected with ErrStale once invalid_at is
// non-null, which makes concurrent invalidation a first-writer-wins race.
func (s *BadgerStore) SetEdgeFields(ctx context.Context, uuid, groupID string, update EdgeUpdate, requireLive bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		edge, err := getEdgeTxn(txn, groupID, uuid)
		if err == badger.ErrKeyNotFound {
			return ErrEdgeNotFound
		}
		if err != nil {
			return err
		}
		if requireLive && !edge.IsLive() {
			return ErrStale
		}
		if update.InvalidAt != nil {
			edge.InvalidAt = update.InvalidAt
		}
		if update.ExpiredAt != nil {
			edge.ExpiredAt = update.ExpiredAt
		}
		if update.ValidAt != nil {
			edge.ValidAt = *update.ValidAt
		}
		if update.Fact != nil {
			edge.Fact = *update.Fact
		}
		if update.Episodes != nil {
			edge.Episodes = update.Episodes
		}
		if err := edge.Validate(); err != nil {
			return err
		}
		payload, err := json.Marshal(edge)
		if err != nil {
			return err
		}
		return txn.Set(edgeKey(groupID, uuid), payload)
	})
}

// SearchNodesByVector brute-forces cosine similarity over entity nodes in
// the partition. Acceptable for an embedded backend; server backends use
// their native vector indexes.
func (s *BadgerStore) SearchNodesByVector(ctx context.Context, groupID string, vector []float32, limit int, minScore float64) ([]*types.Node, []float64, error) {
	type hit struct {
		node  *types.Node
		score float64
	}
	var hits []hit
	err := s.scanNodes(groupID, func(node *types.Node) bool {
		if node.Kind != types.EntityNode || len(node.NameEmbedding) == 0 {
			return true
		}
		score := CosineSimilarity(vector, node.NameEmbedding)
		if score >= minScore {
			hits = append(hits, hit{node: node, score: score})
		}
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].node.UUID < hits[j].node.UUID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	nodes := make([]*types.Node, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		nodes[i] = h.node
		scores[i] = h.score
	}
	return nodes, scores, nil
}

// SearchEdgesByVector brute-forces cosine similarity over fact embeddings.
func (s *BadgerStore) SearchEdgesByVector(ctx context.Context, groupID string, vector []float32, limit int, minScore float64) ([]*types.Edge, []float64, error) {
	type hit struct {
		edge  *types.Edge
		score float64
	}
	var hits []hit
	err := s.scanEdges(groupID, func(edge *types.Edge) bool {
		if edge.Kind != types.FactEdge || len(edge.FactEmbedding) == 0 {
			return true
		}
		score := CosineSimilarity(vector, edge.FactEmbedding)
		if score >= minScore {
			hits = append(hits, hit{edge: edge, score: score})
		}
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].edge.UUID < hits[j].edge.UUID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	edges := make([]*types.Edge, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		edges[i] = h.edge
		scores[i] = h.score
	}
	return edges, scores, nil
}

// SearchNodesByText does a case-folded substring match over entity names
// and summaries.
func (s *BadgerStore) SearchNodesByText(ctx context.Context, groupID, query string, limit int) ([]*types.Node, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []*types.Node{}, nil
	}
	var out []*types.Node
	err := s.scanNodes(groupID, func(node *types.Node) bool {
		if node.Kind != types.EntityNode {
			return true
		}
		if strings.Contains(strings.ToLower(node.Name), q) || strings.Contains(strings.ToLower(node.Summary), q) {
			out = append(out, node)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// SearchEdgesByText does a case-folded substring match over fact text and
// relation names.
func (s *BadgerStore) SearchEdgesByText(ctx context.Context, groupID, query string, limit int) ([]*types.Edge, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []*types.Edge{}, nil
	}
	var out []*types.Edge
	err := s.scanEdges(groupID, func(edge *types.Edge) bool {
		if edge.Kind != types.FactEdge {
			return true
		}
		if strings.Contains(strings.ToLower(edge.Fact), q) || strings.Contains(strings.ToLower(edge.Name), q) {
			out = append(out, edge)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// Stats summarizes the partition.
func (s *BadgerStore) Stats(ctx context.Context, groupID string) (*Stats, error) {
	stats := &Stats{
		NodesByKind: make(map[string]int64),
		EdgesByKind: make(map[string]int64),
	}
	err := s.scanNodes(groupID, func(node *types.Node) bool {
		stats.Nodes++
		stats.NodesByKind[string(node.Kind)]++
		return true
	})
	if err != nil {
		return nil, err
	}
	err = s.scanEdges(groupID, func(edge *types.Edge) bool {
		stats.Edges++
		stats.EdgesByKind[string(edge.Kind)]++
		if edge.Kind == types.FactEdge {
			if edge.IsLive() {
				stats.LiveFacts++
			} else {
				stats.ExpiredFacts++
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close(ctx context.Context) error {
	return s.db.Close()
}

package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/coalescedb/coalesce/pkg/types"
)

// Neo4jStore implements GraphStore on a Neo4j server. It also implements
// NodeConsolidator: the whole relationship transfer of a merge runs inside
// one managed write transaction, which is the backend's native atomic
// consolidation primitive.
type Neo4jStore struct {
	client   neo4j.DriverWithContext
	database string
}

// NewNeo4jStore creates a Neo4j-backed store.
func NewNeo4jStore(uri, username, password, database string) (*Neo4jStore, error) {
	client, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jStore{client: client, database: database}, nil
}

func (s *Neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

func relType(kind types.EdgeKind) (string, error) {
	switch kind {
	case types.FactEdge:
		return "RELATES_TO", nil
	case types.MentionsEdge:
		return types.MentionsRelation, nil
	case types.DuplicateOfEdge:
		return types.DuplicateOfRelation, nil
	default:
		return "", fmt.Errorf("unknown edge kind %q", kind)
	}
}

func nodeLabel(kind types.NodeKind) string {
	if kind == types.EpisodicNode {
		return "Episodic"
	}
	return "Entity"
}

func nodeProps(node *types.Node) map[string]any {
	props := map[string]any{
		"uuid":       node.UUID,
		"name":       node.Name,
		"kind":       string(node.Kind),
		"group_id":   node.GroupID,
		"summary":    node.Summary,
		"labels":     node.Labels,
		"created_at": node.CreatedAt,
	}
	if len(node.NameEmbedding) > 0 {
		emb := make([]float64, len(node.NameEmbedding))
		for i, v := range node.NameEmbedding {
			emb[i] = float64(v)
		}
		props["name_embedding"] = emb
	}
	if node.Kind == types.EpisodicNode {
		props["content"] = node.Content
		props["reference"] = node.Reference
		props["source"] = string(node.Source)
	}
	for k, v := range node.Attributes {
		props["attr_"+k] = v
	}
	return props
}

func recordToNode(props map[string]any) *types.Node {
	node := &types.Node{Attributes: map[string]any{}}
	for k, v := range props {
		switch k {
		case "uuid":
			node.UUID, _ = v.(string)
		case "name":
			node.Name, _ = v.(string)
		case "kind":
			if s, ok := v.(string); ok {
				node.Kind = types.NodeKind(s)
			}
		case "group_id":
			node.GroupID, _ = v.(string)
		case "summary":
			node.Summary, _ = v.(string)
		case "content":
			node.Content, _ = v.(string)
		case "source":
			if s, ok := v.(string); ok {
				node.Source = types.EpisodeSource(s)
			}
		case "labels":
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if s, ok := item.(string); ok {
						node.Labels = append(node.Labels, s)
					}
				}
			}
		case "created_at":
			if t, ok := v.(time.Time); ok {
				node.CreatedAt = t
			}
		case "reference":
			if t, ok := v.(time.Time); ok {
				node.Reference = t
			}
		case "name_embedding":
			if list, ok := v.([]any); ok {
				node.NameEmbedding = make([]float32, 0, len(list))
				for _, item := range list {
					if f, ok := item.(float64); ok {
						node.NameEmbedding = append(node.NameEmbedding, float32(f))
					}
				}
			}
		default:
			if strings.HasPrefix(k, "attr_") {
				node.Attributes[strings.TrimPrefix(k, "attr_")] = v
			}
		}
	}
	if len(node.Attributes) == 0 {
		node.Attributes = nil
	}
	return node
}

func edgeProps(edge *types.Edge) map[string]any {
	props := map[string]any{
		"uuid":       edge.UUID,
		"kind":       string(edge.Kind),
		"source_id":  edge.SourceID,
		"target_id":  edge.TargetID,
		"group_id":   edge.GroupID,
		"name":       edge.Name,
		"fact":       edge.Fact,
		"episodes":   edge.Episodes,
		"created_at": edge.CreatedAt,
		"valid_at":   edge.ValidAt,
	}
	if edge.InvalidAt != nil {
		props["invalid_at"] = *edge.InvalidAt
	}
	if edge.ExpiredAt != nil {
		props["expired_at"] = *edge.ExpiredAt
	}
	if len(edge.FactEmbedding) > 0 {
		emb := make([]float64, len(edge.FactEmbedding))
		for i, v := range edge.FactEmbedding {
			emb[i] = float64(v)
		}
		props["fact_embedding"] = emb
	}
	return props
}

func recordToEdge(props map[string]any) *types.Edge {
	edge := &types.Edge{}
	for k, v := range props {
		switch k {
		case "uuid":
			edge.UUID, _ = v.(string)
		case "kind":
			if s, ok := v.(string); ok {
				edge.Kind = types.EdgeKind(s)
			}
		case "source_id":
			edge.SourceID, _ = v.(string)
		case "target_id":
			edge.TargetID, _ = v.(string)
		case "group_id":
			edge.GroupID, _ = v.(string)
		case "name":
			edge.Name, _ = v.(string)
		case "fact":
			edge.Fact, _ = v.(string)
		case "episodes":
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if s, ok := item.(string); ok {
						edge.Episodes = append(edge.Episodes, s)
					}
				}
			}
		case "created_at":
			if t, ok := v.(time.Time); ok {
				edge.CreatedAt = t
			}
		case "valid_at":
			if t, ok := v.(time.Time); ok {
				edge.ValidAt = t
			}
		case "invalid_at":
			if t, ok := v.(time.Time); ok {
				edge.InvalidAt = &t
			}
		case "expired_at":
			if t, ok := v.(time.Time); ok {
				edge.ExpiredAt = &t
			}
		case "fact_embedding":
			if list, ok := v.([]any); ok {
				edge.FactEmbedding = make([]float32, 0, len(list))
				for _, item := range list {
					if f, ok := item.(float64); ok {
						edge.FactEmbedding = append(edge.FactEmbedding, float32(f))
					}
				}
			}
		}
	}
	return edge
}

// UpsertNode stores or replaces a node.
func (s *Neo4jStore) UpsertNode(ctx context.Context, node *types.Node) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MERGE (n:%s {uuid: $uuid, group_id: $group_id})
		SET n = $props
	`, nodeLabel(node.Kind))

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{
			"uuid":     node.UUID,
			"group_id": node.GroupID,
			"props":    nodeProps(node),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", node.UUID, err)
	}
	return nil
}

// GetNode retrieves a node by UUID within a partition.
func (s *Neo4jStore) GetNode(ctx context.Context, uuid, groupID string) (*types.Node, error) {
	rows, err := s.readNodes(ctx, `
		MATCH (n {uuid: $uuid, group_id: $group_id})
		RETURN properties(n) AS props
	`, map[string]any{"uuid": uuid, "group_id": groupID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNodeNotFound
	}
	return rows[0], nil
}

func (s *Neo4jStore) readNodes(ctx context.Context, query string, params map[string]any) ([]*types.Node, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var nodes []*types.Node
		for res.Next(ctx) {
			if props, ok := res.Record().Get("props"); ok {
				if m, ok := props.(map[string]any); ok {
					nodes = append(nodes, recordToNode(m))
				}
			}
		}
		return nodes, res.Err()
	})
	if err != nil {
		return nil, err
	}
	nodes, _ := result.([]*types.Node)
	return nodes, nil
}

func (s *Neo4jStore) readEdges(ctx context.Context, query string, params map[string]any) ([]*types.Edge, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var edges []*types.Edge
		for res.Next(ctx) {
			if props, ok := res.Record().Get("props"); ok {
				if m, ok := props.(map[string]any); ok {
					edges = append(edges, recordToEdge(m))
				}
			}
		}
		return edges, res.Err()
	})
	if err != nil {
		return nil, err
	}
	edges, _ := result.([]*types.Edge)
	return edges, nil
}

// MatchNodes returns nodes matching the filter.
func (s *Neo4jStore) MatchNodes(ctx context.Context, groupID string, filter NodeFilter, limit int) ([]*types.Node, error) {
	var conditions []string
	params := map[string]any{"group_id": groupID, "limit": clampLimit(limit)}

	conditions = append(conditions, "n.group_id = $group_id")
	if len(filter.UUIDs) > 0 {
		conditions = append(conditions, "n.uuid IN $uuids")
		params["uuids"] = filter.UUIDs
	}
	if filter.Kind != "" {
		conditions = append(conditions, "n.kind = $kind")
		params["kind"] = string(filter.Kind)
	}
	if filter.Name != "" {
		conditions = append(conditions, "toLower(n.name) = toLower($name)")
		params["name"] = filter.Name
	}

	query := fmt.Sprintf(`
		MATCH (n)
		WHERE %s
		RETURN properties(n) AS props
		ORDER BY n.uuid
		LIMIT $limit
	`, strings.Join(conditions, " AND "))

	return s.readNodes(ctx, query, params)
}

// UpsertEdge stores or replaces an edge, rejecting endpoints outside the
// edge's partition.
func (s *Neo4jStore) UpsertEdge(ctx context.Context, edge *types.Edge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	rel, err := relType(edge.Kind)
	if err != nil {
		return err
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a {uuid: $source_id, group_id: $group_id})
		MATCH (b {uuid: $target_id, group_id: $group_id})
		OPTIONAL MATCH (x)-[old {uuid: $uuid, group_id: $group_id}]->(y)
		DELETE old
		MERGE (a)-[e:%s {uuid: $uuid}]->(b)
		SET e = $props
		RETURN e.uuid AS uuid
	`, rel)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"uuid":      edge.UUID,
			"source_id": edge.SourceID,
			"target_id": edge.TargetID,
			"group_id":  edge.GroupID,
			"props":     edgeProps(edge),
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert edge %s: %w", edge.UUID, err)
	}
	if records, ok := result.([]*neo4j.Record); ok && len(records) == 0 {
		return &types.PartitionMismatchError{Want: edge.GroupID, Got: "unknown (endpoint not in partition)"}
	}
	return nil
}

// GetEdge retrieves an edge by UUID within a partition.
func (s *Neo4jStore) GetEdge(ctx context.Context, uuid, groupID string) (*types.Edge, error) {
	rows, err := s.readEdges(ctx, `
		MATCH ()-[e {uuid: $uuid, group_id: $group_id}]->()
		RETURN properties(e) AS props
	`, map[string]any{"uuid": uuid, "group_id": groupID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEdgeNotFound
	}
	return rows[0], nil
}

// MatchEdges returns edges matching the filter.
func (s *Neo4jStore) MatchEdges(ctx context.Context, groupID string, filter EdgeFilter, limit int) ([]*types.Edge, error) {
	conditions := []string{"e.group_id = $group_id"}
	params := map[string]any{"group_id": groupID, "limit": clampLimit(limit)}

	if len(filter.UUIDs) > 0 {
		conditions = append(conditions, "e.uuid IN $uuids")
		params["uuids"] = filter.UUIDs
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		conditions = append(conditions, "e.kind IN $kinds")
		params["kinds"] = kinds
	}
	if filter.Name != "" {
		conditions = append(conditions, "toLower(e.name) = toLower($name)")
		params["name"] = filter.Name
	}
	if filter.SourceID != "" {
		conditions = append(conditions, "e.source_id = $source_id")
		params["source_id"] = filter.SourceID
	}
	if filter.TargetID != "" {
		conditions = append(conditions, "e.target_id = $target_id")
		params["target_id"] = filter.TargetID
	}
	if filter.Live != nil {
		if *filter.Live {
			conditions = append(conditions, "e.invalid_at IS NULL")
		} else {
			conditions = append(conditions, "e.invalid_at IS NOT NULL")
		}
	}

	query := fmt.Sprintf(`
		MATCH ()-[e]->()
		WHERE %s
		RETURN properties(e) AS props
		ORDER BY e.uuid
		LIMIT $limit
	`, strings.Join(conditions, " AND "))

	return s.readEdges(ctx, query, params)
}

// EdgesBetween returns edges connecting a and b in either direction.
func (s *Neo4jStore) EdgesBetween(ctx context.Context, groupID, aID, bID string) ([]*types.Edge, error) {
	return s.readEdges(ctx, `
		MATCH (a {uuid: $a, group_id: $group_id})-[e {group_id: $group_id}]-(b {uuid: $b, group_id: $group_id})
		RETURN DISTINCT properties(e) AS props
		ORDER BY e.uuid
	`, map[string]any{"a": aID, "b": bID, "group_id": groupID})
}

// EdgesIncident returns every edge touching the node.
func (s *Neo4jStore) EdgesIncident(ctx context.Context, groupID, nodeID string) ([]*types.Edge, error) {
	return s.readEdges(ctx, `
		MATCH (n {uuid: $uuid, group_id: $group_id})-[e {group_id: $group_id}]-()
		RETURN DISTINCT properties(e) AS props
		ORDER BY e.uuid
	`, map[string]any{"uuid": nodeID, "group_id": groupID})
}

// DeleteEdge removes an edge by UUID.
func (s *Neo4jStore) DeleteEdge(ctx context.Context, uuid, groupID string) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MATCH ()-[e {uuid: $uuid, group_id: $group_id}]->()
			DELETE e
		`, map[string]any{"uuid": uuid, "group_id": groupID})
	})
	return err
}

// SetEdgeFields applies a partial update; with requireLive the predicate
// `invalid_at IS NULL` is part of the match, so a lost race surfaces as
// ErrStale rather than overwriting the first writer's result.
func (s *Neo4jStore) SetEdgeFields(ctx context.Context, uuid, groupID string, update EdgeUpdate, requireLive bool) error {
	sets := []string{}
	params := map[string]any{"uuid": uuid, "group_id": groupID}
	if update.InvalidAt != nil {
		sets = append(sets, "e.invalid_at = $invalid_at")
		params["invalid_at"] = *update.InvalidAt
	}
	if update.ExpiredAt != nil {
		sets = append(sets, "e.expired_at = $expired_at")
		params["expired_at"] = *update.ExpiredAt
	}
	if update.ValidAt != nil {
		sets = append(sets, "e.valid_at = $valid_at")
		params["valid_at"] = *update.ValidAt
	}
	if update.Fact != nil {
		sets = append(sets, "e.fact = $fact")
		params["fact"] = *update.Fact
	}
	if update.Episodes != nil {
		sets = append(sets, "e.episodes = $episodes")
		params["episodes"] = update.Episodes
	}
	if len(sets) == 0 {
		return nil
	}

	guard := ""
	if requireLive {
		guard = " AND e.invalid_at IS NULL"
	}
	query := fmt.Sprintf(`
		MATCH ()-[e]->()
		WHERE e.uuid = $uuid AND e.group_id = $group_id%s
		SET %s
		RETURN e.uuid AS uuid
	`, guard, strings.Join(sets, ", "))

	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return err
	}
	if records, ok := result.([]*neo4j.Record); ok && len(records) == 0 {
		if !requireLive {
			return ErrEdgeNotFound
		}
		// Distinguish a lost race from a missing edge.
		if _, getErr := s.GetEdge(ctx, uuid, groupID); getErr != nil {
			return getErr
		}
		return ErrStale
	}
	return nil
}

// SearchNodesByVector runs cosine similarity over entity name embeddings.
func (s *Neo4jStore) SearchNodesByVector(ctx context.Context, groupID string, vector []float32, limit int, minScore float64) ([]*types.Node, []float64, error) {
	if len(vector) == 0 {
		return []*types.Node{}, []float64{}, nil
	}
	vec := make([]float64, len(vector))
	for i, v := range vector {
		vec[i] = float64(v)
	}

	query := `
		MATCH (n:Entity {group_id: $group_id})
		WHERE n.name_embedding IS NOT NULL
		WITH n, (vector.similarity.cosine(n.name_embedding, $vector) + 1) / 2 AS score
		WHERE score >= $min_score
		RETURN properties(n) AS props, score
		ORDER BY score DESC, n.uuid
		LIMIT $limit
	`
	return s.readNodesScored(ctx, query, map[string]any{
		"group_id":  groupID,
		"vector":    vec,
		"min_score": minScore,
		"limit":     clampLimit(limit),
	})
}

func (s *Neo4jStore) readNodesScored(ctx context.Context, query string, params map[string]any) ([]*types.Node, []float64, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	type scoredRows struct {
		nodes  []*types.Node
		scores []float64
	}
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		rows := &scoredRows{}
		for res.Next(ctx) {
			record := res.Record()
			props, _ := record.Get("props")
			score, _ := record.Get("score")
			if m, ok := props.(map[string]any); ok {
				rows.nodes = append(rows.nodes, recordToNode(m))
				f, _ := score.(float64)
				rows.scores = append(rows.scores, f)
			}
		}
		return rows, res.Err()
	})
	if err != nil {
		return nil, nil, err
	}
	rows := result.(*scoredRows)
	return rows.nodes, rows.scores, nil
}

// SearchEdgesByVector runs cosine similarity over fact embeddings.
func (s *Neo4jStore) SearchEdgesByVector(ctx context.Context, groupID string, vector []float32, limit int, minScore float64) ([]*types.Edge, []float64, error) {
	if len(vector) == 0 {
		return []*types.Edge{}, []float64{}, nil
	}
	vec := make([]float64, len(vector))
	for i, v := range vector {
		vec[i] = float64(v)
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	query := `
		MATCH ()-[e:RELATES_TO {group_id: $group_id}]->()
		WHERE e.fact_embedding IS NOT NULL
		WITH e, (vector.similarity.cosine(e.fact_embedding, $vector) + 1) / 2 AS score
		WHERE score >= $min_score
		RETURN properties(e) AS props, score
		ORDER BY score DESC, e.uuid
		LIMIT $limit
	`
	type scoredRows struct {
		edges  []*types.Edge
		scores []float64
	}
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"group_id":  groupID,
			"vector":    vec,
			"min_score": minScore,
			"limit":     clampLimit(limit),
		})
		if err != nil {
			return nil, err
		}
		rows := &scoredRows{}
		for res.Next(ctx) {
			record := res.Record()
			props, _ := record.Get("props")
			score, _ := record.Get("score")
			if m, ok := props.(map[string]any); ok {
				rows.edges = append(rows.edges, recordToEdge(m))
				f, _ := score.(float64)
				rows.scores = append(rows.scores, f)
			}
		}
		return rows, res.Err()
	})
	if err != nil {
		return nil, nil, err
	}
	rows := result.(*scoredRows)
	return rows.edges, rows.scores, nil
}

// SearchNodesByText uses the fulltext index over entity names and
// summaries. Queries are Lucene-sanitized first.
func (s *Neo4jStore) SearchNodesByText(ctx context.Context, groupID, query string, limit int) ([]*types.Node, error) {
	q := luceneSanitize(query)
	if q == "" {
		return []*types.Node{}, nil
	}
	return s.readNodes(ctx, `
		CALL db.index.fulltext.queryNodes('entity_name_and_summary', $q)
		YIELD node AS n, score
		WHERE n.group_id = $group_id
		RETURN properties(n) AS props
		ORDER BY score DESC, n.uuid
		LIMIT $limit
	`, map[string]any{"q": q, "group_id": groupID, "limit": clampLimit(limit)})
}

// SearchEdgesByText uses the fulltext index over fact text.
func (s *Neo4jStore) SearchEdgesByText(ctx context.Context, groupID, query string, limit int) ([]*types.Edge, error) {
	q := luceneSanitize(query)
	if q == "" {
		return []*types.Edge{}, nil
	}
	return s.readEdges(ctx, `
		CALL db.index.fulltext.queryRelationships('fact_text', $q)
		YIELD relationship AS e, score
		WHERE e.group_id = $group_id
		RETURN properties(e) AS props
		ORDER BY score DESC, e.uuid
		LIMIT $limit
	`, map[string]any{"q": q, "group_id": groupID, "limit": clampLimit(limit)})
}

// consolidateFold is the parallel-edge merge policy expressed in Cypher:
// episode lists are unioned, the earliest valid_at and the latest non-null
// invalid_at win, and the kept side's fact text stays unless empty. Clauses
// inside a FOREACH body are separated by whitespace; one SET carries all
// its items.
const consolidateFold = `
			SET parallel.episodes = coalesce(parallel.episodes, []) +
					[x IN coalesce(e.episodes, []) WHERE NOT x IN coalesce(parallel.episodes, [])],
				parallel.valid_at = CASE WHEN e.valid_at < parallel.valid_at THEN e.valid_at ELSE parallel.valid_at END,
				parallel.invalid_at = CASE
					WHEN e.invalid_at IS NULL THEN parallel.invalid_at
					WHEN parallel.invalid_at IS NULL THEN e.invalid_at
					WHEN e.invalid_at > parallel.invalid_at THEN e.invalid_at
					ELSE parallel.invalid_at END,
				parallel.fact = CASE WHEN coalesce(parallel.fact, '') = '' THEN e.fact ELSE parallel.fact END
			DELETE e`

// consolidateOutgoingQuery moves the duplicate's outgoing edges of one
// kind onto the canonical. The relationship type cannot be a Cypher
// parameter, so it is spliced in from the relType whitelist.
func consolidateOutgoingQuery(rel string) string {
	return `
		MATCH (d {uuid: $duplicate, group_id: $group_id})-[e {kind: $kind, group_id: $group_id}]->(o)
		WHERE o.uuid <> $canonical
		MATCH (c {uuid: $canonical, group_id: $group_id})
		OPTIONAL MATCH (c)-[parallel {kind: $kind, group_id: $group_id}]->(o)
		WHERE toLower(parallel.name) = toLower(e.name)
		FOREACH (_ IN CASE WHEN parallel IS NULL THEN [] ELSE [1] END |` +
		consolidateFold + `
		)
		FOREACH (_ IN CASE WHEN parallel IS NULL THEN [1] ELSE [] END |
			CREATE (c)-[moved:` + rel + `]->(o)
			SET moved = properties(e), moved.source_id = $canonical
			DELETE e
		)`
}

// consolidateIncomingQuery is the mirror for edges pointing at the
// duplicate, audit edges of other tombstones included.
func consolidateIncomingQuery(rel string) string {
	return `
		MATCH (o)-[e {kind: $kind, group_id: $group_id}]->(d {uuid: $duplicate, group_id: $group_id})
		WHERE o.uuid <> $canonical
		MATCH (c {uuid: $canonical, group_id: $group_id})
		OPTIONAL MATCH (o)-[parallel {kind: $kind, group_id: $group_id}]->(c)
		WHERE toLower(parallel.name) = toLower(e.name)
		FOREACH (_ IN CASE WHEN parallel IS NULL THEN [] ELSE [1] END |` +
		consolidateFold + `
		)
		FOREACH (_ IN CASE WHEN parallel IS NULL THEN [1] ELSE [] END |
			CREATE (o)-[moved:` + rel + `]->(c)
			SET moved = properties(e), moved.target_id = $canonical
			DELETE e
		)`
}

// ConsolidateNodes transfers every relationship of the duplicate onto the
// canonical node inside a single managed write transaction, one statement
// per edge kind and direction so each created relationship keeps its type.
// The duplicate's own outgoing audit edges stay put; parallel edges fold
// by the merge engine's attribute policy.
func (s *Neo4jStore) ConsolidateNodes(ctx context.Context, groupID, canonicalID, duplicateID string) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	outgoing := []types.EdgeKind{types.FactEdge, types.MentionsEdge}
	incoming := []types.EdgeKind{types.FactEdge, types.MentionsEdge, types.DuplicateOfEdge}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		run := func(query func(string) string, kind types.EdgeKind) error {
			rel, err := relType(kind)
			if err != nil {
				return err
			}
			_, err = tx.Run(ctx, query(rel), map[string]any{
				"canonical": canonicalID,
				"duplicate": duplicateID,
				"group_id":  groupID,
				"kind":      string(kind),
			})
			return err
		}
		for _, kind := range outgoing {
			if err := run(consolidateOutgoingQuery, kind); err != nil {
				return nil, err
			}
		}
		for _, kind := range incoming {
			if err := run(consolidateIncomingQuery, kind); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to consolidate %s into %s: %w", duplicateID, canonicalID, err)
	}
	return nil
}

// Stats summarizes the partition.
func (s *Neo4jStore) Stats(ctx context.Context, groupID string) (*Stats, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stats := &Stats{NodesByKind: map[string]int64{}, EdgesByKind: map[string]int64{}}

		res, err := tx.Run(ctx, `
			MATCH (n {group_id: $group_id})
			RETURN n.kind AS kind, count(n) AS count
		`, map[string]any{"group_id": groupID})
		if err != nil {
			return nil, err
		}
		for res.Next(ctx) {
			record := res.Record()
			kind, _ := record.Get("kind")
			count, _ := record.Get("count")
			k, _ := kind.(string)
			c, _ := count.(int64)
			stats.NodesByKind[k] = c
			stats.Nodes += c
		}
		if err := res.Err(); err != nil {
			return nil, err
		}

		res, err = tx.Run(ctx, `
			MATCH ()-[e {group_id: $group_id}]->()
			RETURN e.kind AS kind, count(e) AS count,
			       sum(CASE WHEN e.kind = 'fact' AND e.invalid_at IS NULL THEN 1 ELSE 0 END) AS live,
			       sum(CASE WHEN e.kind = 'fact' AND e.invalid_at IS NOT NULL THEN 1 ELSE 0 END) AS expired
		`, map[string]any{"group_id": groupID})
		if err != nil {
			return nil, err
		}
		for res.Next(ctx) {
			record := res.Record()
			kind, _ := record.Get("kind")
			count, _ := record.Get("count")
			live, _ := record.Get("live")
			expired, _ := record.Get("expired")
			k, _ := kind.(string)
			c, _ := count.(int64)
			stats.EdgesByKind[k] = c
			stats.Edges += c
			if l, ok := live.(int64); ok {
				stats.LiveFacts += l
			}
			if e, ok := expired.(int64); ok {
				stats.ExpiredFacts += e
			}
		}
		return stats, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.(*Stats), nil
}

// Close shuts down the underlying driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// luceneSanitize escapes Lucene query syntax before passing user text into
// a fulltext index call.
func luceneSanitize(query string) string {
	replacer := strings.NewReplacer(
		"+", `\+`, "-", `\-`, "&", `\&`, "|", `\|`, "!", `\!`,
		"(", `\(`, ")", `\)`, "{", `\{`, "}", `\}`, "[", `\[`, "]", `\]`,
		"^", `\^`, `"`, `\"`, "~", `\~`, "*", `\*`, "?", `\?`, ":", `\:`,
		`\`, `\\`, "/", `\/`,
	)
	return strings.TrimSpace(replacer.Replace(query))
}

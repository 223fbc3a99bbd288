// Package retrieval provides hybrid candidate search over the graph store:
// vector similarity, lexical match and graph-local traversal run
// concurrently, and the fused results are reranked with MMR or RRF. It is a
// shared read primitive used by entity resolution, fact invalidation and
// any ingestion-adjacent read path.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/coalescedb/coalesce/pkg/driver"
	"github.com/coalescedb/coalesce/pkg/types"
)

// RRFRankConstant is the k in the reciprocal-rank-fusion formula
// 1/(k+rank). 60 is the conventional value.
const RRFRankConstant = 60

// Config tunes the searcher.
type Config struct {
	// Limit caps every result list.
	Limit int
	// MinScore drops vector hits below this similarity (in [0,1]).
	MinScore float64
	// MMRLambda trades relevance against diversity in MMR reranking.
	MMRLambda float64
}

// DefaultConfig returns the tuning the engine ships with.
func DefaultConfig() Config {
	return Config{Limit: 20, MinScore: 0.5, MMRLambda: 0.6}
}

// Searcher fans queries out over the store's retrieval strategies.
type Searcher struct {
	store  driver.GraphStore
	config Config
	logger *slog.Logger
}

// NewSearcher creates a Searcher over the given store.
func NewSearcher(store driver.GraphStore, config Config, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Limit <= 0 {
		config.Limit = DefaultConfig().Limit
	}
	if config.MMRLambda <= 0 || config.MMRLambda > 1 {
		config.MMRLambda = DefaultConfig().MMRLambda
	}
	return &Searcher{store: store, config: config, logger: logger}
}

type candidate struct {
	uuid      string
	embedding []float32
	score     float64
}

// DuplicateCandidates returns existing entity nodes plausibly referring to
// the same real-world thing as the draft. Three strategies run
// concurrently: embedding similarity on the name, lexical match on
// name/summary, and exact-name lookup in the partition.
func (s *Searcher) DuplicateCandidates(ctx context.Context, node *types.Node) ([]*types.Node, error) {
	var (
		byVector []*types.Node
		vectorSc []float64
		byText   []*types.Node
		byName   []*types.Node
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(node.NameEmbedding) == 0 {
			return nil
		}
		var err error
		byVector, vectorSc, err = s.store.SearchNodesByVector(gctx, node.GroupID, node.NameEmbedding, s.config.Limit*2, s.config.MinScore)
		return err
	})
	g.Go(func() error {
		var err error
		byText, err = s.store.SearchNodesByText(gctx, node.GroupID, node.Name, s.config.Limit*2)
		return err
	})
	g.Go(func() error {
		var err error
		byName, err = s.store.MatchNodes(gctx, node.GroupID, driver.NodeFilter{Kind: types.EntityNode, Name: node.Name}, s.config.Limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*types.Node)
	scores := make(map[string]float64)
	for i, n := range byVector {
		merged[n.UUID] = n
		scores[n.UUID] = vectorSc[i]
	}
	for _, list := range [][]*types.Node{byText, byName} {
		for rank, n := range list {
			if _, ok := merged[n.UUID]; !ok {
				merged[n.UUID] = n
				scores[n.UUID] = 1.0 / float64(RRFRankConstant+rank)
			}
		}
	}
	// The draft itself may already be persisted on a replay.
	delete(merged, node.UUID)

	cands := make([]candidate, 0, len(merged))
	for id, n := range merged {
		cands = append(cands, candidate{uuid: id, embedding: n.NameEmbedding, score: scores[id]})
	}
	picked := rerankMMR(node.NameEmbedding, cands, s.config.MMRLambda, s.config.Limit)

	out := make([]*types.Node, len(picked))
	for i, id := range picked {
		out[i] = merged[id]
	}
	return out, nil
}

// InvalidationCandidates returns the live facts a newly accepted fact might
// supersede: every edge between the same endpoint pair in either direction,
// plus live facts sharing the new fact's source endpoint and relation name
// (the "object changed" case).
func (s *Searcher) InvalidationCandidates(ctx context.Context, edge *types.Edge) ([]*types.Edge, error) {
	var (
		between  []*types.Edge
		sameName []*types.Edge
	)
	live := true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		between, err = s.store.EdgesBetween(gctx, edge.GroupID, edge.SourceID, edge.TargetID)
		return err
	})
	g.Go(func() error {
		if edge.Name == "" {
			return nil
		}
		var err error
		sameName, err = s.store.MatchEdges(gctx, edge.GroupID, driver.EdgeFilter{
			Kinds:    []types.EdgeKind{types.FactEdge},
			Name:     edge.Name,
			SourceID: edge.SourceID,
			Live:     &live,
		}, s.config.Limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*types.Edge)
	for _, e := range append(between, sameName...) {
		if e.UUID == edge.UUID || e.Kind != types.FactEdge {
			continue
		}
		merged[e.UUID] = e
	}

	out := make([]*types.Edge, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	if len(out) > s.config.Limit {
		out = out[:s.config.Limit]
	}
	return out, nil
}

// RelatedFacts returns facts semantically related to the given edge,
// fusing vector and lexical hits with reciprocal-rank fusion.
func (s *Searcher) RelatedFacts(ctx context.Context, edge *types.Edge) ([]*types.Edge, error) {
	var (
		byVector []*types.Edge
		byText   []*types.Edge
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(edge.FactEmbedding) == 0 {
			return nil
		}
		var err error
		byVector, _, err = s.store.SearchEdgesByVector(gctx, edge.GroupID, edge.FactEmbedding, s.config.Limit*2, s.config.MinScore)
		return err
	})
	g.Go(func() error {
		if edge.Fact == "" {
			return nil
		}
		var err error
		byText, err = s.store.SearchEdgesByText(gctx, edge.GroupID, edge.Fact, s.config.Limit*2)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*types.Edge)
	for _, list := range [][]*types.Edge{byVector, byText} {
		for _, e := range list {
			if e.UUID != edge.UUID {
				merged[e.UUID] = e
			}
		}
	}

	ranked := rerankRRF([][]string{uuidsOfEdges(byVector), uuidsOfEdges(byText)}, s.config.Limit)
	out := make([]*types.Edge, 0, len(ranked))
	for _, id := range ranked {
		if e, ok := merged[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func uuidsOfEdges(edges []*types.Edge) []string {
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.UUID
	}
	return ids
}

// rerankMMR applies maximal-marginal-relevance selection: it iteratively
// picks the candidate maximizing lambda*relevance minus
// (1-lambda)*max-similarity to the already-picked set, so the final list is
// not dominated by near-identical duplicates of one candidate. Ties break
// by UUID for determinism.
func rerankMMR(queryVec []float32, cands []candidate, lambda float64, limit int) []string {
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].uuid < cands[j].uuid
	})
	if len(queryVec) == 0 {
		picked := make([]string, 0, min(limit, len(cands)))
		for i := 0; i < len(cands) && i < limit; i++ {
			picked = append(picked, cands[i].uuid)
		}
		return picked
	}

	remaining := append([]candidate(nil), cands...)
	var picked []candidate
	for len(remaining) > 0 && len(picked) < limit {
		bestIdx := -1
		bestScore := -1e9
		for i, c := range remaining {
			maxSim := 0.0
			for _, p := range picked {
				if sim := driver.CosineSimilarity(c.embedding, p.embedding); sim > maxSim {
					maxSim = sim
				}
			}
			mmr := lambda*c.score - (1-lambda)*maxSim
			if mmr > bestScore || (mmr == bestScore && bestIdx >= 0 && c.uuid < remaining[bestIdx].uuid) {
				bestScore = mmr
				bestIdx = i
			}
		}
		picked = append(picked, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	out := make([]string, len(picked))
	for i, c := range picked {
		out[i] = c.uuid
	}
	return out
}

// rerankRRF fuses ranked lists without a shared numeric score: each list
// contributes 1/(k+rank) per candidate, summed. Ties break by UUID.
func rerankRRF(lists [][]string, limit int) []string {
	scores := make(map[string]float64)
	for _, list := range lists {
		for rank, id := range list {
			scores[id] += 1.0 / float64(RRFRankConstant+rank)
		}
	}
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// NormalizeQuery collapses whitespace before a query reaches lexical
// search.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

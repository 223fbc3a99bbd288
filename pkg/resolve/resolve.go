// Package resolve decides whether a freshly extracted entity or fact is
// the same as something already in the graph. It returns decisions only;
// persistence stays with the orchestrator.
package resolve

import (
	"reflect"
	"sort"
	"strings"

	"github.com/coalescedb/coalesce/pkg/types"
)

// DefaultThreshold is the acceptance score above which a candidate is
// taken as the canonical match.
const DefaultThreshold = 0.8

// Status of a resolution decision.
type Status string

const (
	// StatusNew means no candidate scored above the threshold.
	StatusNew Status = "new"
	// StatusMatched means an existing element was accepted as canonical.
	StatusMatched Status = "matched"
)

// NodeResolution is the outcome of resolving one draft entity.
type NodeResolution struct {
	Status Status
	// Existing is the accepted canonical node when Status is matched.
	Existing *types.Node
	Score    float64
	// ExtraDuplicates are further candidates that also cleared the
	// threshold; the orchestrator surfaces them to the merge engine as
	// not-yet-consolidated duplicate pairs.
	ExtraDuplicates []*types.Node
}

// EdgeResolution is the outcome of resolving one draft fact.
type EdgeResolution struct {
	Status   Status
	Existing *types.Edge
	Score    float64
}

// Resolver scores drafts against retrieval candidates.
type Resolver struct {
	threshold float64
}

// NewResolver creates a resolver with the given acceptance threshold;
// values outside (0,1] fall back to the default.
func NewResolver(threshold float64) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Resolver{threshold: threshold}
}

// ResolveEntity compares the draft against each candidate using name
// similarity blended with attribute overlap. The highest-scoring candidate
// at or above the threshold wins; ties prefer the oldest candidate. An
// empty or all-below-threshold candidate set resolves to new, which is not
// an error.
func (r *Resolver) ResolveEntity(draft *types.Node, candidates []*types.Node) NodeResolution {
	type scored struct {
		node  *types.Node
		score float64
	}
	var accepted []scored
	for _, cand := range candidates {
		if cand.UUID == draft.UUID || cand.MergedInto() != "" {
			continue
		}
		score := r.entityScore(draft, cand)
		if score >= r.threshold {
			accepted = append(accepted, scored{node: cand, score: score})
		}
	}
	if len(accepted) == 0 {
		return NodeResolution{Status: StatusNew}
	}

	sort.Slice(accepted, func(i, j int) bool {
		if accepted[i].score != accepted[j].score {
			return accepted[i].score > accepted[j].score
		}
		// Prefer the longer-lived node.
		if !accepted[i].node.CreatedAt.Equal(accepted[j].node.CreatedAt) {
			return accepted[i].node.CreatedAt.Before(accepted[j].node.CreatedAt)
		}
		return accepted[i].node.UUID < accepted[j].node.UUID
	})

	res := NodeResolution{
		Status:   StatusMatched,
		Existing: accepted[0].node,
		Score:    accepted[0].score,
	}
	for _, s := range accepted[1:] {
		res.ExtraDuplicates = append(res.ExtraDuplicates, s.node)
	}
	return res
}

// ResolveFact decides whether the draft is the same fact as one of the
// candidates: it must share both endpoints (after entity resolution) and
// its relation name must be equal or similarity-equivalent.
func (r *Resolver) ResolveFact(draft *types.Edge, candidates []*types.Edge) EdgeResolution {
	best := EdgeResolution{Status: StatusNew}
	for _, cand := range candidates {
		if cand.Kind != types.FactEdge {
			continue
		}
		if cand.SourceID != draft.SourceID || cand.TargetID != draft.TargetID {
			continue
		}
		score := r.relationScore(draft.Name, cand.Name)
		if score < r.threshold {
			continue
		}
		if best.Status == StatusNew || score > best.Score ||
			(score == best.Score && cand.CreatedAt.Before(best.Existing.CreatedAt)) {
			best = EdgeResolution{Status: StatusMatched, Existing: cand, Score: score}
		}
	}
	return best
}

// MergeMatchedFact folds a draft into its matched existing edge: episode
// provenance is unioned, the existing fact text is kept unless empty, and
// the earliest valid_at wins.
func MergeMatchedFact(existing *types.Edge, draft *types.Edge) *types.Edge {
	merged := *existing
	for _, ep := range draft.Episodes {
		merged.AddEpisode(ep)
	}
	if merged.Fact == "" {
		merged.Fact = draft.Fact
	}
	if draft.ValidAt.Before(merged.ValidAt) {
		merged.ValidAt = draft.ValidAt
	}
	return &merged
}

// MergeMatchedEntity folds a draft into its matched existing node: the
// existing summary is kept unless empty, attributes are unioned with the
// existing side winning conflicts, and labels are unioned.
func MergeMatchedEntity(existing *types.Node, draft *types.Node) *types.Node {
	merged := *existing
	if merged.Summary == "" {
		merged.Summary = draft.Summary
	}
	if len(draft.Attributes) > 0 {
		attrs := make(map[string]any, len(merged.Attributes)+len(draft.Attributes))
		for k, v := range draft.Attributes {
			attrs[k] = v
		}
		for k, v := range merged.Attributes {
			attrs[k] = v
		}
		merged.Attributes = attrs
	}
	for _, label := range draft.Labels {
		if !containsFold(merged.Labels, label) {
			merged.Labels = append(merged.Labels, label)
		}
	}
	return &merged
}

// entityScore blends name similarity with attribute overlap. Names carry
// most of the weight; attributes only matter when both sides have them.
func (r *Resolver) entityScore(draft, cand *types.Node) float64 {
	name := nameSimilarity(draft.Name, cand.Name)
	if len(draft.Attributes) == 0 || len(cand.Attributes) == 0 {
		return name
	}
	return 0.8*name + 0.2*attributeOverlap(draft.Attributes, cand.Attributes)
}

func (r *Resolver) relationScore(a, b string) float64 {
	return nameSimilarity(normalizeRelation(a), normalizeRelation(b))
}

func normalizeRelation(rel string) string {
	return strings.ToLower(strings.ReplaceAll(rel, "_", " "))
}

// nameSimilarity is 1 for a case-folded exact match, otherwise the Jaccard
// overlap of the token sets.
func nameSimilarity(a, b string) float64 {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	if strings.EqualFold(a, b) {
		return 1
	}
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}
	var inter, union int
	for tok := range tokensA {
		if tokensB[tok] {
			inter++
		}
	}
	union = len(tokensA) + len(tokensB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(tok, ".,;:!?\"'()")] = true
	}
	delete(set, "")
	return set
}

// attributeOverlap is the fraction of shared keys whose values agree.
// Values come from JSON and may be nested slices or maps, so equality has
// to be structural; a plain interface comparison would panic on them.
func attributeOverlap(a, b map[string]any) float64 {
	shared, agree := 0, 0
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			continue
		}
		shared++
		if reflect.DeepEqual(va, vb) {
			agree++
		}
	}
	if shared == 0 {
		return 0
	}
	return float64(agree) / float64(shared)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

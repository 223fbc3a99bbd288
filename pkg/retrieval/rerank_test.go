package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRerankRRFFusesLists(t *testing.T) {
	// "b" appears in both lists, so it outranks the two singles.
	ranked := rerankRRF([][]string{
		{"a", "b", "c"},
		{"b", "d"},
	}, 0)
	assert.Equal(t, "b", ranked[0])
	assert.Len(t, ranked, 4)
}

func TestRerankRRFDeterministicTieBreak(t *testing.T) {
	// Same rank in disjoint lists gives identical scores.
	first := rerankRRF([][]string{{"z"}, {"a"}}, 0)
	second := rerankRRF([][]string{{"a"}, {"z"}}, 0)
	assert.Equal(t, []string{"a", "z"}, first)
	assert.Equal(t, first, second)
}

func TestRerankRRFLimit(t *testing.T) {
	ranked := rerankRRF([][]string{{"a", "b", "c", "d"}}, 2)
	assert.Equal(t, []string{"a", "b"}, ranked)
}

func TestRerankMMRPenalizesRedundancy(t *testing.T) {
	query := []float32{1, 0}
	cands := []candidate{
		{uuid: "near1", embedding: []float32{1, 0}, score: 0.95},
		{uuid: "near2", embedding: []float32{0.99, 0.05}, score: 0.94},
		{uuid: "diverse", embedding: []float32{0, 1}, score: 0.70},
	}
	picked := rerankMMR(query, cands, 0.5, 2)
	assert.Equal(t, []string{"near1", "diverse"}, picked,
		"second pick should be the diverse candidate, not the near-duplicate")
}

func TestRerankMMRPureRelevance(t *testing.T) {
	query := []float32{1, 0}
	cands := []candidate{
		{uuid: "low", embedding: []float32{1, 0}, score: 0.2},
		{uuid: "high", embedding: []float32{1, 0}, score: 0.9},
	}
	picked := rerankMMR(query, cands, 1.0, 2)
	assert.Equal(t, []string{"high", "low"}, picked)
}

func TestRerankMMRWithoutQueryVectorFallsBackToScoreOrder(t *testing.T) {
	cands := []candidate{
		{uuid: "b", score: 0.5},
		{uuid: "a", score: 0.5},
		{uuid: "c", score: 0.9},
	}
	picked := rerankMMR(nil, cands, 0.6, 2)
	assert.Equal(t, []string{"c", "a"}, picked)
}

func TestRerankMMREmpty(t *testing.T) {
	assert.Nil(t, rerankMMR([]float32{1}, nil, 0.6, 5))
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "alice works at acme", NormalizeQuery("  alice \t works\nat   acme "))
	assert.Equal(t, "", NormalizeQuery("   "))
}

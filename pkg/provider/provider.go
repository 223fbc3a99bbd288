// Package provider abstracts the external model services the engine calls
// during ingestion: an embedder for vector representations and an
// extractor that turns raw episode content into draft entities and facts.
// Implementations are treated as untrusted: output is schema-checked and
// repaired before anything downstream sees it.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/coalescedb/coalesce/pkg/types"
)

// ErrProviderUnavailable marks failures of the external service itself,
// including a tripped circuit breaker. Callers retry with backoff or
// dead-letter the episode rather than failing the whole partition.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Embedder produces vector representations for text. Implementations must
// return one vector per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the vector width, 0 when the model decides.
	Dimensions() int
}

// EmbedSingle embeds one text.
func EmbedSingle(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed single: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}

// Extraction is the structured result of running the extractor over one
// episode: candidate entities and the facts asserted between them,
// referenced by entity name.
type Extraction struct {
	Entities []types.DraftEntity `json:"entities"`
	Facts    []types.DraftFact   `json:"facts"`
}

// Extractor turns episode content into an Extraction. Previous episodes
// from the same partition are passed as conversational context so
// pronouns and ellipses resolve to names already seen.
type Extractor interface {
	Extract(ctx context.Context, episode *types.Episode, previous []*types.Episode) (*Extraction, error)
}

// validate drops drafts that could not survive resolution anyway: unnamed
// entities and facts whose endpoints are missing.
func (x *Extraction) validate() {
	entities := x.Entities[:0]
	names := make(map[string]struct{}, len(x.Entities))
	for _, e := range x.Entities {
		if e.Name == "" {
			continue
		}
		entities = append(entities, e)
		names[e.Name] = struct{}{}
	}
	x.Entities = entities

	facts := x.Facts[:0]
	for _, f := range x.Facts {
		if f.SourceName == "" || f.TargetName == "" || f.Relation == "" {
			continue
		}
		if _, ok := names[f.SourceName]; !ok {
			continue
		}
		if _, ok := names[f.TargetName]; !ok {
			continue
		}
		facts = append(facts, f)
	}
	x.Facts = facts
}

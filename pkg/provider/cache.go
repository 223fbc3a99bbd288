package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultCacheTTL is how long cached embeddings stay valid. Embeddings for
// the same model and text never change, so the TTL only bounds disk growth.
const DefaultCacheTTL = 30 * 24 * time.Hour

// CachedEmbedder wraps an Embedder with a badger-backed cache keyed by a
// hash of model and text. Re-ingesting the same content, which is common
// when episodes are retried, skips the provider entirely.
type CachedEmbedder struct {
	inner Embedder
	db    *badger.DB
	model string
	ttl   time.Duration
}

// NewCachedEmbedder opens a cache at path. An empty path keeps the cache
// in memory, which is what the tests use.
func NewCachedEmbedder(inner Embedder, path, model string) (*CachedEmbedder, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, db: db, model: model, ttl: DefaultCacheTTL}, nil
}

// Embed implements Embedder. Hits are served locally; only the misses go
// to the wrapped embedder, in one batch, and are written back after.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	err := c.db.View(func(txn *badger.Txn) error {
		for i, text := range texts {
			item, err := txn.Get(c.key(text))
			if err == badger.ErrKeyNotFound {
				missIdx = append(missIdx, i)
				missTexts = append(missTexts, text)
				continue
			}
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var vec []float32
			if err := json.Unmarshal(raw, &vec); err != nil {
				missIdx = append(missIdx, i)
				missTexts = append(missTexts, text)
				continue
			}
			out[i] = vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedding cache: asked for %d vectors, got %d", len(missTexts), len(fresh))
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		for j, vec := range fresh {
			out[missIdx[j]] = vec
			raw, err := json.Marshal(vec)
			if err != nil {
				return err
			}
			entry := badger.NewEntry(c.key(missTexts[j]), raw).WithTTL(c.ttl)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Dimensions implements Embedder.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Close releases the cache database.
func (c *CachedEmbedder) Close() error { return c.db.Close() }

func (c *CachedEmbedder) key(text string) []byte {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return []byte("emb|" + base64.RawStdEncoding.EncodeToString(sum[:]))
}

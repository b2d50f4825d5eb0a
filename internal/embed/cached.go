package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	ragerr "github.com/velumlabs/ragd/internal/errors"
)

// DefaultCacheSize is the default LRU capacity for cached embeddings.
const DefaultCacheSize = 512

// CachedEmbedder wraps another embedder with an in-memory LRU cache keyed
// by a fingerprint of the text and model. Re-indexing unchanged content
// hits the cache instead of the provider.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
	log   *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with an LRU cache of the given capacity.
// A non-positive size falls back to DefaultCacheSize.
func NewCachedEmbedder(inner Embedder, size int, log *slog.Logger) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeInternal, "create embedding cache", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache, log: log}, nil
}

// fingerprint derives the cache key from normalized text and the model
// name. Long texts are truncated before hashing so pathological inputs
// do not dominate hashing time; the chunker keeps real chunks far below
// the cap anyway.
func (c *CachedEmbedder) fingerprint(text string) string {
	normalized := strings.TrimSpace(text)
	if len(normalized) > maxFingerprintBytes {
		normalized = normalized[:maxFingerprintBytes]
	}
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(c.inner.ModelName()))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *CachedEmbedder) Initialize(ctx context.Context, fn ProgressFunc) error {
	return c.inner.Initialize(ctx, fn)
}

// Embed returns the cached vector when present, otherwise delegates to
// the inner embedder and stores the result.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.fingerprint(text)
	if vec, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch serves cached entries and only sends the misses to the
// inner embedder, reassembling results in input order.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		keys[i] = c.fingerprint(text)
		if vec, ok := c.cache.Get(keys[i]); ok {
			c.hits.Add(1)
			out[i] = vec
			continue
		}
		c.misses.Add(1)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, ragerr.New(ragerr.ErrCodeEmbeddingFailed, "embedder returned wrong batch size", nil)
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Add(keys[i], vecs[j])
	}
	return out, nil
}

// Stats returns cache hit and miss counters.
func (c *CachedEmbedder) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

// Purge empties the cache.
func (c *CachedEmbedder) Purge() {
	c.cache.Purge()
}

func (c *CachedEmbedder) Dimensions() int                    { return c.inner.Dimensions() }
func (c *CachedEmbedder) ModelName() string                  { return c.inner.ModelName() }
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

func (c *CachedEmbedder) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}

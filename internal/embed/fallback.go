package embed

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// FallbackEmbedder wraps a primary embedder and degrades to deterministic
// pseudo-embeddings (same dimension) when the primary fails. Downstream
// indexing and search never block entirely on provider availability;
// vector quality is reduced, not lost.
type FallbackEmbedder struct {
	primary Embedder
	log     *slog.Logger

	// degraded counts how many embeddings were served by the fallback.
	degraded atomic.Int64
}

var _ Embedder = (*FallbackEmbedder)(nil)

// NewFallbackEmbedder wraps primary with pseudo-embedding degradation.
func NewFallbackEmbedder(primary Embedder, log *slog.Logger) *FallbackEmbedder {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackEmbedder{primary: primary, log: log}
}

// Initialize initializes the primary. A primary that fails to initialize
// is not fatal: the embedder stays usable in degraded mode.
func (f *FallbackEmbedder) Initialize(ctx context.Context, fn ProgressFunc) error {
	if err := f.primary.Initialize(ctx, fn); err != nil {
		f.log.Warn("embedding provider unavailable, running degraded",
			slog.String("model", f.primary.ModelName()),
			slog.String("error", err.Error()))
		report(fn, "degraded", 100)
	}
	return nil
}

// Embed returns the primary's embedding, or a pseudo-embedding on failure.
func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := f.primary.Embed(ctx, text)
	if err == nil {
		return vec, nil
	}
	// Context cancellation is the caller's abort, not a provider fault.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	f.noteDegraded(err, 1)
	return PseudoEmbedding(text, f.Dimensions()), nil
}

// EmbedBatch returns the primary's embeddings, substituting
// pseudo-embeddings for the whole batch on failure.
func (f *FallbackEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := f.primary.EmbedBatch(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	f.noteDegraded(err, len(texts))
	dims := f.Dimensions()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = PseudoEmbedding(t, dims)
	}
	return out, nil
}

func (f *FallbackEmbedder) noteDegraded(cause error, n int) {
	total := f.degraded.Add(int64(n))
	f.log.Warn("provider embed failed, serving pseudo-embedding",
		slog.Int("texts", n),
		slog.Int64("degraded_total", total),
		slog.String("error", cause.Error()))
}

// DegradedCount returns how many embeddings were served by the fallback.
func (f *FallbackEmbedder) DegradedCount() int64 {
	return f.degraded.Load()
}

// Dimensions returns the primary's dimension so degraded vectors stay in
// the same embedding space shape.
func (f *FallbackEmbedder) Dimensions() int {
	if d := f.primary.Dimensions(); d > 0 {
		return d
	}
	return StaticDimensions
}

// ModelName returns the primary's model identifier.
func (f *FallbackEmbedder) ModelName() string {
	return f.primary.ModelName()
}

// Available is always true: degraded mode keeps the embedder usable.
func (f *FallbackEmbedder) Available(ctx context.Context) bool {
	return true
}

// Close closes the primary.
func (f *FallbackEmbedder) Close() error {
	return f.primary.Close()
}

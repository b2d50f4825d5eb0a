// Package embed generates vector embeddings for text.
//
// The Embedder interface is implemented by an Ollama-backed provider and
// by a deterministic hash-based static embedder. Production wiring stacks
// them: CachedEmbedder -> FallbackEmbedder -> OllamaEmbedder, so repeated
// texts are served from cache and provider outages degrade to
// pseudo-embeddings instead of blocking indexing.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants.
const (
	// StaticDimensions is the default dimension for the static embedder.
	StaticDimensions = 256

	// DefaultTimeout is the default timeout for provider requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for
	// transient provider failures.
	DefaultMaxRetries = 2

	// maxFingerprintBytes bounds the text prefix hashed for cache keys.
	maxFingerprintBytes = 8192
)

// Progress reports embedder initialization progress, since the underlying
// model may need to be loaded or pulled lazily.
type Progress struct {
	// Stage names the current initialization step.
	Stage string
	// Percent is the completion estimate in [0, 100].
	Percent float64
}

// ProgressFunc receives initialization progress updates. May be nil.
type ProgressFunc func(Progress)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Initialize prepares the embedder (model load, health check),
	// reporting progress through fn when non-nil.
	Initialize(ctx context.Context, fn ProgressFunc) error

	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

func report(fn ProgressFunc, stage string, pct float64) {
	if fn != nil {
		fn(Progress{Stage: stage, Percent: pct})
	}
}

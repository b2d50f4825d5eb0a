// Package search answers natural-language queries over indexed documents
// by cosine similarity between the query embedding and stored chunk
// embeddings.
//
// Two retrieval paths share one contract: an exact linear scan over all
// embeddings, and an optional approximate HNSW index that trades a little
// recall for sublinear lookups on large corpora. Results are identical in
// shape either way.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/velumlabs/ragd/internal/embed"
	ragerr "github.com/velumlabs/ragd/internal/errors"
	"github.com/velumlabs/ragd/internal/store"
)

const (
	// DefaultLimit is how many results a search returns by default.
	DefaultLimit = 5

	// DefaultThreshold drops results whose similarity is too low to be
	// useful as context.
	DefaultThreshold = 0.25

	// ContextRadius is how many characters of the source document are
	// included on each side of a matched chunk.
	ContextRadius = 200
)

// Result is one matched chunk with its surrounding document context.
type Result struct {
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	ChunkIndex    int     `json:"chunk_index"`
	Text          string  `json:"text"`
	Context       string  `json:"context"`
	Score         float64 `json:"score"`
	StartPos      int     `json:"start_pos"`
	EndPos        int     `json:"end_pos"`
}

// Options tunes a single search call. Zero values take defaults.
type Options struct {
	// Limit caps the number of results.
	Limit int

	// Threshold drops results scoring below it. Negative disables the
	// filter entirely.
	Threshold float64

	// DocumentID restricts the search to one document.
	DocumentID string
}

// Engine executes similarity searches.
type Engine struct {
	docs     store.DocumentStore
	embs     store.EmbeddingStore
	embedder embed.Embedder
	ann      *annIndex
	log      *slog.Logger

	// queries collapses concurrent identical query embeddings into one
	// provider call.
	queries singleflight.Group
}

// NewEngine creates a search engine over the given stores and embedder.
// When useANN is set, searches go through an HNSW index that is rebuilt
// lazily after mutations; otherwise every search scans all embeddings.
func NewEngine(docs store.DocumentStore, embs store.EmbeddingStore, embedder embed.Embedder, useANN bool, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{docs: docs, embs: embs, embedder: embedder, log: log}
	if useANN {
		e.ann = newANNIndex(embs, log)
	}
	return e
}

// MarkDirty tells the engine that embeddings changed. The next search
// rebuilds the approximate index before answering. No-op without ANN.
func (e *Engine) MarkDirty() {
	if e.ann != nil {
		e.ann.markDirty()
	}
}

// Search returns the chunks most similar to the query, best first.
// Ties preserve embedding insertion order. An empty query is an error.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ragerr.New(ragerr.ErrCodeQueryEmpty, "search query is empty", nil)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}

	start := time.Now()
	qvec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeSearchFailed, "embed query", err)
	}

	var matches []scored
	if e.ann != nil && opts.DocumentID == "" {
		matches, err = e.ann.search(ctx, qvec, opts.Limit, opts.Threshold)
	} else {
		matches, err = e.scan(ctx, qvec, opts)
	}
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeSearchFailed, "retrieve candidates", err)
	}

	results, err := e.materialize(ctx, matches, opts.Limit)
	if err != nil {
		return nil, err
	}

	e.log.Debug("search completed",
		slog.Int("results", len(results)),
		slog.Duration("took", time.Since(start)))
	return results, nil
}

// SearchContext runs a search and formats the results as a single block
// of prompt-ready context, sources labelled and separated.
func (e *Engine) SearchContext(ctx context.Context, query string, opts Options) (string, error) {
	results, err := e.Search(ctx, query, opts)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "[Source %d: %s (relevance %.2f)]\n", i+1, r.DocumentTitle, r.Score)
		b.WriteString(r.Context)
	}
	return b.String(), nil
}

// embedQuery embeds the query text, collapsing concurrent duplicates.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	v, err, _ := e.queries.Do(query, func() (any, error) {
		return e.embedder.Embed(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

type scored struct {
	emb   *store.Embedding
	score float64
}

// scan is the exact path: cosine similarity against every stored
// embedding, filtered by threshold; stable sort keeps insertion order
// for equal scores.
func (e *Engine) scan(ctx context.Context, qvec []float32, opts Options) ([]scored, error) {
	embs, err := e.embs.All(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]scored, 0, opts.Limit)
	for _, emb := range embs {
		if opts.DocumentID != "" && emb.DocumentID != opts.DocumentID {
			continue
		}
		score := Cosine(qvec, emb.Vector)
		if score < opts.Threshold {
			continue
		}
		matches = append(matches, scored{emb: emb, score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	// Keep spare candidates; materialize trims to the limit after
	// skipping matches whose document has since been deleted.
	if keep := 2 * opts.Limit; len(matches) > keep {
		matches = matches[:keep]
	}
	return matches, nil
}

// materialize resolves matches into results with expanded context.
// Documents deleted between retrieval and resolution are skipped.
func (e *Engine) materialize(ctx context.Context, matches []scored, limit int) ([]Result, error) {
	docCache := make(map[string]*store.Document)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		doc, ok := docCache[m.emb.DocumentID]
		if !ok {
			var err error
			doc, err = e.docs.Get(ctx, m.emb.DocumentID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, ragerr.Wrap(ragerr.ErrCodeStorageRead, err)
			}
			docCache[m.emb.DocumentID] = doc
		}

		results = append(results, Result{
			DocumentID:    doc.ID,
			DocumentTitle: doc.Title,
			ChunkIndex:    m.emb.ChunkIndex,
			Text:          m.emb.Text,
			Context:       expandContext(doc.Content, m.emb.Meta.StartPos, m.emb.Meta.EndPos),
			Score:         m.score,
			StartPos:      m.emb.Meta.StartPos,
			EndPos:        m.emb.Meta.EndPos,
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// expandContext returns the chunk span widened by ContextRadius on each
// side, ellipsized where the document continues beyond the window. The
// positions may be stale after an edit; they are clamped to the current
// content.
func expandContext(content string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(content) {
		end = len(content)
	}
	if start >= end {
		return ""
	}

	from := max(start-ContextRadius, 0)
	to := min(end+ContextRadius, len(content))

	var b strings.Builder
	if from > 0 {
		b.WriteString("…")
	}
	b.WriteString(content[from:to])
	if to < len(content) {
		b.WriteString("…")
	}
	return b.String()
}

// Cosine computes cosine similarity between two vectors. Mismatched
// lengths or a zero-norm vector score 0 rather than erroring, so one
// malformed embedding cannot fail a whole search.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

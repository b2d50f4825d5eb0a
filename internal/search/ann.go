package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/velumlabs/ragd/internal/store"
)

// annIndex is an approximate nearest neighbor index over the embedding
// store. It is rebuilt lazily: mutations only flip a dirty flag, and the
// next search pays for the rebuild. Corpus sizes here make a full rebuild
// cheaper and simpler than incremental deletes, which coder/hnsw handles
// poorly anyway.
type annIndex struct {
	embs store.EmbeddingStore
	log  *slog.Logger

	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	ids   map[uint64]string
	dirty bool
	built bool

	// overfetch compensates for post-filtering by threshold.
	overfetch int
}

func newANNIndex(embs store.EmbeddingStore, log *slog.Logger) *annIndex {
	return &annIndex{
		embs:      embs,
		log:       log,
		ids:       make(map[uint64]string),
		dirty:     true,
		overfetch: 3,
	}
}

func (a *annIndex) markDirty() {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

// search returns the best matches above the threshold, best first.
func (a *annIndex) search(ctx context.Context, qvec []float32, k int, threshold float64) ([]scored, error) {
	if err := a.ensureBuilt(ctx); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.graph.Len() == 0 {
		return nil, nil
	}

	nodes := a.graph.Search(qvec, k*a.overfetch)

	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if id, ok := a.ids[node.Key]; ok {
			ids = append(ids, id)
		}
	}
	embs, err := a.embs.ByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*store.Embedding, len(embs))
	for _, emb := range embs {
		byID[emb.ID] = emb
	}

	// Preserve graph ranking, re-scoring exactly with cosine. Twice k
	// candidates are kept so downstream resolution can skip matches
	// whose document has since been deleted.
	matches := make([]scored, 0, 2*k)
	for _, id := range ids {
		emb, ok := byID[id]
		if !ok {
			continue
		}
		score := Cosine(qvec, emb.Vector)
		if score < threshold {
			continue
		}
		matches = append(matches, scored{emb: emb, score: score})
		if len(matches) >= 2*k {
			break
		}
	}
	return matches, nil
}

// ensureBuilt rebuilds the graph if embeddings changed since last build.
func (a *annIndex) ensureBuilt(ctx context.Context) error {
	a.mu.RLock()
	fresh := a.built && !a.dirty
	a.mu.RUnlock()
	if fresh {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.built && !a.dirty {
		return nil
	}

	start := time.Now()
	embs, err := a.embs.All(ctx)
	if err != nil {
		return err
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	ids := make(map[uint64]string, len(embs))
	for i, emb := range embs {
		key := uint64(i)
		graph.Add(hnsw.MakeNode(key, emb.Vector))
		ids[key] = emb.ID
	}

	a.graph = graph
	a.ids = ids
	a.dirty = false
	a.built = true

	a.log.Debug("rebuilt vector index",
		slog.Int("vectors", len(embs)),
		slog.Duration("took", time.Since(start)))
	return nil
}

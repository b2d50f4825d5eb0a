package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/ragd/internal/embed"
	ragerr "github.com/velumlabs/ragd/internal/errors"
	"github.com/velumlabs/ragd/internal/store"
)

const testDims = 64

// seedDocument stores a document and one embedding per provided chunk
// text, embedding them with the same static embedder searches use.
func seedDocument(t *testing.T, docs *store.MemoryDocumentStore, embs *store.MemoryEmbeddingStore, e embed.Embedder, id, title string, chunks ...string) {
	t.Helper()
	ctx := context.Background()

	content := ""
	records := make([]*store.Embedding, len(chunks))
	for i, text := range chunks {
		start := len(content)
		content += text
		vec, err := e.Embed(ctx, text)
		require.NoError(t, err)
		records[i] = &store.Embedding{
			ID:         id + "-" + string(rune('a'+i)),
			DocumentID: id,
			ChunkIndex: i,
			Text:       text,
			Vector:     vec,
			Meta:       store.ChunkMeta{StartPos: start, EndPos: len(content)},
			Model:      e.ModelName(),
		}
	}

	require.NoError(t, docs.Create(ctx, &store.Document{
		ID:      id,
		Title:   title,
		Content: content,
		Status:  store.StatusCompleted,
		Indexed: true,
	}))
	require.NoError(t, embs.SaveBatch(ctx, records))
}

func newTestEngine(t *testing.T, useANN bool) (*Engine, *store.MemoryDocumentStore, *store.MemoryEmbeddingStore, embed.Embedder) {
	t.Helper()
	docs := store.NewMemoryDocumentStore()
	embs := store.NewMemoryEmbeddingStore(testDims)
	embedder := embed.NewStaticEmbedder(testDims)
	return NewEngine(docs, embs, embedder, useANN, nil), docs, embs, embedder
}

// ============================================================================
// Query validation
// ============================================================================

func TestEngine_Search_EmptyQueryRejected(t *testing.T) {
	e, _, _, _ := newTestEngine(t, false)

	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := e.Search(context.Background(), q, Options{})
		require.Error(t, err)
		assert.Equal(t, ragerr.ErrCodeQueryEmpty, ragerr.GetCode(err))
	}
}

func TestEngine_Search_EmptyCorpusReturnsNoResults(t *testing.T) {
	e, _, _, _ := newTestEngine(t, false)

	results, err := e.Search(context.Background(), "anything at all", Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

// ============================================================================
// Ranking
// ============================================================================

func TestEngine_Search_MostRelevantChunkRanksFirst(t *testing.T) {
	// Given: documents about different topics
	e, docs, embs, embedder := newTestEngine(t, false)
	seedDocument(t, docs, embs, embedder, "cooking", "Cooking Guide",
		"Preheat the oven and roast the vegetables with olive oil and garlic. ",
		"Simmer the tomato sauce slowly until it thickens and season with basil. ")
	seedDocument(t, docs, embs, embedder, "golang", "Go Notes",
		"Goroutines and channels make concurrent programming in Go approachable. ",
		"The garbage collector pauses are short enough for most server workloads. ")

	// When: I search for a cooking question
	results, err := e.Search(context.Background(),
		"how do I roast vegetables in the oven", Options{Threshold: -1})

	// Then: the matching cooking chunk comes first with full metadata
	require.NoError(t, err)
	require.NotEmpty(t, results)
	top := results[0]
	assert.Equal(t, "cooking", top.DocumentID)
	assert.Equal(t, "Cooking Guide", top.DocumentTitle)
	assert.Contains(t, top.Text, "roast the vegetables")
	assert.Positive(t, top.Score)

	// And: scores are non-increasing
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestEngine_Search_LimitCapsResults(t *testing.T) {
	e, docs, embs, embedder := newTestEngine(t, false)
	seedDocument(t, docs, embs, embedder, "doc", "Doc",
		"apples and oranges ", "oranges and apples ", "apples oranges fruit ",
		"fruit apples oranges ", "oranges fruit apples ")

	results, err := e.Search(context.Background(), "apples oranges",
		Options{Limit: 2, Threshold: -1})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestEngine_Search_ThresholdFiltersWeakMatches(t *testing.T) {
	// Given: a corpus with nothing about the query topic
	e, docs, embs, embedder := newTestEngine(t, false)
	seedDocument(t, docs, embs, embedder, "doc", "Doc",
		"completely unrelated text about knitting patterns and wool ")

	// When: I search with a strict threshold
	results, err := e.Search(context.Background(),
		"quantum chromodynamics lattice simulations", Options{Threshold: 0.9})

	// Then: the weak match is dropped rather than returned
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_Search_TiesPreserveInsertionOrder(t *testing.T) {
	// Given: two chunks with identical text, hence identical vectors
	e, docs, embs, embedder := newTestEngine(t, false)
	seedDocument(t, docs, embs, embedder, "first", "First", "identical chunk text ")
	seedDocument(t, docs, embs, embedder, "second", "Second", "identical chunk text ")

	// When: I search for that text
	results, err := e.Search(context.Background(), "identical chunk text",
		Options{Threshold: -1})

	// Then: the earlier-stored embedding wins the tie
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].DocumentID)
	assert.Equal(t, "second", results[1].DocumentID)
	assert.Equal(t, results[0].Score, results[1].Score)
}

func TestEngine_Search_DocumentFilter(t *testing.T) {
	e, docs, embs, embedder := newTestEngine(t, false)
	seedDocument(t, docs, embs, embedder, "a", "A", "shared topic text about databases ")
	seedDocument(t, docs, embs, embedder, "b", "B", "shared topic text about databases too ")

	results, err := e.Search(context.Background(), "databases",
		Options{DocumentID: "b", Threshold: -1})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "b", r.DocumentID)
	}
}

func TestEngine_Search_SkipsDeletedDocuments(t *testing.T) {
	// Given: an embedding whose document was deleted out from under it
	e, docs, embs, embedder := newTestEngine(t, false)
	seedDocument(t, docs, embs, embedder, "gone", "Gone", "orphaned chunk text ")
	require.NoError(t, docs.Delete(context.Background(), "gone"))

	// When: a search matches the orphan
	results, err := e.Search(context.Background(), "orphaned chunk text",
		Options{Threshold: -1})

	// Then: it is silently skipped
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_Search_DeletedDocumentDoesNotShrinkResults(t *testing.T) {
	// Given: the best match's document was deleted while a live document
	// still satisfies the query
	e, docs, embs, embedder := newTestEngine(t, false)
	seedDocument(t, docs, embs, embedder, "gone", "Gone",
		"kubernetes cluster upgrade checklist ")
	seedDocument(t, docs, embs, embedder, "live", "Live",
		"kubernetes cluster upgrade notes and caveats ")
	require.NoError(t, docs.Delete(context.Background(), "gone"))

	// When: I search with a limit of one
	results, err := e.Search(context.Background(), "kubernetes cluster upgrade",
		Options{Threshold: -1, Limit: 1})

	// Then: the live document fills the slot the orphan vacated
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "live", results[0].DocumentID)
}

// ============================================================================
// Context expansion
// ============================================================================

func TestExpandContext_MiddleOfDocument(t *testing.T) {
	content := ""
	for i := 0; i < 50; i++ {
		content += "0123456789"
	}
	// A span well inside the document gets both ellipses.
	got := expandContext(content, 250, 260)
	assert.Equal(t, "…"+content[50:460]+"…", got)
}

func TestExpandContext_ClampsToDocumentEdges(t *testing.T) {
	content := "short document"
	got := expandContext(content, 0, len(content))
	assert.Equal(t, content, got, "no ellipses when the window covers everything")
}

func TestExpandContext_StalePositionsAfterShrink(t *testing.T) {
	// Positions can outlive an edit that shortened the document.
	content := "now much shorter"
	assert.Equal(t, "", expandContext(content, 100, 200))
	assert.Equal(t, content[5:], expandContext(content, 5, 500))
}

// ============================================================================
// Prompt context formatting
// ============================================================================

func TestEngine_SearchContext_FormatsSources(t *testing.T) {
	e, docs, embs, embedder := newTestEngine(t, false)
	seedDocument(t, docs, embs, embedder, "notes", "Release Notes",
		"version two adds streaming output and a faster parser ")

	out, err := e.SearchContext(context.Background(),
		"what does version two add", Options{Threshold: -1})
	require.NoError(t, err)
	assert.Contains(t, out, "[Source 1: Release Notes")
	assert.Contains(t, out, "streaming output")
}

func TestEngine_SearchContext_EmptyWhenNoResults(t *testing.T) {
	e, _, _, _ := newTestEngine(t, false)
	out, err := e.SearchContext(context.Background(), "anything", Options{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

// ============================================================================
// Cosine similarity
// ============================================================================

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, Cosine(a, a), 1e-9, "identical vectors")
	assert.InDelta(t, 0.0, Cosine(a, b), 1e-9, "orthogonal vectors")
	assert.InDelta(t, -1.0, Cosine(a, []float32{-1, 0, 0}), 1e-9, "opposite vectors")
	assert.Zero(t, Cosine(a, []float32{0, 0, 0}), "zero vector scores zero")
	assert.Zero(t, Cosine(a, []float32{1, 0}), "length mismatch scores zero")
	assert.Zero(t, Cosine(nil, nil), "empty vectors score zero")
}

// ============================================================================
// Approximate index
// ============================================================================

func TestEngine_ANN_AgreesWithLinearScanOnTopResult(t *testing.T) {
	// Given: the same corpus behind an exact and an approximate engine
	docs := store.NewMemoryDocumentStore()
	embs := store.NewMemoryEmbeddingStore(testDims)
	embedder := embed.NewStaticEmbedder(testDims)
	exact := NewEngine(docs, embs, embedder, false, nil)
	approx := NewEngine(docs, embs, embedder, true, nil)

	seedDocument(t, docs, embs, embedder, "cooking", "Cooking",
		"roast the vegetables with olive oil ",
		"simmer the sauce until thick ")
	seedDocument(t, docs, embs, embedder, "golang", "Go",
		"goroutines and channels for concurrency ")
	approx.MarkDirty()

	ctx := context.Background()
	query := "roasting vegetables with oil"

	want, err := exact.Search(ctx, query, Options{Threshold: -1, Limit: 1})
	require.NoError(t, err)
	got, err := approx.Search(ctx, query, Options{Threshold: -1, Limit: 1})
	require.NoError(t, err)

	require.NotEmpty(t, want)
	require.NotEmpty(t, got)
	assert.Equal(t, want[0].DocumentID, got[0].DocumentID)
	assert.Equal(t, want[0].ChunkIndex, got[0].ChunkIndex)
}

func TestEngine_ANN_PicksUpNewEmbeddingsAfterMarkDirty(t *testing.T) {
	// Given: an approximate engine that already served a search
	e, docs, embs, embedder := newTestEngine(t, true)
	seedDocument(t, docs, embs, embedder, "old", "Old", "original content here ")
	ctx := context.Background()
	_, err := e.Search(ctx, "original content", Options{Threshold: -1})
	require.NoError(t, err)

	// When: new embeddings arrive and the engine is marked dirty
	seedDocument(t, docs, embs, embedder, "new", "New", "freshly indexed material ")
	e.MarkDirty()

	// Then: the next search sees the new document
	results, err := e.Search(ctx, "freshly indexed material", Options{Threshold: -1})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "new", results[0].DocumentID)
}

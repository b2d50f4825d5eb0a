package index

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/ragd/internal/chunk"
	"github.com/velumlabs/ragd/internal/embed"
	ragerr "github.com/velumlabs/ragd/internal/errors"
	"github.com/velumlabs/ragd/internal/store"
)

func newTestIndexer(t *testing.T) (*Indexer, *store.MemoryDocumentStore, *store.MemoryEmbeddingStore) {
	t.Helper()
	docs := store.NewMemoryDocumentStore()
	embs := store.NewMemoryEmbeddingStore(64)
	chunker := chunk.New(chunk.Options{ChunkSize: 200, Overlap: 20})
	embedder := embed.NewStaticEmbedder(64)
	return NewIndexer(docs, embs, chunker, embedder, nil), docs, embs
}

func addDoc(t *testing.T, docs *store.MemoryDocumentStore, id, content string) *store.Document {
	t.Helper()
	doc := &store.Document{
		ID:      id,
		Title:   "doc " + id,
		Content: content,
		Size:    len(content),
		Status:  store.StatusPending,
	}
	require.NoError(t, docs.Create(context.Background(), doc))
	return doc
}

// ============================================================================
// Happy path
// ============================================================================

func TestIndexer_Index_CompletesDocument(t *testing.T) {
	// Given: a pending document
	ix, docs, embs := newTestIndexer(t)
	content := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)
	addDoc(t, docs, "doc-1", content)

	// When: I index it
	ctx := context.Background()
	require.NoError(t, ix.Index(ctx, "doc-1"))

	// Then: the document is completed and indexed
	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, doc.Status)
	assert.True(t, doc.Indexed)
	assert.Empty(t, doc.Error)
	assert.Zero(t, doc.Attempts)

	// And: embeddings exist in chunk order with positions
	got, err := embs.ByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for i, e := range got {
		assert.Equal(t, i, e.ChunkIndex)
		assert.Equal(t, "doc-1", e.DocumentID)
		assert.Len(t, e.Vector, 64)
		assert.Equal(t, content[e.Meta.StartPos:e.Meta.EndPos], e.Text)
	}
}

func TestIndexer_Index_ReindexReplacesEmbeddings(t *testing.T) {
	// Given: an already indexed document
	ix, docs, embs := newTestIndexer(t)
	content := strings.Repeat("Alpha beta gamma delta epsilon. ", 20)
	addDoc(t, docs, "doc-1", content)
	ctx := context.Background()
	require.NoError(t, ix.Index(ctx, "doc-1"))

	before, err := embs.ByDocument(ctx, "doc-1")
	require.NoError(t, err)

	// When: the content changes and the document is re-indexed
	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	doc.Content = "Completely new and much shorter content."
	doc.Revision++
	doc.Status = store.StatusPending
	doc.Indexed = false
	require.NoError(t, docs.Update(ctx, doc))
	require.NoError(t, ix.Index(ctx, "doc-1"))

	// Then: old embeddings are gone, replaced by the new content's
	after, err := embs.ByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.NotEmpty(t, after)
	assert.NotEqual(t, len(before), len(after))
	for _, e := range after {
		assert.Contains(t, doc.Content, e.Text)
	}
}

// ============================================================================
// Validation failures abandon immediately
// ============================================================================

func TestIndexer_Index_EmptyContentAbandons(t *testing.T) {
	// Given: a document with only whitespace
	ix, docs, _ := newTestIndexer(t)
	addDoc(t, docs, "doc-1", "   \n\t  ")

	// When: I index it
	ctx := context.Background()
	err := ix.Index(ctx, "doc-1")

	// Then: indexing fails with a validation error
	require.Error(t, err)
	assert.True(t, ragerr.IsValidation(err))

	// And: the document is errored with attempts already at the cap,
	// so the scheduler will not retry it
	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, doc.Status)
	assert.Equal(t, MaxAttempts, doc.Attempts)
	assert.NotEmpty(t, doc.Error)
}

func TestIndexer_Index_OversizedContentAbandons(t *testing.T) {
	ix, docs, _ := newTestIndexer(t)
	addDoc(t, docs, "doc-1", strings.Repeat("x", MaxContentBytes+1))

	ctx := context.Background()
	err := ix.Index(ctx, "doc-1")

	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeContentTooLarge, ragerr.GetCode(err))

	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, doc.Status)
	assert.Equal(t, MaxAttempts, doc.Attempts)
}

// ============================================================================
// Provider failures retry with backoff
// ============================================================================

// failingEmbedder always errors, standing in for an unreachable provider.
type failingEmbedder struct{ embed.Embedder }

func (f *failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ragerr.ProviderError("provider down", nil)
}

func TestIndexer_Index_ProviderFailureSchedulesRetry(t *testing.T) {
	// Given: an indexer whose embedder always fails
	docs := store.NewMemoryDocumentStore()
	embs := store.NewMemoryEmbeddingStore(64)
	chunker := chunk.New(chunk.Options{ChunkSize: 200, Overlap: 20})
	ix := NewIndexer(docs, embs, chunker,
		&failingEmbedder{Embedder: embed.NewStaticEmbedder(64)}, nil)
	addDoc(t, docs, "doc-1", "Some perfectly valid content to index.")

	// When: indexing fails
	ctx := context.Background()
	before := time.Now()
	require.Error(t, ix.Index(ctx, "doc-1"))

	// Then: one attempt is recorded with a future retry time
	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, doc.Status)
	assert.Equal(t, 1, doc.Attempts)
	assert.True(t, doc.NextRetryAt.After(before), "retry should be gated by backoff")

	// And: no partial embeddings remain
	count, err := embs.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// batchFailingEmbedder succeeds until the nth EmbedBatch call, then fails.
type batchFailingEmbedder struct {
	embed.Embedder
	calls  int
	failOn int
}

func (b *batchFailingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.calls++
	if b.calls >= b.failOn {
		return nil, ragerr.ProviderError("provider down", nil)
	}
	return b.Embedder.EmbedBatch(ctx, texts)
}

func TestIndexer_Index_MidPipelineFailureKeepsPersistedBatches(t *testing.T) {
	// Given: a document spanning more than two embed batches and a
	// provider that dies on the second batch
	docs := store.NewMemoryDocumentStore()
	embs := store.NewMemoryEmbeddingStore(64)
	chunker := chunk.New(chunk.Options{ChunkSize: 200, Overlap: 20})
	ix := NewIndexer(docs, embs, chunker,
		&batchFailingEmbedder{Embedder: embed.NewStaticEmbedder(64), failOn: 2}, nil)

	content := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)
	require.Greater(t, len(chunker.Split(content)), 2*EmbedBatchSize,
		"content must span at least three batches")
	addDoc(t, docs, "doc-1", content)

	// When: indexing fails partway through
	ctx := context.Background()
	err := ix.Index(ctx, "doc-1")
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeEmbeddingFailed, ragerr.GetCode(err))

	// Then: the document is errored with one attempt recorded
	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, doc.Status)
	assert.Equal(t, 1, doc.Attempts)
	assert.False(t, doc.Indexed)

	// And: the first batch's embeddings stay persisted until the retry
	// replaces them wholesale
	stored, err := embs.ByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, stored, EmbedBatchSize)
	for i, e := range stored {
		assert.Equal(t, i, e.ChunkIndex)
	}
}

// ============================================================================
// Stale jobs lose
// ============================================================================

// editingEmbedder edits the document mid-embed, simulating a user edit
// racing a long-running job.
type editingEmbedder struct {
	embed.Embedder
	docs  *store.MemoryDocumentStore
	docID string
	once  bool
}

func (e *editingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !e.once {
		e.once = true
		doc, err := e.docs.Get(ctx, e.docID)
		if err != nil {
			return nil, err
		}
		doc.Content = "edited while indexing"
		doc.Revision++
		doc.Status = store.StatusPending
		if err := e.docs.Update(ctx, doc); err != nil {
			return nil, err
		}
	}
	return e.Embedder.EmbedBatch(ctx, texts)
}

func TestIndexer_Index_EditDuringIndexingDropsCompletion(t *testing.T) {
	// Given: a document that gets edited while its chunks are embedding
	docs := store.NewMemoryDocumentStore()
	embs := store.NewMemoryEmbeddingStore(64)
	chunker := chunk.New(chunk.Options{ChunkSize: 200, Overlap: 20})
	ix := NewIndexer(docs, embs, chunker,
		&editingEmbedder{Embedder: embed.NewStaticEmbedder(64), docs: docs, docID: "doc-1"}, nil)
	addDoc(t, docs, "doc-1", strings.Repeat("Original content before the edit. ", 10))

	// When: the stale job finishes
	ctx := context.Background()
	require.NoError(t, ix.Index(ctx, "doc-1"))

	// Then: the edit's pending state survives; the stale completion lost
	doc, err := docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, doc.Status)
	assert.Equal(t, "edited while indexing", doc.Content)
	assert.False(t, doc.Indexed)
}

func TestIndexer_Index_ProcessingDocumentIsSkipped(t *testing.T) {
	// Given: a document already claimed by another job
	ix, docs, _ := newTestIndexer(t)
	doc := addDoc(t, docs, "doc-1", "content")
	require.NoError(t, docs.UpdateStatusIf(context.Background(), "doc-1",
		store.StatusPending, doc.Revision,
		store.StatusUpdate{Status: store.StatusProcessing}))

	// When: a second job tries to index it
	err := ix.Index(context.Background(), "doc-1")

	// Then: the second job backs off without touching the document
	require.NoError(t, err)
	got, err := docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, got.Status)
}

func TestIndexer_Index_MissingDocumentErrors(t *testing.T) {
	ix, _, _ := newTestIndexer(t)
	err := ix.Index(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

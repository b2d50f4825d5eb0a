// Package index turns stored documents into persisted chunk embeddings.
//
// The Indexer is the single writer of a document's indexing state. Every
// state transition goes through a compare-and-set on (status, revision),
// so a job working from a stale snapshot, including one that already hit
// its deadline, can never clobber the outcome of a newer job.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/velumlabs/ragd/internal/chunk"
	"github.com/velumlabs/ragd/internal/embed"
	ragerr "github.com/velumlabs/ragd/internal/errors"
	"github.com/velumlabs/ragd/internal/store"
)

const (
	// MaxContentBytes caps how large a document may be before indexing
	// refuses it outright.
	MaxContentBytes = 500 * 1024

	// MaxChunks caps how many chunks a single document may produce.
	MaxChunks = 100

	// EmbedBatchSize is how many chunks are embedded and persisted per
	// round trip. Partial progress survives a mid-document failure.
	EmbedBatchSize = 20

	// MaxAttempts is how many failed indexing attempts a document gets
	// before the scheduler stops retrying it.
	MaxAttempts = 5

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff
	// between indexing attempts.
	RetryBaseDelay = 2 * time.Second
	RetryMaxDelay  = 5 * time.Minute
)

// Indexer runs the chunk-embed-persist pipeline for one document at a time.
type Indexer struct {
	docs     store.DocumentStore
	embs     store.EmbeddingStore
	chunker  *chunk.Chunker
	embedder embed.Embedder
	log      *slog.Logger
}

// NewIndexer wires an indexer over the given stores, chunker and embedder.
func NewIndexer(docs store.DocumentStore, embs store.EmbeddingStore, chunker *chunk.Chunker, embedder embed.Embedder, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{docs: docs, embs: embs, chunker: chunker, embedder: embedder, log: log}
}

// Index runs the full pipeline for the document: claim, validate, chunk,
// embed in batches, persist, complete. A failure records the error on the
// document with backoff so the scheduler can retry it later. The claim and
// every subsequent write carry the revision captured at claim time; an
// edit racing the job makes those writes stale and they are dropped.
func (ix *Indexer) Index(ctx context.Context, docID string) error {
	doc, err := ix.docs.Get(ctx, docID)
	if err != nil {
		return ragerr.Wrap(ragerr.ErrCodeStorageRead, err)
	}
	if doc.Status == store.StatusProcessing {
		ix.log.Debug("document already claimed", slog.String("doc_id", docID))
		return nil
	}

	// Claim the document. Losing the race here just means another job
	// (or an edit) got there first.
	revision := doc.Revision
	claim := store.StatusUpdate{
		Status:      store.StatusProcessing,
		Indexed:     doc.Indexed,
		Attempts:    doc.Attempts,
		NextRetryAt: doc.NextRetryAt,
	}
	if err := ix.docs.UpdateStatusIf(ctx, docID, doc.Status, revision, claim); err != nil {
		if errors.Is(err, store.ErrStale) || errors.Is(err, store.ErrNotFound) {
			ix.log.Debug("claim lost", slog.String("doc_id", docID))
			return nil
		}
		return ragerr.Wrap(ragerr.ErrCodeStorageWrite, err)
	}

	if err := ix.run(ctx, doc, revision); err != nil {
		ix.markError(ctx, doc, revision, err)
		return err
	}
	return nil
}

// run does the work after the document has been claimed.
func (ix *Indexer) run(ctx context.Context, doc *store.Document, revision int) error {
	if err := validateContent(doc); err != nil {
		return err
	}

	chunks := ix.chunker.Split(doc.Content)
	if len(chunks) == 0 {
		return ragerr.ValidationError("document produced no chunks", nil).
			WithDetail("doc_id", doc.ID)
	}
	if len(chunks) > MaxChunks {
		return ragerr.New(ragerr.ErrCodeTooManyChunks,
			fmt.Sprintf("document splits into %d chunks, limit is %d", len(chunks), MaxChunks), nil).
			WithDetail("doc_id", doc.ID)
	}

	// A re-index replaces the document's embeddings wholesale.
	if err := ix.embs.DeleteByDocument(ctx, doc.ID); err != nil {
		return ragerr.Wrap(ragerr.ErrCodeStorageWrite, err)
	}

	start := time.Now()
	model := ix.embedder.ModelName()
	for offset := 0; offset < len(chunks); offset += EmbedBatchSize {
		end := min(offset+EmbedBatchSize, len(chunks))
		batch := chunks[offset:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return ragerr.New(ragerr.ErrCodeEmbeddingFailed, "embed chunk batch", err).
				WithDetail("doc_id", doc.ID)
		}

		embs := make([]*store.Embedding, len(batch))
		now := time.Now()
		for i, c := range batch {
			embs[i] = &store.Embedding{
				ID:         uuid.NewString(),
				DocumentID: doc.ID,
				ChunkIndex: c.Index,
				Text:       c.Text,
				Vector:     vectors[i],
				Meta: store.ChunkMeta{
					StartPos:   c.StartPos,
					EndPos:     c.EndPos,
					TokenCount: c.TokenCount,
				},
				Model:     model,
				CreatedAt: now,
			}
		}
		if err := ix.embs.SaveBatch(ctx, embs); err != nil {
			return ragerr.Wrap(ragerr.ErrCodeStorageWrite, err)
		}

		// Between batches, bail out if the document was edited. The edit
		// bumped the revision, so our completion write would be rejected
		// anyway; stopping early saves the remaining embed calls.
		if end < len(chunks) {
			current, err := ix.docs.Get(ctx, doc.ID)
			if err != nil || current.Revision != revision {
				ix.log.Debug("document changed mid-index, aborting",
					slog.String("doc_id", doc.ID))
				return nil
			}
		}
	}

	complete := store.StatusUpdate{
		Status:  store.StatusCompleted,
		Indexed: true,
	}
	if err := ix.docs.UpdateStatusIf(ctx, doc.ID, store.StatusProcessing, revision, complete); err != nil {
		if errors.Is(err, store.ErrStale) || errors.Is(err, store.ErrNotFound) {
			ix.log.Debug("completion dropped, document moved on",
				slog.String("doc_id", doc.ID))
			return nil
		}
		return ragerr.Wrap(ragerr.ErrCodeStorageWrite, err)
	}

	ix.log.Info("document indexed",
		slog.String("doc_id", doc.ID),
		slog.Int("chunks", len(chunks)),
		slog.Duration("took", time.Since(start)))
	return nil
}

// markError records the failure on the document. Validation failures
// jump straight to MaxAttempts; input that can never index is not
// retried.
//
// The write uses a context detached from cancellation: when the job died
// of a deadline, the error record must still land.
func (ix *Indexer) markError(ctx context.Context, doc *store.Document, revision int, cause error) {
	attempts := doc.Attempts + 1
	if ragerr.IsValidation(cause) {
		attempts = MaxAttempts
	}

	msg := cause.Error()
	if attempts >= MaxAttempts {
		msg = fmt.Sprintf("abandoned after %d attempts: %s", attempts, msg)
	}

	upd := store.StatusUpdate{
		Status:      store.StatusError,
		Indexed:     doc.Indexed,
		Error:       msg,
		Attempts:    attempts,
		NextRetryAt: time.Now().Add(ragerr.Backoff(attempts, RetryBaseDelay, RetryMaxDelay)),
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := ix.docs.UpdateStatusIf(wctx, doc.ID, store.StatusProcessing, revision, upd)
	switch {
	case err == nil:
		level := slog.LevelWarn
		if attempts >= MaxAttempts {
			level = slog.LevelError
		}
		ix.log.Log(wctx, level, "indexing failed",
			slog.String("doc_id", doc.ID),
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()))
	case errors.Is(err, store.ErrStale), errors.Is(err, store.ErrNotFound):
		// A newer job or an edit owns the document now; its state wins.
		ix.log.Debug("error record dropped as stale", slog.String("doc_id", doc.ID))
	default:
		ix.log.Error("failed to record indexing error",
			slog.String("doc_id", doc.ID),
			slog.String("error", err.Error()))
	}
}

// validateContent rejects documents that can never index successfully.
func validateContent(doc *store.Document) error {
	if strings.TrimSpace(doc.Content) == "" {
		return ragerr.ValidationError("document content is empty", nil).
			WithDetail("doc_id", doc.ID)
	}
	if len(doc.Content) > MaxContentBytes {
		return ragerr.New(ragerr.ErrCodeContentTooLarge,
			fmt.Sprintf("document is %d bytes, limit is %d", len(doc.Content), MaxContentBytes), nil).
			WithDetail("doc_id", doc.ID)
	}
	return nil
}

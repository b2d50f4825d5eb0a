// Package store provides document and embedding persistence for ragd.
//
// Two backends are available: an in-memory store used by tests and
// ephemeral sessions, and a SQLite store for durable single-node
// deployments. Both serialize per-record writes; all mutation of a
// document's indexing state goes through UpdateStatusIf so that a stale
// job (for example one abandoned after a timeout) can never overwrite a
// newer state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the indexing state of a document.
type Status string

const (
	// StatusPending indicates the document is waiting to be indexed.
	StatusPending Status = "pending"
	// StatusProcessing indicates indexing is in progress.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates every chunk has a persisted embedding.
	StatusCompleted Status = "completed"
	// StatusError indicates indexing failed; Error holds the message.
	StatusError Status = "error"
)

// Document is an ingested text document tracked by the index.
type Document struct {
	ID          string
	Title       string
	Content     string
	ContentType string
	Size        int
	Status      Status
	Indexed     bool
	Error       string
	Metadata    map[string]string

	// Revision increments on every content edit. Indexing jobs capture the
	// revision they started from and their writes are discarded if it moved.
	Revision int

	// Attempts counts failed indexing attempts since the last successful
	// index or content edit. NextRetryAt gates scheduler retries.
	Attempts    int
	NextRetryAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkMeta carries the position of a chunk within its source document.
type ChunkMeta struct {
	StartPos   int `json:"start_pos"`
	EndPos     int `json:"end_pos"`
	TokenCount int `json:"token_count"`
}

// Embedding is one chunk of a document together with its vector.
// A document exclusively owns its embeddings: deleting the document
// deletes them all.
type Embedding struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Text       string
	Vector     []float32
	Meta       ChunkMeta
	Model      string
	CreatedAt  time.Time
}

// StatusUpdate is the set of fields an indexing job may change on a
// document. Applied atomically by UpdateStatusIf.
type StatusUpdate struct {
	Status      Status
	Indexed     bool
	Error       string
	Attempts    int
	NextRetryAt time.Time
}

// StatusQuery selects documents eligible for (re-)indexing.
type StatusQuery struct {
	// Statuses filters by document status (empty means all).
	Statuses []Status
	// Limit bounds the number of returned documents (0 means no limit).
	Limit int
	// Now filters out documents whose NextRetryAt is still in the future.
	// Zero disables the retry gate.
	Now time.Time
	// MaxAttempts excludes documents that have already failed this many
	// times (0 disables the attempt gate).
	MaxAttempts int
}

// Sentinel errors shared by all store backends.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrStale indicates a conditional update lost to a concurrent writer:
	// the document's status or revision no longer matches the job's view.
	ErrStale = errors.New("store: stale update rejected")

	// ErrDuplicateID indicates a create with an already-used ID.
	ErrDuplicateID = errors.New("store: duplicate id")
)

// ErrDimensionMismatch indicates an embedding vector of the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// DocumentStore is durable keyed storage for documents with filtered queries.
type DocumentStore interface {
	// Create inserts a new document. Fails with ErrDuplicateID if the ID exists.
	Create(ctx context.Context, doc *Document) error

	// Get returns the document by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// Update replaces mutable document fields unconditionally.
	// Used for explicit edits; indexing state must go through UpdateStatusIf.
	Update(ctx context.Context, doc *Document) error

	// UpdateStatusIf applies a status update only if the document's current
	// status and revision match the expectation, returning ErrStale otherwise.
	UpdateStatusIf(ctx context.Context, id string, expect Status, expectRevision int, upd StatusUpdate) error

	// Delete removes the document. Embedding cleanup is the caller's duty.
	Delete(ctx context.Context, id string) error

	// List returns all documents in creation order.
	List(ctx context.Context) ([]*Document, error)

	// QueryByStatus returns documents matching the query in creation order.
	QueryByStatus(ctx context.Context, q StatusQuery) ([]*Document, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)
}

// EmbeddingStore is durable keyed storage for chunk embeddings.
type EmbeddingStore interface {
	// SaveBatch persists a batch of embeddings. Vector dimensions are
	// validated against the store's configured dimension when set.
	SaveBatch(ctx context.Context, embs []*Embedding) error

	// ByDocument returns a document's embeddings ordered by chunk index.
	ByDocument(ctx context.Context, docID string) ([]*Embedding, error)

	// ByIDs returns embeddings for the given IDs, skipping missing ones.
	ByIDs(ctx context.Context, ids []string) ([]*Embedding, error)

	// All returns every embedding in storage (insertion) order.
	// This is the linear-scan path for similarity search.
	All(ctx context.Context) ([]*Embedding, error)

	// DeleteByDocument removes all embeddings owned by the document.
	DeleteByDocument(ctx context.Context, docID string) error

	// Count returns the number of stored embeddings.
	Count(ctx context.Context) (int, error)
}

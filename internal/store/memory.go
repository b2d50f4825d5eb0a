package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryDocumentStore is an in-memory DocumentStore. Safe for concurrent
// use. The default backend for tests and sessions without durability needs.
type MemoryDocumentStore struct {
	mu    sync.RWMutex
	docs  map[string]*Document
	order []string
}

var _ DocumentStore = (*MemoryDocumentStore)(nil)

// NewMemoryDocumentStore creates an empty in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]*Document)}
}

// cloneDoc copies a document so callers cannot mutate stored state.
func cloneDoc(d *Document) *Document {
	c := *d
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Create inserts a new document.
func (s *MemoryDocumentStore) Create(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return ErrDuplicateID
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	s.docs[doc.ID] = cloneDoc(doc)
	s.order = append(s.order, doc.ID)
	return nil
}

func (s *MemoryDocumentStore) has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok
}

// Get returns the document by ID.
func (s *MemoryDocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

// Update replaces the stored document unconditionally.
func (s *MemoryDocumentStore) Update(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; !ok {
		return ErrNotFound
	}
	doc.UpdatedAt = time.Now()
	s.docs[doc.ID] = cloneDoc(doc)
	return nil
}

// UpdateStatusIf applies a conditional status update.
func (s *MemoryDocumentStore) UpdateStatusIf(ctx context.Context, id string, expect Status, expectRevision int, upd StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if doc.Status != expect || doc.Revision != expectRevision {
		return ErrStale
	}

	doc.Status = upd.Status
	doc.Indexed = upd.Indexed
	doc.Error = upd.Error
	doc.Attempts = upd.Attempts
	doc.NextRetryAt = upd.NextRetryAt
	doc.UpdatedAt = time.Now()
	return nil
}

// Delete removes the document.
func (s *MemoryDocumentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	for i, did := range s.order {
		if did == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns all documents in creation order.
func (s *MemoryDocumentStore) List(ctx context.Context) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Document, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneDoc(s.docs[id]))
	}
	return out, nil
}

// QueryByStatus returns documents matching the query in creation order.
func (s *MemoryDocumentStore) QueryByStatus(ctx context.Context, q StatusQuery) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wantStatus := make(map[Status]bool, len(q.Statuses))
	for _, st := range q.Statuses {
		wantStatus[st] = true
	}

	var out []*Document
	for _, id := range s.order {
		doc := s.docs[id]
		if len(wantStatus) > 0 && !wantStatus[doc.Status] {
			continue
		}
		if !q.Now.IsZero() && doc.NextRetryAt.After(q.Now) {
			continue
		}
		if q.MaxAttempts > 0 && doc.Attempts >= q.MaxAttempts {
			continue
		}
		out = append(out, cloneDoc(doc))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored documents.
func (s *MemoryDocumentStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// MemoryEmbeddingStore is an in-memory EmbeddingStore.
// Insertion order is preserved so linear-scan search has a stable
// tie-break order.
type MemoryEmbeddingStore struct {
	mu     sync.RWMutex
	dims   int
	embs   map[string]*Embedding
	order  []string
	parent *MemoryDocumentStore
}

var _ EmbeddingStore = (*MemoryEmbeddingStore)(nil)

// NewMemoryEmbeddingStore creates an empty in-memory embedding store.
// dims > 0 enables vector dimension validation on SaveBatch.
func NewMemoryEmbeddingStore(dims int) *MemoryEmbeddingStore {
	return &MemoryEmbeddingStore{dims: dims, embs: make(map[string]*Embedding)}
}

// RequireDocuments makes SaveBatch reject embeddings whose document does
// not exist, matching the SQLite backend's foreign key. An indexing job
// still writing after its document was deleted cannot leave orphans.
func (s *MemoryEmbeddingStore) RequireDocuments(docs *MemoryDocumentStore) {
	s.mu.Lock()
	s.parent = docs
	s.mu.Unlock()
}

func cloneEmb(e *Embedding) *Embedding {
	c := *e
	c.Vector = make([]float32, len(e.Vector))
	copy(c.Vector, e.Vector)
	return &c
}

// SaveBatch persists a batch of embeddings.
// The whole batch is validated before anything is written.
func (s *MemoryEmbeddingStore) SaveBatch(ctx context.Context, embs []*Embedding) error {
	if len(embs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range embs {
		if s.dims > 0 && len(e.Vector) != s.dims {
			return ErrDimensionMismatch{Expected: s.dims, Got: len(e.Vector)}
		}
		if s.parent != nil && !s.parent.has(e.DocumentID) {
			return fmt.Errorf("document %s: %w", e.DocumentID, ErrNotFound)
		}
	}
	for _, e := range embs {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		if _, exists := s.embs[e.ID]; !exists {
			s.order = append(s.order, e.ID)
		}
		s.embs[e.ID] = cloneEmb(e)
	}
	return nil
}

// ByDocument returns a document's embeddings ordered by chunk index.
func (s *MemoryEmbeddingStore) ByDocument(ctx context.Context, docID string) ([]*Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Embedding
	for _, id := range s.order {
		if e := s.embs[id]; e.DocumentID == docID {
			out = append(out, cloneEmb(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

// ByIDs returns embeddings for the given IDs, skipping missing ones.
func (s *MemoryEmbeddingStore) ByIDs(ctx context.Context, ids []string) ([]*Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Embedding, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.embs[id]; ok {
			out = append(out, cloneEmb(e))
		}
	}
	return out, nil
}

// All returns every embedding in insertion order.
func (s *MemoryEmbeddingStore) All(ctx context.Context) ([]*Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Embedding, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneEmb(s.embs[id]))
	}
	return out, nil
}

// DeleteByDocument removes all embeddings owned by the document.
func (s *MemoryEmbeddingStore) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	for _, id := range s.order {
		if s.embs[id].DocumentID == docID {
			delete(s.embs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return nil
}

// Count returns the number of stored embeddings.
func (s *MemoryEmbeddingStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order), nil
}

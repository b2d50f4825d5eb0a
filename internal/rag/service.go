// Package rag assembles stores, chunking, embedding, indexing and search
// into one service with a small surface: add, update and delete
// documents, search them, and let background indexing keep the vectors
// current.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velumlabs/ragd/internal/chunk"
	"github.com/velumlabs/ragd/internal/embed"
	ragerr "github.com/velumlabs/ragd/internal/errors"
	"github.com/velumlabs/ragd/internal/index"
	"github.com/velumlabs/ragd/internal/search"
	"github.com/velumlabs/ragd/internal/store"
)

// ServiceConfig wires a Service. Stores and Embedder are required; the
// rest defaults sensibly.
type ServiceConfig struct {
	Documents  store.DocumentStore
	Embeddings store.EmbeddingStore
	Embedder   embed.Embedder

	// Chunking overrides the default chunker geometry.
	Chunking chunk.Options

	// QueueCapacity bounds the explicit indexing queue.
	QueueCapacity int

	// Scheduler tunes the background sweep.
	Scheduler index.SchedulerConfig

	// UseANN turns on the approximate vector index for searches.
	UseANN bool

	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of the service.
type Stats struct {
	Documents      int    `json:"documents"`
	Indexed        int    `json:"indexed"`
	Pending        int    `json:"pending"`
	Errored        int    `json:"errored"`
	Embeddings     int    `json:"embeddings"`
	QueueLength    int    `json:"queue_length"`
	Processing     string `json:"processing,omitempty"`
	EmbeddingModel string `json:"embedding_model"`
	Dimensions     int    `json:"dimensions"`
	CacheHits      int64  `json:"cache_hits"`
	CacheMisses    int64  `json:"cache_misses"`
}

// Service is the top-level RAG engine.
type Service struct {
	cfg       ServiceConfig
	docs      store.DocumentStore
	embs      store.EmbeddingStore
	embedder  embed.Embedder
	indexer   *index.Indexer
	queue     *index.Queue
	scheduler *index.Scheduler
	engine    *search.Engine
	log       *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewService assembles a service from the config.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Documents == nil || cfg.Embeddings == nil {
		return nil, ragerr.New(ragerr.ErrCodeConfigInvalid, "document and embedding stores are required", nil)
	}
	if cfg.Embedder == nil {
		return nil, ragerr.New(ragerr.ErrCodeConfigInvalid, "embedder is required", nil)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg:      cfg,
		docs:     cfg.Documents,
		embs:     cfg.Embeddings,
		embedder: cfg.Embedder,
		log:      log,
	}
	s.indexer = index.NewIndexer(s.docs, s.embs, chunk.New(cfg.Chunking), s.embedder, log)
	s.engine = search.NewEngine(s.docs, s.embs, s.embedder, cfg.UseANN, log)
	s.queue = index.NewQueue(cfg.QueueCapacity, s.indexAndRefresh, log)
	s.scheduler = index.NewScheduler(cfg.Scheduler, s.docs, s.indexAndRefresh, log)
	return s, nil
}

// indexAndRefresh is the ProcessFunc shared by the queue and the
// scheduler: index one document, then invalidate the vector index.
func (s *Service) indexAndRefresh(ctx context.Context, docID string) error {
	err := s.indexer.Index(ctx, docID)
	s.engine.MarkDirty()
	return err
}

// Start initializes the embedder and launches background indexing.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.embedder.Initialize(ctx, func(p embed.Progress) {
		s.log.Debug("embedder initializing",
			slog.String("stage", p.Stage),
			slog.Float64("percent", p.Percent))
	}); err != nil {
		return ragerr.New(ragerr.ErrCodeProviderUnavailable, "initialize embedder", err)
	}

	s.queue.Start(ctx)
	s.scheduler.Start(ctx)
	s.started = true
	s.log.Info("rag service started",
		slog.String("model", s.embedder.ModelName()),
		slog.Int("dimensions", s.embedder.Dimensions()))
	return nil
}

// Stop halts background indexing and releases the embedder. Safe to call
// multiple times.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.scheduler.Stop()
	s.queue.Stop()
	s.started = false
	s.log.Info("rag service stopped")
	return s.embedder.Close()
}

// AddDocument stores a new document and queues it for indexing. A full
// queue is not an error: the scheduler sweeps pending documents anyway.
// An empty ID gets a generated one; the stored document is returned.
func (s *Service) AddDocument(ctx context.Context, doc *store.Document) (*store.Document, error) {
	if doc == nil || strings.TrimSpace(doc.Content) == "" {
		return nil, ragerr.ValidationError("document content is empty", nil)
	}
	if len(doc.Content) > index.MaxContentBytes {
		return nil, ragerr.New(ragerr.ErrCodeContentTooLarge,
			fmt.Sprintf("document is %d bytes, limit is %d", len(doc.Content), index.MaxContentBytes), nil)
	}

	now := time.Now()
	stored := *doc
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Title == "" {
		stored.Title = fallbackTitle(stored.Content)
	}
	stored.Size = len(stored.Content)
	stored.Status = store.StatusPending
	stored.Indexed = false
	stored.Error = ""
	stored.Revision = 0
	stored.Attempts = 0
	stored.NextRetryAt = time.Time{}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := s.docs.Create(ctx, &stored); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			return nil, ragerr.ValidationError("document id already exists", err).
				WithDetail("doc_id", stored.ID)
		}
		return nil, ragerr.Wrap(ragerr.ErrCodeStorageWrite, err)
	}

	s.enqueue(stored.ID)
	s.log.Info("document added",
		slog.String("doc_id", stored.ID),
		slog.Int("size", stored.Size))
	return &stored, nil
}

// UpdateDocument replaces a document's content, title or metadata and
// marks it for re-indexing. The revision bump invalidates any indexing
// job still running against the old content.
func (s *Service) UpdateDocument(ctx context.Context, doc *store.Document) (*store.Document, error) {
	if doc == nil || doc.ID == "" {
		return nil, ragerr.ValidationError("document id is required", nil)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, ragerr.ValidationError("document content is empty", nil)
	}
	if len(doc.Content) > index.MaxContentBytes {
		return nil, ragerr.New(ragerr.ErrCodeContentTooLarge,
			fmt.Sprintf("document is %d bytes, limit is %d", len(doc.Content), index.MaxContentBytes), nil)
	}

	current, err := s.docs.Get(ctx, doc.ID)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeStorageRead, err)
	}

	current.Content = doc.Content
	if doc.Title != "" {
		current.Title = doc.Title
	}
	if doc.Metadata != nil {
		current.Metadata = doc.Metadata
	}
	current.Size = len(current.Content)
	current.Status = store.StatusPending
	current.Indexed = false
	current.Error = ""
	current.Revision++
	current.Attempts = 0
	current.NextRetryAt = time.Time{}

	if err := s.docs.Update(ctx, current); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeStorageWrite, err)
	}

	s.engine.MarkDirty()
	s.enqueue(current.ID)
	s.log.Info("document updated",
		slog.String("doc_id", current.ID),
		slog.Int("revision", current.Revision))
	return current, nil
}

// DeleteDocument removes a document and all of its embeddings.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if id == "" {
		return ragerr.ValidationError("document id is required", nil)
	}

	s.queue.Remove(id)
	if err := s.docs.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return ragerr.Wrap(ragerr.ErrCodeStorageWrite, err)
	}
	if err := s.embs.DeleteByDocument(ctx, id); err != nil {
		return ragerr.Wrap(ragerr.ErrCodeStorageWrite, err)
	}

	s.engine.MarkDirty()
	s.log.Info("document deleted", slog.String("doc_id", id))
	return nil
}

// GetDocument returns a single document by ID.
func (s *Service) GetDocument(ctx context.Context, id string) (*store.Document, error) {
	return s.docs.Get(ctx, id)
}

// ListDocuments returns all documents in creation order.
func (s *Service) ListDocuments(ctx context.Context) ([]*store.Document, error) {
	return s.docs.List(ctx)
}

// IndexDocument indexes one document synchronously, bypassing the queue.
func (s *Service) IndexDocument(ctx context.Context, id string) error {
	return s.indexAndRefresh(ctx, id)
}

// QueueForIndexing enqueues a document for background indexing. Returns
// the queue-full error when the queue is at capacity.
func (s *Service) QueueForIndexing(id string) error {
	return s.queue.Enqueue(id)
}

// Search returns the chunks most relevant to the query.
func (s *Service) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return s.engine.Search(ctx, query, opts)
}

// SearchContext returns relevant chunks formatted as prompt context.
func (s *Service) SearchContext(ctx context.Context, query string, opts search.Options) (string, error) {
	return s.engine.SearchContext(ctx, query, opts)
}

// Stats returns a snapshot of document, embedding and queue state.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	docs, err := s.docs.List(ctx)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeStorageRead, err)
	}
	embCount, err := s.embs.Count(ctx)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeStorageRead, err)
	}

	st := &Stats{
		Documents:      len(docs),
		Embeddings:     embCount,
		QueueLength:    s.queue.Length(),
		Processing:     s.queue.Processing(),
		EmbeddingModel: s.embedder.ModelName(),
		Dimensions:     s.embedder.Dimensions(),
	}
	for _, d := range docs {
		switch {
		case d.Indexed:
			st.Indexed++
		case d.Status == store.StatusError:
			st.Errored++
		default:
			st.Pending++
		}
	}
	if cached, ok := s.embedder.(*embed.CachedEmbedder); ok {
		st.CacheHits, st.CacheMisses = cached.Stats()
	}
	return st, nil
}

// enqueue is best-effort: a full queue only defers the document to the
// next scheduler sweep.
func (s *Service) enqueue(id string) {
	if err := s.queue.Enqueue(id); err != nil {
		s.log.Debug("queue full, leaving document to the scheduler",
			slog.String("doc_id", id))
	}
}

// fallbackTitle derives a title from the first line of content.
func fallbackTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.TrimLeft(line, "# "))
	const maxTitle = 80
	if len(line) > maxTitle {
		line = line[:maxTitle] + "…"
	}
	if line == "" {
		return "Untitled"
	}
	return line
}

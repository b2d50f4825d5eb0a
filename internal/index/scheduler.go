package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/velumlabs/ragd/internal/store"
)

const (
	// DefaultScanInterval is how often the scheduler scans for work.
	DefaultScanInterval = 5 * time.Second

	// DefaultBatchSize is how many documents one pass may index.
	DefaultBatchSize = 5

	// DefaultDocTimeout bounds how long a single document may take.
	// A document that blows the deadline is marked errored with backoff
	// and the pass moves on.
	DefaultDocTimeout = 15 * time.Second
)

// SchedulerConfig configures the background indexing scheduler.
type SchedulerConfig struct {
	ScanInterval time.Duration
	BatchSize    int
	DocTimeout   time.Duration
}

// Scheduler periodically sweeps the document store for pending and
// retryable errored documents and indexes them. Passes never overlap:
// if a sweep is still running when the ticker fires, the tick is skipped.
type Scheduler struct {
	cfg     SchedulerConfig
	docs    store.DocumentStore
	process ProcessFunc
	log     *slog.Logger

	passMu sync.Mutex

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler that feeds eligible documents into
// process. Zero config fields take their defaults.
func NewScheduler(cfg SchedulerConfig, docs store.DocumentStore, process ProcessFunc, log *slog.Logger) *Scheduler {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DocTimeout <= 0 {
		cfg.DocTimeout = DefaultDocTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, docs: docs, process: process, log: log}
}

// Start launches the scan loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(ctx, s.stopCh, s.doneCh)
	s.log.Info("indexing scheduler started",
		slog.Duration("interval", s.cfg.ScanInterval),
		slog.Int("batch", s.cfg.BatchSize))
}

// Stop halts the scan loop and waits for the current pass to finish.
// Safe to call multiple times and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	s.log.Info("indexing scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	// Sweep once at startup so documents added while down are picked up
	// without waiting for the first tick.
	s.RunPass(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

// RunPass performs one sweep: query eligible documents and index them
// sequentially, each under its own deadline. Returns how many documents
// were attempted. If another pass is in flight this returns immediately.
func (s *Scheduler) RunPass(ctx context.Context) int {
	if !s.passMu.TryLock() {
		return 0
	}
	defer s.passMu.Unlock()

	docs, err := s.docs.QueryByStatus(ctx, store.StatusQuery{
		Statuses:    []store.Status{store.StatusPending, store.StatusError},
		Limit:       s.cfg.BatchSize,
		Now:         time.Now(),
		MaxAttempts: MaxAttempts,
	})
	if err != nil {
		s.log.Error("scheduler query failed", slog.String("error", err.Error()))
		return 0
	}
	if len(docs) == 0 {
		return 0
	}

	attempted := 0
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		attempted++
		s.indexOne(ctx, doc.ID)
	}
	return attempted
}

// indexOne indexes a single document under the per-document deadline.
// Failures are already recorded on the document by the indexer; here
// they only mean the pass moves on to the next document.
func (s *Scheduler) indexOne(ctx context.Context, docID string) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DocTimeout)
	defer cancel()

	if err := s.process(dctx, docID); err != nil {
		s.log.Warn("scheduled indexing failed",
			slog.String("doc_id", docID),
			slog.String("error", err.Error()))
	}
}

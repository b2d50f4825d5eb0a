package index

import (
	"context"
	"log/slog"
	"sync"

	ragerr "github.com/velumlabs/ragd/internal/errors"
)

// DefaultQueueCapacity bounds how many documents may wait for indexing.
const DefaultQueueCapacity = 10

// ProcessFunc indexes a single document by ID.
type ProcessFunc func(ctx context.Context, docID string) error

// Queue is a bounded FIFO of document IDs waiting to be indexed, drained
// by a single worker goroutine. Enqueueing an ID that is already waiting
// or in flight is a no-op, so repeated edits to one document collapse
// into a single pending job.
type Queue struct {
	process ProcessFunc
	log     *slog.Logger
	cap     int

	mu         sync.Mutex
	waiting    []string
	pending    map[string]bool
	processing string
	started    bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewQueue creates a queue of the given capacity draining into process.
// A non-positive capacity falls back to DefaultQueueCapacity.
func NewQueue(capacity int, process ProcessFunc, log *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		process: process,
		log:     log,
		cap:     capacity,
		pending: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the drain worker. Calling Start twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.drain(ctx)
}

// Stop signals the worker and waits for the in-flight job to finish.
// Queued but unstarted jobs are dropped; the scheduler will pick those
// documents up again from their stored status.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	<-q.doneCh
}

// Enqueue adds a document ID to the queue. Returns ErrCodeQueueFull when
// the queue is at capacity, nil when the ID was added or already queued.
func (q *Queue) Enqueue(docID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[docID] || q.processing == docID {
		return nil
	}
	if len(q.waiting) >= q.cap {
		return ragerr.New(ragerr.ErrCodeQueueFull, "indexing queue is full", nil).
			WithDetail("doc_id", docID)
	}

	q.waiting = append(q.waiting, docID)
	q.pending[docID] = true

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Remove drops a waiting document from the queue, for example after the
// document was deleted. An in-flight job is not interrupted.
func (q *Queue) Remove(docID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.pending[docID] {
		return
	}
	delete(q.pending, docID)
	for i, id := range q.waiting {
		if id == docID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
}

// Length returns the number of waiting documents.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Processing returns the ID of the in-flight document, or "".
func (q *Queue) Processing() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

func (q *Queue) drain(ctx context.Context) {
	defer close(q.doneCh)

	for {
		docID, ok := q.take()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		if err := q.process(ctx, docID); err != nil {
			q.log.Warn("queued indexing failed",
				slog.String("doc_id", docID),
				slog.String("error", err.Error()))
		}
		q.finish(docID)

		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// take pops the head of the queue and marks it in flight.
func (q *Queue) take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting) == 0 {
		return "", false
	}
	docID := q.waiting[0]
	q.waiting = q.waiting[1:]
	delete(q.pending, docID)
	q.processing = docID
	return docID, true
}

func (q *Queue) finish(docID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing == docID {
		q.processing = ""
	}
}

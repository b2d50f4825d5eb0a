package index

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/velumlabs/ragd/internal/errors"
)

// recorder collects processed IDs and optionally blocks until released.
type recorder struct {
	mu      sync.Mutex
	ids     []string
	block   chan struct{}
	started chan string
}

func newRecorder() *recorder {
	return &recorder{started: make(chan string, 32)}
}

func (r *recorder) process(_ context.Context, docID string) error {
	r.started <- docID
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.ids = append(r.ids, docID)
	r.mu.Unlock()
	return nil
}

func (r *recorder) processed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueue_DrainsInFIFOOrder(t *testing.T) {
	// Given: a queue with three waiting documents
	rec := newRecorder()
	q := NewQueue(10, rec.process, nil)
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("b"))
	require.NoError(t, q.Enqueue("c"))

	// When: the worker drains it
	q.Start(context.Background())
	defer q.Stop()
	waitFor(t, func() bool { return len(rec.processed()) == 3 })

	// Then: documents are processed in enqueue order
	assert.Equal(t, []string{"a", "b", "c"}, rec.processed())
	assert.Zero(t, q.Length())
}

func TestQueue_DeduplicatesWaitingIDs(t *testing.T) {
	// Given: an unstarted queue
	rec := newRecorder()
	q := NewQueue(10, rec.process, nil)

	// When: the same ID is enqueued three times
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("a"))

	// Then: it waits only once
	assert.Equal(t, 1, q.Length())
}

func TestQueue_DeduplicatesInFlightID(t *testing.T) {
	// Given: a document currently being processed
	rec := newRecorder()
	rec.block = make(chan struct{})
	q := NewQueue(10, rec.process, nil)
	require.NoError(t, q.Enqueue("a"))
	q.Start(context.Background())
	<-rec.started
	assert.Equal(t, "a", q.Processing())

	// When: the same ID is enqueued again mid-flight
	require.NoError(t, q.Enqueue("a"))

	// Then: it is not queued a second time
	assert.Zero(t, q.Length())

	close(rec.block)
	q.Stop()
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	// Given: a queue at capacity
	rec := newRecorder()
	q := NewQueue(2, rec.process, nil)
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("b"))

	// When: one more document arrives
	err := q.Enqueue("c")

	// Then: the enqueue is rejected with the queue-full code
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeQueueFull, ragerr.GetCode(err))

	// And: a duplicate of a waiting ID is still accepted
	assert.NoError(t, q.Enqueue("b"))
}

func TestQueue_RemoveDropsWaitingDocument(t *testing.T) {
	rec := newRecorder()
	q := NewQueue(10, rec.process, nil)
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("b"))

	q.Remove("a")

	assert.Equal(t, 1, q.Length())

	q.Start(context.Background())
	defer q.Stop()
	waitFor(t, func() bool { return len(rec.processed()) == 1 })
	assert.Equal(t, []string{"b"}, rec.processed())
}

func TestQueue_StartAndStopAreIdempotent(t *testing.T) {
	rec := newRecorder()
	q := NewQueue(10, rec.process, nil)

	ctx := context.Background()
	q.Start(ctx)
	q.Start(ctx)
	q.Stop()
	q.Stop()
}

func TestQueue_StopWaitsForInFlightJob(t *testing.T) {
	// Given: a job in flight
	rec := newRecorder()
	rec.block = make(chan struct{})
	q := NewQueue(10, rec.process, nil)
	require.NoError(t, q.Enqueue("a"))
	q.Start(context.Background())
	<-rec.started

	// When: Stop is called while the job is released shortly after
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(rec.block)
	}()
	q.Stop()

	// Then: the in-flight job finished before Stop returned
	assert.Equal(t, []string{"a"}, rec.processed())
}

package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureStore struct {
	mu      sync.Mutex
	batches [][]Event
	failFor int // fail the first N calls
	calls   int
}

func (s *captureStore) InsertBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failFor {
		return errors.New("store unavailable")
	}

	batch := make([]Event, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *captureStore) callCountLocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *captureStore) clearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor = 0
}

func (s *captureStore) maxBatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, b := range s.batches {
		if len(b) > max {
			max = len(b)
		}
	}
	return max
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestQueue(store BatchWriter, cfg QueueConfig) *Queue {
	// Long interval so tests drive flushes explicitly.
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	return NewQueue(store, cfg, quietLogger())
}

func TestQueueDrainsBurstInBatches(t *testing.T) {
	store := &captureStore{}
	q := newTestQueue(store, QueueConfig{Capacity: 20000, BatchSize: 100})
	defer q.Close(context.Background())

	for i := 0; i < 10000; i++ {
		require.True(t, q.Enqueue(Event{ID: "e", Action: ActionCreate}))
	}

	// The threshold wake may already be draining; Flush is single-flight so
	// just wait for the burst to land.
	q.Flush(context.Background())
	require.Eventually(t, func() bool { return store.total() == 10000 }, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, store.maxBatch(), 100)
	assert.Equal(t, 0, q.Depth())
}

func TestQueueDropsWhenFull(t *testing.T) {
	store := &captureStore{}
	q := newTestQueue(store, QueueConfig{Capacity: 5, BatchSize: 100})
	defer q.Close(context.Background())

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(Event{Action: ActionCreate}))
	}
	assert.False(t, q.Enqueue(Event{Action: ActionCreate}))
	assert.Equal(t, 5, q.Depth())
}

func TestQueueRetriesFailedBatch(t *testing.T) {
	store := &captureStore{failFor: 2}
	q := newTestQueue(store, QueueConfig{
		Capacity:     100,
		BatchSize:    10,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	})
	defer q.Close(context.Background())

	for i := 0; i < 10; i++ {
		q.Enqueue(Event{Action: ActionUpdate})
	}
	q.Flush(context.Background())
	require.Eventually(t, func() bool { return store.total() == 10 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, 3, store.callCountLocked())
}

func TestQueueAbandonsBatchAfterMaxAttempts(t *testing.T) {
	store := &captureStore{failFor: 100}
	q := newTestQueue(store, QueueConfig{
		Capacity:     100,
		BatchSize:    10,
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
	})
	defer q.Close(context.Background())

	for i := 0; i < 10; i++ {
		q.Enqueue(Event{Action: ActionUpdate})
	}
	q.Flush(context.Background())
	require.Eventually(t, func() bool { return q.Depth() == 0 }, 5*time.Second, time.Millisecond)

	// Batch abandoned after two attempts, later events still flow.
	assert.Equal(t, 2, store.callCountLocked())

	store.clearFailures()
	q.Enqueue(Event{Action: ActionCreate})
	q.Flush(context.Background())
	require.Eventually(t, func() bool { return store.total() == 1 }, 5*time.Second, time.Millisecond)
}

func TestQueueSingleFlightFlush(t *testing.T) {
	block := make(chan struct{})
	store := &blockingStore{release: block}
	q := newTestQueue(store, QueueConfig{Capacity: 100, BatchSize: 10})
	defer func() {
		close(block)
		q.Close(context.Background())
	}()

	for i := 0; i < 10; i++ {
		q.Enqueue(Event{Action: ActionCreate})
	}

	go q.Flush(context.Background())

	// Wait for the first flush to be inside the store write.
	require.Eventually(t, func() bool { return store.inFlight() }, time.Second, time.Millisecond)

	// Concurrent flush must return immediately without a second write.
	done := make(chan struct{})
	go func() {
		q.Flush(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second flush did not return while first was in flight")
	}
	assert.Equal(t, 1, store.callCount())
}

type blockingStore struct {
	mu      sync.Mutex
	calls   int
	active  bool
	release chan struct{}
}

func (s *blockingStore) InsertBatch(_ context.Context, _ []Event) error {
	s.mu.Lock()
	s.calls++
	s.active = true
	s.mu.Unlock()

	<-s.release

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return nil
}

func (s *blockingStore) inFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *blockingStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestQueueCloseDrainsBuffer(t *testing.T) {
	store := &captureStore{}
	q := newTestQueue(store, QueueConfig{Capacity: 100, BatchSize: 10})

	for i := 0; i < 7; i++ {
		q.Enqueue(Event{Action: ActionCreate})
	}

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 7, store.total())
}

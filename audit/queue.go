package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BatchWriter is the queue's view of the event store.
type BatchWriter interface {
	InsertBatch(ctx context.Context, events []Event) error
}

type QueueConfig struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	WriteTimeout  time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Queue buffers accepted events and ships them to the store in batches.
// Delivery is best effort: when the buffer is full or the store keeps
// failing, events are dropped with a metric and a rate-limited warning.
// The request path never blocks on the store.
type Queue struct {
	store  BatchWriter
	logger *slog.Logger
	cfg    QueueConfig

	mu  sync.Mutex
	buf []Event

	flushing  atomic.Bool
	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Drop strategy metrics
	dropCount uint64
	dropMu    sync.Mutex
	lastWarn  time.Time
}

func NewQueue(store BatchWriter, cfg QueueConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		store:    store,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		lastWarn: time.Now(),
	}

	q.wg.Add(1)
	go q.worker()

	return q
}

// Enqueue buffers an event for delivery. It never blocks; when the buffer
// is at capacity the event is dropped and counted.
func (q *Queue) Enqueue(ev Event) bool {
	q.mu.Lock()
	if len(q.buf) >= q.cfg.Capacity {
		q.mu.Unlock()
		eventsDropped.WithLabelValues("buffer_full").Inc()
		q.warnDrop(ev.Action)
		return false
	}
	q.buf = append(q.buf, ev)
	depth := len(q.buf)
	q.mu.Unlock()

	queueDepth.Set(float64(depth))

	if depth >= q.cfg.BatchSize {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Depth reports how many events are currently buffered.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue) warnDrop(action string) {
	drops := atomic.AddUint64(&q.dropCount, 1)

	q.dropMu.Lock()
	defer q.dropMu.Unlock()

	if time.Since(q.lastWarn) < 5*time.Second {
		return
	}
	q.logger.Warn("audit queue full, dropping events",
		"strategy", "drop_on_full",
		"total_dropped", drops,
		"sample_action", action,
	)
	atomic.StoreUint64(&q.dropCount, 0)
	q.lastWarn = time.Now()
}

func (q *Queue) worker() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Flush(context.Background())
		case <-q.wake:
			q.Flush(context.Background())
		case <-q.done:
			return
		}
	}
}

// Flush drains the buffer in store-sized batches. Only one drain runs at a
// time; concurrent callers return immediately.
func (q *Queue) Flush(ctx context.Context) {
	if !q.flushing.CompareAndSwap(false, true) {
		return
	}
	defer q.flushing.Store(false)

	for {
		batch := q.takeBatch()
		if len(batch) == 0 {
			return
		}

		if q.writeWithRetry(ctx, batch) {
			eventsFlushed.Add(float64(len(batch)))
		} else {
			eventsDropped.WithLabelValues("store_failure").Add(float64(len(batch)))
			q.logger.Warn("audit batch abandoned after retries",
				"batch_size", len(batch),
				"max_attempts", q.cfg.MaxAttempts,
			)
		}
		queueDepth.Set(float64(q.Depth()))
	}
}

func (q *Queue) takeBatch() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) == 0 {
		return nil
	}
	n := q.cfg.BatchSize
	if n > len(q.buf) {
		n = len(q.buf)
	}

	batch := make([]Event, n)
	copy(batch, q.buf[:n])
	q.buf = q.buf[:copy(q.buf, q.buf[n:])]
	return batch
}

func (q *Queue) writeWithRetry(ctx context.Context, batch []Event) bool {
	backoff := q.cfg.RetryBackoff

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		writeCtx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
		err := q.store.InsertBatch(writeCtx, batch)
		cancel()
		flushDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			return true
		}

		flushFailures.Inc()
		q.logger.Error("audit batch write failed",
			"error", err,
			"attempt", attempt,
			"batch_size", len(batch),
		)

		if attempt == q.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
	}
	return false
}

// Close stops the worker and performs a final drain so a clean shutdown
// loses nothing that already made it into the buffer.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
	q.Flush(ctx)
	return nil
}

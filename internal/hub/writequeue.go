package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chessence/internal/observability"
)

// WriteQueue runs durable writes in submission order on a single worker so
// the event loop never blocks on storage. Writes are fire-and-forget: a
// failure is logged and counted, never retried.
type WriteQueue struct {
	jobs    chan writeJob
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

type writeJob struct {
	op string
	fn func(ctx context.Context) error
}

// NewWriteQueue creates a WriteQueue holding up to size pending writes, each
// bounded by timeout.
//
// Precondition: size > 0; timeout > 0; logger must be non-nil.
func NewWriteQueue(size int, timeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *WriteQueue {
	return &WriteQueue{
		jobs:    make(chan writeJob, size),
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Submit enqueues fn under the operation name op. It never blocks.
//
// Postcondition: Returns false if the queue is stopped or full; the write is dropped.
func (q *WriteQueue) Submit(op string, fn func(ctx context.Context) error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		q.logger.Warn("durable write after shutdown dropped", zap.String("op", op))
		q.metrics.WriteDropped()
		return false
	}
	select {
	case q.jobs <- writeJob{op: op, fn: fn}:
		return true
	default:
		q.logger.Error("durable write queue full, write dropped", zap.String("op", op))
		q.metrics.WriteDropped()
		return false
	}
}

// Start runs the worker until Stop is called or ctx is cancelled, then
// drains what is queued.
func (q *WriteQueue) Start(ctx context.Context) error {
	defer close(q.doneCh)
	for {
		select {
		case job := <-q.jobs:
			q.run(ctx, job)
		case <-q.stopCh:
			q.drain(ctx)
			return nil
		case <-ctx.Done():
			q.drain(ctx)
			return nil
		}
	}
}

// Stop stops accepting writes and waits for queued writes to finish or for
// ctx to expire.
func (q *WriteQueue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.stopCh)
	})
	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WriteQueue) drain(ctx context.Context) {
	for {
		select {
		case job := <-q.jobs:
			q.run(context.WithoutCancel(ctx), job)
		default:
			return
		}
	}
}

func (q *WriteQueue) run(ctx context.Context, job writeJob) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	start := time.Now()
	if err := job.fn(ctx); err != nil {
		q.metrics.WriteFailed(job.op)
		q.logger.Error("durable write failed",
			zap.String("op", job.op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
}

package results

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/typerush/typerush/pkg/logger"
	"github.com/typerush/typerush/pkg/metrics"
)

const recordTimeout = 5 * time.Second

// DefaultBackoff is the retry schedule applied after a failed sink call.
var DefaultBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// RetryQueue delivers records to a sink, retrying failures on an exponential
// backoff schedule and dropping with a counter once attempts are exhausted.
// Engines submit exactly once per terminal transition; idempotence beyond
// that is the sink's contract.
type RetryQueue struct {
	sink    Sink
	backoff []time.Duration
	log     *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewRetryQueue constructs a retry queue in front of the provided sink.
// A nil backoff uses the default 1s/2s/4s schedule.
func NewRetryQueue(sink Sink, backoff []time.Duration) *RetryQueue {
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &RetryQueue{
		sink:    sink,
		backoff: backoff,
		log:     logger.WithModule("results"),
	}
}

// Submit attempts immediate delivery and reports whether it succeeded. On
// failure the record is scheduled for background retries and Submit returns
// the first error so callers can mark the result unsunk.
func (q *RetryQueue) Submit(ctx context.Context, rec Record) error {
	err := q.record(ctx, rec)
	if err == nil {
		return nil
	}

	q.log.Warn("result sink failed, scheduling retries",
		zap.String("session", rec.Key().SessionID),
		zap.Error(err))

	q.mu.Lock()
	if !q.closed {
		q.wg.Add(1)
		go q.retry(rec)
	}
	q.mu.Unlock()

	return err
}

func (q *RetryQueue) retry(rec Record) {
	defer q.wg.Done()

	for attempt, delay := range q.backoff {
		time.Sleep(delay)

		if err := q.record(context.Background(), rec); err == nil {
			return
		} else if attempt == len(q.backoff)-1 {
			metrics.SinkFailures.Inc()
			q.log.Error("result dropped after exhausting sink retries",
				zap.String("session", rec.Key().SessionID),
				zap.String("identity", rec.Key().IdentityID),
				zap.Error(err))
		}
	}
}

func (q *RetryQueue) record(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	return q.sink.Record(ctx, rec)
}

// Drain blocks until in-flight retries finish. Used during shutdown and tests.
func (q *RetryQueue) Drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

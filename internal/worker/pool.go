// Package worker runs the queue consumers: a pool of goroutines per queue
// class, each pulling deliveries and driving them through a handler. The pool
// owns queue bookkeeping (complete, retry, fail); handlers own job row state.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sentryal/insar-pipeline/internal/metrics"
	"github.com/sentryal/insar-pipeline/internal/queue"
)

// ErrNonRetryable marks a failure no amount of retrying can fix, such as a
// malformed acquisition identifier or a delivery whose job row is gone. The
// pool retires these immediately instead of scheduling a retry.
var ErrNonRetryable = errors.New("non-retryable")

// Handler processes one delivery. A nil return retires the delivery as
// completed; an error schedules a retry unless it wraps ErrNonRetryable or
// the attempt budget is exhausted. Handlers are invoked concurrently and may
// see the same delivery id more than once, so they must be idempotent.
type Handler interface {
	Handle(ctx context.Context, d *queue.Delivery) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, d *queue.Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *queue.Delivery) error {
	return f(ctx, d)
}

// Pool drives a fixed number of workers against one queue class.
type Pool struct {
	queue       *queue.Queue
	handler     Handler
	concurrency int
	limiter     *RateLimiter // nil disables rate limiting
	metrics     *metrics.Metrics
}

func NewPool(q *queue.Queue, h Handler, concurrency int, limiter *RateLimiter, m *metrics.Metrics) *Pool {
	return &Pool{
		queue:       q,
		handler:     h,
		concurrency: concurrency,
		limiter:     limiter,
		metrics:     m,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight delivery has drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	log := slog.With("queue", p.queue.Name(), "worker", id)

	for {
		if ctx.Err() != nil {
			return
		}

		if p.limiter != nil && !p.limiter.Allow(ctx) {
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if d == nil {
			// Nothing was ready; the permit was not spent on a delivery.
			if p.limiter != nil {
				p.limiter.Refund(ctx)
			}
			continue
		}

		p.process(ctx, log, d)
	}
}

// process runs one delivery to a queue outcome. The handler gets a context
// detached from pool cancellation so shutdown drains in-flight work instead
// of aborting it mid-transition.
func (p *Pool) process(ctx context.Context, log *slog.Logger, d *queue.Delivery) {
	jobCtx := context.WithoutCancel(ctx)
	start := time.Now()

	err := p.handler.Handle(jobCtx, d)
	if err == nil {
		if err := p.queue.Complete(jobCtx, d); err != nil {
			log.Error("failed to retire completed delivery", "id", d.ID, "error", err)
		}
		p.metrics.JobsCompleted.WithLabelValues(p.queue.Name()).Inc()
		p.metrics.JobDuration.WithLabelValues(p.queue.Name()).Observe(time.Since(start).Seconds())
		return
	}

	if errors.Is(err, ErrNonRetryable) {
		log.Error("delivery failed permanently", "id", d.ID, "attempt", d.Attempt, "error", err)
		p.retireFailed(jobCtx, log, d, start)
		return
	}

	retried, retryErr := p.queue.Retry(jobCtx, d)
	if retryErr != nil {
		log.Error("failed to schedule retry", "id", d.ID, "attempt", d.Attempt, "error", retryErr)
		return
	}
	if retried {
		log.Warn("delivery failed, retry scheduled",
			"id", d.ID, "attempt", d.Attempt, "max_attempts", p.queue.MaxAttempts(), "error", err)
		return
	}

	log.Error("delivery exhausted attempt budget",
		"id", d.ID, "attempts", d.Attempt, "error", err)
	p.retireFailed(jobCtx, log, d, start)
}

func (p *Pool) retireFailed(ctx context.Context, log *slog.Logger, d *queue.Delivery, start time.Time) {
	if err := p.queue.Fail(ctx, d); err != nil {
		log.Error("failed to retire failed delivery", "id", d.ID, "error", err)
	}
	p.metrics.JobsFailed.WithLabelValues(p.queue.Name()).Inc()
	p.metrics.JobDuration.WithLabelValues(p.queue.Name()).Observe(time.Since(start).Seconds())
}

// sleep waits for d or ctx cancellation, reporting false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

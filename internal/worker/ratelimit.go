package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sentryal/insar-pipeline/internal/queue"
)

// RateLimiter caps dequeue throughput with a fixed window counter in Redis.
// The counter is shared across all workers and all instances of the server,
// so the cap holds for the deployment as a whole, not per process.
type RateLimiter struct {
	rdb    *redis.Client
	name   string
	limit  int
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, name string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, name: name, limit: limit, window: window}
}

// Allow reports whether another dequeue may proceed in the current window.
// Fails open when Redis cannot be reached: a rate limit fault must not stall
// the worker pool.
func (l *RateLimiter) Allow(ctx context.Context) bool {
	windowSecs := int64(l.window.Seconds())
	key := queue.RateLimitKey(l.name, time.Now().Unix()/windowSecs)

	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("rate limit check failed, allowing dequeue", "queue", l.name, "error", err)
		return true
	}

	return count.Val() <= int64(l.limit)
}

// Refund returns an unused permit to the current window. Called when an
// allowed dequeue found the queue empty, so idle polling does not consume the
// budget meant for actual deliveries. A refund that lands in a fresh window
// leaves a harmless negative count.
func (l *RateLimiter) Refund(ctx context.Context) {
	windowSecs := int64(l.window.Seconds())
	key := queue.RateLimitKey(l.name, time.Now().Unix()/windowSecs)

	if err := l.rdb.Decr(ctx, key).Err(); err != nil {
		slog.Error("rate limit refund failed", "queue", l.name, "error", err)
	}
}

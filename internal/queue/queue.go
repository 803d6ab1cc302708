package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dequeueBlock    = 5 * time.Second
	promoteInterval = time.Second
	promoteBatch    = 100

	defaultClaimTimeout = 15 * time.Minute
)

// DelayFunc returns the re-delivery delay after a failed attempt. The attempt
// argument is 1-based and counts deliveries so far.
type DelayFunc func(attempt int) time.Duration

// FixedDelay waits the same duration between every attempt.
func FixedDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles the base delay on each attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// Config describes one queue class. ClaimTimeout bounds how long a delivery
// may sit in the active set before it is presumed orphaned by a dead worker
// and requeued; it must exceed the longest handler run.
type Config struct {
	Name         string
	MaxAttempts  int
	Delay        DelayFunc
	CompletedTTL time.Duration
	FailedTTL    time.Duration
	ClaimTimeout time.Duration
}

// Delivery is one at-least-once hand-off of a queue member to a worker. The
// id is whatever the enqueuer put in: a job id on the processing queue, an
// infrastructure id on the recompute queue. Attempt counts deliveries of this
// member so far, including this one.
type Delivery struct {
	ID      uuid.UUID
	Attempt int
}

// Queue is a durable Redis-backed work queue. Jobs wait on a ready list,
// retries sit in a delayed sorted set scored by promote-time, and terminal
// outcomes are retained in completed/failed sets for auditing. Each job is
// delivered to exactly one worker at a time; redelivery after a crash or
// retry is possible, so consumers must be idempotent.
type Queue struct {
	rdb *redis.Client
	cfg Config
}

// Depths is a point-in-time snapshot of queue state, one gauge per bucket.
type Depths struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
}

func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}
	return &Queue{rdb: rdb, cfg: cfg}
}

// Name returns the queue class name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// MaxAttempts returns the delivery ceiling for this queue class.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Enqueue makes a job available for immediate delivery. Any stale attempt
// count from a previous enqueue of the same id is discarded, and a pending
// retry of the same id is superseded so the member cannot surface twice.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, attemptsKey(q.cfg.Name), jobID.String())
	pipe.ZRem(ctx, delayedKey(q.cfg.Name), jobID.String())
	pipe.LPush(ctx, readyKey(q.cfg.Name), jobID.String())
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue blocks for a bounded interval waiting for a ready job. Returns
// (nil, nil) when nothing became ready, letting the caller re-check its
// context. A returned delivery has already been moved to the active set and
// had its attempt counter advanced.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	res, err := q.rdb.BRPop(ctx, dequeueBlock, readyKey(q.cfg.Name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 || res[1] == "" {
		return nil, nil
	}

	jobID, err := uuid.Parse(res[1])
	if err != nil {
		// A malformed member cannot be processed or retried; drop it.
		slog.Error("queue dropped malformed member", "queue", q.cfg.Name, "member", res[1])
		return nil, nil
	}

	pipe := q.rdb.TxPipeline()
	attempt := pipe.HIncrBy(ctx, attemptsKey(q.cfg.Name), jobID.String(), 1)
	pipe.ZAdd(ctx, activeKey(q.cfg.Name),
		redis.Z{Score: float64(time.Now().UnixMilli()), Member: jobID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return &Delivery{ID: jobID, Attempt: int(attempt.Val())}, nil
}

// Retry schedules a failed delivery for re-delivery after the configured
// delay. Returns false without scheduling when the attempt budget is
// exhausted; the caller then records the terminal failure and calls Fail.
func (q *Queue) Retry(ctx context.Context, d *Delivery) (bool, error) {
	if d.Attempt >= q.cfg.MaxAttempts {
		return false, nil
	}

	promoteAt := time.Now().Add(q.cfg.Delay(d.Attempt)).UnixMilli()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(q.cfg.Name), d.ID.String())
	pipe.ZAdd(ctx, delayedKey(q.cfg.Name), redis.Z{Score: float64(promoteAt), Member: d.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Complete retires a delivery into the completed retention set.
func (q *Queue) Complete(ctx context.Context, d *Delivery) error {
	return q.retire(ctx, d, completedKey(q.cfg.Name), q.cfg.CompletedTTL)
}

// Fail retires a delivery into the failed retention set.
func (q *Queue) Fail(ctx context.Context, d *Delivery) error {
	return q.retire(ctx, d, failedKey(q.cfg.Name), q.cfg.FailedTTL)
}

func (q *Queue) retire(ctx context.Context, d *Delivery, key string, ttl time.Duration) error {
	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(q.cfg.Name), d.ID.String())
	pipe.HDel(ctx, attemptsKey(q.cfg.Name), d.ID.String())
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: d.ID.String()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-ttl).UnixMilli(), 10))
	_, err := pipe.Exec(ctx)
	return err
}

// Depths reports the current size of each queue bucket.
func (q *Queue) Depths(ctx context.Context) (Depths, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, readyKey(q.cfg.Name))
	delayed := pipe.ZCard(ctx, delayedKey(q.cfg.Name))
	active := pipe.ZCard(ctx, activeKey(q.cfg.Name))
	completed := pipe.ZCard(ctx, completedKey(q.cfg.Name))
	failed := pipe.ZCard(ctx, failedKey(q.cfg.Name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, err
	}
	return Depths{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// requeueScript atomically moves members scored at or below a cutoff from a
// sorted set onto the ready list, so a crash between the two writes cannot
// lose a job. Used for both delayed-retry promotion and stalled-claim
// recovery.
var requeueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, member in ipairs(due) do
    redis.call("LPUSH", KEYS[2], member)
    redis.call("ZREM", KEYS[1], member)
end
return #due
`)

func (q *Queue) requeueBefore(ctx context.Context, from string, cutoff int64) (int, error) {
	res, err := requeueScript.Run(ctx, q.rdb,
		[]string{from, readyKey(q.cfg.Name)},
		cutoff, promoteBatch).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return int(n), nil
}

// PromoteDue moves delayed jobs whose delay has elapsed onto the ready list.
// Returns the number promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	return q.requeueBefore(ctx, delayedKey(q.cfg.Name), time.Now().UnixMilli())
}

// ReclaimStalled requeues active deliveries claimed longer ago than the
// configured claim timeout. A worker that dies between Dequeue and
// Complete/Retry/Fail leaves its member in the active set; without this pass
// the member would be stranded there and never redelivered. The attempt
// counter survives the reclaim, so redeliveries still count against the
// attempt budget.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.cfg.ClaimTimeout).UnixMilli()
	return q.requeueBefore(ctx, activeKey(q.cfg.Name), cutoff)
}

// RunPromoter drives PromoteDue and ReclaimStalled on a fixed cadence until
// ctx is cancelled.
func (q *Queue) RunPromoter(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("queue promoter failed", "queue", q.cfg.Name, "error", err)
			}
			n, err := q.ReclaimStalled(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("queue reclaim failed", "queue", q.cfg.Name, "error", err)
			}
			if n > 0 {
				slog.Warn("queue reclaimed stalled deliveries", "queue", q.cfg.Name, "count", n)
			}
		}
	}
}

// Package admission gates job creation with per-owner quota ceilings.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Ceiling names reported in rejections.
const (
	LimitHourly     = "hourly"
	LimitDaily      = "daily"
	LimitConcurrent = "concurrent"
)

// JobCounter is the slice of the store quota evaluation needs.
type JobCounter interface {
	CountJobsCreatedSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)
	CountActiveJobs(ctx context.Context, ownerID uuid.UUID) (int, error)
}

// Limits holds the three independent admission ceilings.
type Limits struct {
	MaxJobsPerHour    int
	MaxJobsPerDay     int
	MaxConcurrentJobs int
}

// Decision is the outcome of a quota check. FailedOpen marks an approval
// granted because the check itself could not run, which is distinct from a
// check that ran and passed.
type Decision struct {
	Allowed    bool
	FailedOpen bool
	Limit      string
	RetryAfter int
}

// Controller evaluates admission ceilings against job history.
type Controller struct {
	counter JobCounter
	limits  Limits
}

// New creates a Controller with the given limits.
func New(counter JobCounter, limits Limits) *Controller {
	return &Controller{counter: counter, limits: limits}
}

// Check evaluates all three ceilings for an owner. When the datastore cannot
// be queried the controller fails open: a quota fault must not take down job
// submission, so the request is admitted and the failure logged loudly. This
// is a deliberate policy, liveness over strict enforcement.
func (c *Controller) Check(ctx context.Context, ownerID uuid.UUID) Decision {
	now := time.Now().UTC()

	hourly, err := c.counter.CountJobsCreatedSince(ctx, ownerID, now.Add(-time.Hour))
	if err != nil {
		return c.failOpen(ownerID, err)
	}
	if hourly >= c.limits.MaxJobsPerHour {
		return Decision{Limit: LimitHourly, RetryAfter: 3600}
	}

	daily, err := c.counter.CountJobsCreatedSince(ctx, ownerID, now.Add(-24*time.Hour))
	if err != nil {
		return c.failOpen(ownerID, err)
	}
	if daily >= c.limits.MaxJobsPerDay {
		return Decision{Limit: LimitDaily, RetryAfter: 86400}
	}

	active, err := c.counter.CountActiveJobs(ctx, ownerID)
	if err != nil {
		return c.failOpen(ownerID, err)
	}
	if active >= c.limits.MaxConcurrentJobs {
		return Decision{Limit: LimitConcurrent}
	}

	return Decision{Allowed: true}
}

func (c *Controller) failOpen(ownerID uuid.UUID, err error) Decision {
	slog.Error("quota check failed, admitting request",
		"owner_id", ownerID, "error", err)
	return Decision{Allowed: true, FailedOpen: true}
}

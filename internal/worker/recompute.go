package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sentryal/insar-pipeline/internal/queue"
	"github.com/sentryal/insar-pipeline/internal/store"
	"github.com/sentryal/insar-pipeline/internal/velocity"
	"github.com/sentryal/insar-pipeline/pkg/models"
)

// RecomputeStore is the slice of the store velocity recomputation needs.
type RecomputeStore interface {
	GetInfrastructure(ctx context.Context, id uuid.UUID) (*models.Infrastructure, error)
	ListMonitoringPoints(ctx context.Context, infraID uuid.UUID) ([]*models.MonitoringPoint, error)
	ListMeasurementsByPoint(ctx context.Context, pointID uuid.UUID) ([]models.Measurement, error)
	ReplaceVelocitySummaries(ctx context.Context, infraID uuid.UUID, summaries []models.VelocitySummary) error
}

// RecomputeHandler rebuilds the velocity summaries for one infrastructure
// from the full measurement history. Recomputes run on their own queue class:
// a recompute failure is retried there and never reaches back into the
// processing job that triggered it.
type RecomputeHandler struct {
	store RecomputeStore
}

func NewRecomputeHandler(st RecomputeStore) *RecomputeHandler {
	return &RecomputeHandler{store: st}
}

// Handle recomputes every monitoring point of the infrastructure named by the
// delivery. Points without enough history get an insufficient_data row rather
// than no row, so the API always reports one summary per point.
func (h *RecomputeHandler) Handle(ctx context.Context, d *queue.Delivery) error {
	infraID := d.ID

	if _, err := h.store.GetInfrastructure(ctx, infraID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: infrastructure %s has no row", ErrNonRetryable, infraID)
		}
		return fmt.Errorf("load infrastructure: %w", err)
	}

	points, err := h.store.ListMonitoringPoints(ctx, infraID)
	if err != nil {
		return fmt.Errorf("list monitoring points: %w", err)
	}

	now := time.Now().UTC()
	summaries := make([]models.VelocitySummary, 0, len(points))
	for _, p := range points {
		measurements, err := h.store.ListMeasurementsByPoint(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("list measurements for point %s: %w", p.ID, err)
		}

		v, trend := velocity.Compute(measurements)
		summaries = append(summaries, models.VelocitySummary{
			PointID:          p.ID,
			InfrastructureID: infraID,
			VelocityMMPerYr:  v,
			Trend:            trend,
			SampleCount:      len(measurements),
			ComputedAt:       now,
		})
	}

	if err := h.store.ReplaceVelocitySummaries(ctx, infraID, summaries); err != nil {
		return fmt.Errorf("replace velocity summaries: %w", err)
	}

	slog.Info("velocity summaries recomputed",
		"infrastructure_id", infraID, "points", len(summaries))
	return nil
}

// Package ingest maps raw per-point processing results into persisted
// measurements. Writes are idempotent upserts on the (point, job, date)
// natural key, so replaying a delivery is safe.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sentryal/insar-pipeline/internal/processing"
	"github.com/sentryal/insar-pipeline/pkg/models"
)

const defaultBatchSize = 100

// MeasurementWriter is the slice of the store ingestion needs.
type MeasurementWriter interface {
	UpsertMeasurements(ctx context.Context, measurements []models.Measurement) (int64, error)
}

// Stats reports what one ingestion run did. Written counts rows sent to the
// store; Dropped counts result rows rejected by filtering.
type Stats struct {
	Written int
	Dropped int
}

// Ingestor writes filtered result rows in fixed-size batches.
type Ingestor struct {
	store     MeasurementWriter
	batchSize int
}

// New creates an Ingestor writing through store.
func New(store MeasurementWriter) *Ingestor {
	return &Ingestor{store: store, batchSize: defaultBatchSize}
}

// Ingest filters and persists one job's displacement points. Invalid rows are
// dropped, not escalated: partial valid data is still useful. Batches are
// committed independently; an error mid-way leaves earlier batches in place,
// which is safe because a redelivered job overwrites the same keys.
func (i *Ingestor) Ingest(ctx context.Context, jobID uuid.UUID, acquisitionDate time.Time, points []processing.DisplacementPoint) (Stats, error) {
	var stats Stats
	batch := make([]models.Measurement, 0, i.batchSize)
	now := time.Now().UTC()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := i.store.UpsertMeasurements(ctx, batch); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
		stats.Written += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, p := range points {
		m, ok := filter(jobID, acquisitionDate, p, now)
		if !ok {
			stats.Dropped++
			continue
		}
		batch = append(batch, m)
		if len(batch) >= i.batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	if stats.Dropped > 0 {
		slog.Warn("ingestion dropped invalid result rows",
			"job_id", jobID, "dropped", stats.Dropped, "written", stats.Written)
	}
	return stats, nil
}

// filter decides whether one result row becomes a measurement. Rows are
// rejected when the service flagged them invalid, when the point identifier
// does not parse, or when the displacement is missing or not finite.
func filter(jobID uuid.UUID, acquisitionDate time.Time, p processing.DisplacementPoint, now time.Time) (models.Measurement, bool) {
	if !p.Valid {
		return models.Measurement{}, false
	}

	pointID, err := uuid.Parse(p.PointID)
	if err != nil {
		return models.Measurement{}, false
	}

	if p.DisplacementMM == nil || math.IsNaN(*p.DisplacementMM) || math.IsInf(*p.DisplacementMM, 0) {
		return models.Measurement{}, false
	}

	coherence := p.Coherence
	if coherence != nil && (math.IsNaN(*coherence) || math.IsInf(*coherence, 0)) {
		coherence = nil
	}

	return models.Measurement{
		PointID:         pointID,
		JobID:           jobID,
		AcquisitionDate: acquisitionDate,
		DisplacementMM:  *p.DisplacementMM,
		Coherence:       coherence,
		CreatedAt:       now,
	}, true
}

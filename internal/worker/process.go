package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sentryal/insar-pipeline/internal/catalog"
	"github.com/sentryal/insar-pipeline/internal/ingest"
	"github.com/sentryal/insar-pipeline/internal/metrics"
	"github.com/sentryal/insar-pipeline/internal/processing"
	"github.com/sentryal/insar-pipeline/internal/queue"
	"github.com/sentryal/insar-pipeline/internal/store"
	"github.com/sentryal/insar-pipeline/pkg/models"
)

// Enqueuer schedules follow-up work on another queue class.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	Name() string
}

// ProcessStore is the slice of the store job processing needs.
type ProcessStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
	RecordJobAttempt(ctx context.Context, id uuid.UUID, attempt int) error
	GetInfrastructure(ctx context.Context, id uuid.UUID) (*models.Infrastructure, error)
	ListMonitoringPoints(ctx context.Context, infraID uuid.UUID) ([]*models.MonitoringPoint, error)
}

// ProcessHandler executes one processing job end to end: resolve the
// acquisition pair, submit it to the processing backend, ingest the returned
// displacements, schedule a velocity recompute, and record the terminal
// status. Every step is safe to replay; a redelivered job overwrites the same
// measurement keys and the status transitions are guarded in the store.
type ProcessHandler struct {
	store       ProcessStore
	resolver    catalog.Resolver
	processor   processing.Client
	ingestor    *ingest.Ingestor
	recompute   Enqueuer
	metrics     *metrics.Metrics
	deadline    time.Duration
	maxAttempts int
	webhookURL  string
}

func NewProcessHandler(
	st ProcessStore,
	resolver catalog.Resolver,
	processor processing.Client,
	ingestor *ingest.Ingestor,
	recompute Enqueuer,
	m *metrics.Metrics,
	deadline time.Duration,
	maxAttempts int,
	webhookURL string,
) *ProcessHandler {
	return &ProcessHandler{
		store:       st,
		resolver:    resolver,
		processor:   processor,
		ingestor:    ingestor,
		recompute:   recompute,
		metrics:     m,
		deadline:    deadline,
		maxAttempts: maxAttempts,
		webhookURL:  webhookURL,
	}
}

// Handle processes one delivery. Terminal job rows are skipped silently so a
// cancellation or a replayed delivery after completion does no further work.
// A returned error wrapping ErrNonRetryable has already been recorded on the
// job row as a terminal failure; other errors leave the row in processing and
// rely on the queue's retry schedule.
func (h *ProcessHandler) Handle(ctx context.Context, d *queue.Delivery) error {
	job, err := h.store.GetJob(ctx, d.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: job %s has no row", ErrNonRetryable, d.ID)
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	if models.TerminalStatus(job.Status) {
		slog.Info("skipping delivery for terminal job", "job_id", job.ID, "status", job.Status)
		return nil
	}

	if err := h.store.RecordJobAttempt(ctx, job.ID, d.Attempt); err != nil {
		// The mirror is informational; the queue's counter stays authoritative.
		slog.Warn("failed to mirror attempt counter", "job_id", job.ID, "error", err)
	}

	if job.Status == models.JobStatusPending {
		err := h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing,
			store.WithBackend(h.processor.Name()))
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled between the read above and the transition.
			slog.Info("job left pending concurrently, skipping", "job_id", job.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("transition to processing: %w", err)
		}
	}

	if err := h.run(ctx, job); err != nil {
		// The pool mirrors this condition: non-retryable failures and
		// exhausted budgets both retire the delivery into the failed set.
		if errors.Is(err, ErrNonRetryable) || d.Attempt >= h.maxAttempts {
			h.failJob(ctx, job.ID, err)
		}
		return err
	}
	return nil
}

func (h *ProcessHandler) run(ctx context.Context, job *models.Job) error {
	ref, err := catalog.ParseGranule(job.ReferenceGranule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonRetryable, err)
	}
	sec, err := catalog.ParseGranule(job.SecondaryGranule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonRetryable, err)
	}

	infra, err := h.store.GetInfrastructure(ctx, job.InfrastructureID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: infrastructure %s has no row", ErrNonRetryable, job.InfrastructureID)
	}
	if err != nil {
		return fmt.Errorf("load infrastructure: %w", err)
	}

	points, err := h.store.ListMonitoringPoints(ctx, infra.ID)
	if err != nil {
		return fmt.Errorf("list monitoring points: %w", err)
	}

	refLoc, secLoc, err := h.resolver.ResolveLocations(ctx, ref.Name, sec.Name)
	if err != nil {
		if errors.Is(err, catalog.ErrGranuleNotFound) {
			// The catalog is authoritative; an absent granule will not appear
			// on retry.
			return fmt.Errorf("%w: %v", ErrNonRetryable, err)
		}
		return fmt.Errorf("resolve granule locations: %w", err)
	}

	req := processing.Request{
		JobID:            job.ID,
		InfrastructureID: infra.ID,
		ReferenceGranule: ref.Name,
		SecondaryGranule: sec.Name,
		ReferenceURL:     refLoc.URL,
		SecondaryURL:     secLoc.URL,
		BBox: processing.BBox{
			West:  infra.BBox.West,
			East:  infra.BBox.East,
			South: infra.BBox.South,
			North: infra.BBox.North,
		},
		Points:     make([]processing.Point, 0, len(points)),
		WebhookURL: h.webhookURL,
	}
	for _, p := range points {
		req.Points = append(req.Points, processing.Point{ID: p.ID, Lat: p.Lat, Lon: p.Lon})
	}

	pctx, cancel := context.WithTimeout(ctx, h.deadline)
	defer cancel()
	res, err := h.processor.Process(pctx, req)
	if err != nil {
		return err
	}

	var (
		artifacts *models.Artifacts
		stats     *models.ResultStats
		written   ingest.Stats
	)
	if res.Results != nil {
		// The acquisition date of the pair is the secondary scene's start
		// time: displacement is measured at the later acquisition relative to
		// the earlier one.
		written, err = h.ingestor.Ingest(ctx, job.ID, sec.AcquisitionDate, res.Results.DisplacementPoints)
		if err != nil {
			return fmt.Errorf("ingest results: %w", err)
		}
		artifacts = &models.Artifacts{
			InterferogramURL: res.Results.InterferogramURL,
			CoherenceURL:     res.Results.CoherenceURL,
			DisplacementURL:  res.Results.DisplacementURL,
		}
		s := res.Results.Statistics
		stats = &models.ResultStats{
			MeanCoherence:      s.MeanCoherence,
			MeanDisplacementMM: s.MeanDisplacementMM,
			MinDisplacementMM:  s.MinDisplacementMM,
			MaxDisplacementMM:  s.MaxDisplacementMM,
			ValidPoints:        s.ValidPoints,
		}
	}

	if err := h.recompute.Enqueue(ctx, infra.ID); err != nil {
		return fmt.Errorf("enqueue velocity recompute: %w", err)
	}
	h.metrics.JobsEnqueued.WithLabelValues(h.recompute.Name()).Inc()

	err = h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusSucceeded,
		store.WithResult(res.ProcessingSecs, artifacts, stats))
	if errors.Is(err, store.ErrInvalidTransition) {
		slog.Info("job cancelled during processing, result transition skipped", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition to succeeded: %w", err)
	}

	slog.Info("job succeeded",
		"job_id", job.ID,
		"infrastructure_id", infra.ID,
		"measurements_written", written.Written,
		"measurements_dropped", written.Dropped,
		"processing_secs", res.ProcessingSecs)
	return nil
}

// failJob records a terminal failure on the job row, preserving the cause
// message for the API. A job already moved to a terminal state concurrently
// is left as is.
func (h *ProcessHandler) failJob(ctx context.Context, id uuid.UUID, cause error) {
	err := h.store.UpdateJobStatus(ctx, id, models.JobStatusFailed,
		store.WithErrorMessage(cause.Error()))
	if errors.Is(err, store.ErrInvalidTransition) {
		return
	}
	if err != nil {
		slog.Error("failed to record terminal job failure", "job_id", id, "error", err)
	}
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sentryal/insar-pipeline/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateInfrastructure(ctx context.Context, infra *models.Infrastructure) error
	GetInfrastructure(ctx context.Context, id uuid.UUID) (*models.Infrastructure, error)
	CreateMonitoringPoint(ctx context.Context, point *models.MonitoringPoint) error
	ListMonitoringPoints(ctx context.Context, infraID uuid.UUID) ([]*models.MonitoringPoint, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	RecordJobAttempt(ctx context.Context, id uuid.UUID, attempt int) error
	CountJobsCreatedSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)
	CountActiveJobs(ctx context.Context, ownerID uuid.UUID) (int, error)

	UpsertMeasurements(ctx context.Context, measurements []models.Measurement) (int64, error)
	ListMeasurementsByPoint(ctx context.Context, pointID uuid.UUID) ([]models.Measurement, error)
	CountMeasurementsByJob(ctx context.Context, jobID uuid.UUID) (int, error)

	ReplaceVelocitySummaries(ctx context.Context, infraID uuid.UUID, summaries []models.VelocitySummary) error
	ListVelocitySummaries(ctx context.Context, infraID uuid.UUID) ([]models.VelocitySummary, error)

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

type jobUpdateParams struct {
	ErrorMessage   *string
	Backend        *string
	ProcessingSecs *float64
	Artifacts      *models.Artifacts
	Stats          *models.ResultStats
}

type JobUpdateOption func(*jobUpdateParams)

// WithErrorMessage records the error that caused a terminal failed transition.
func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// WithBackend records which processing backend picked the job up.
func WithBackend(backend string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Backend = &backend
	}
}

// WithResult records the processing duration, artifact URLs and result
// statistics. Written in the same UPDATE as the succeeded transition so a
// succeeded job is never observable without its result references.
func WithResult(processingSecs float64, artifacts *models.Artifacts, stats *models.ResultStats) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ProcessingSecs = &processingSecs
		p.Artifacts = artifacts
		p.Stats = stats
	}
}

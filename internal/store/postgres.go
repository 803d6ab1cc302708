package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sentryal/insar-pipeline/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Infrastructures ---

func (s *PostgresStore) CreateInfrastructure(ctx context.Context, infra *models.Infrastructure) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO infrastructures (id, owner_id, name, bbox_west, bbox_east, bbox_south, bbox_north, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		infra.ID, infra.OwnerID, infra.Name,
		infra.BBox.West, infra.BBox.East, infra.BBox.South, infra.BBox.North,
		infra.CreatedAt, infra.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create infrastructure: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInfrastructure(ctx context.Context, id uuid.UUID) (*models.Infrastructure, error) {
	var i models.Infrastructure
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, bbox_west, bbox_east, bbox_south, bbox_north, created_at, updated_at
		 FROM infrastructures WHERE id = $1`, id,
	).Scan(&i.ID, &i.OwnerID, &i.Name,
		&i.BBox.West, &i.BBox.East, &i.BBox.South, &i.BBox.North,
		&i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get infrastructure: %w", err)
	}
	return &i, nil
}

func (s *PostgresStore) CreateMonitoringPoint(ctx context.Context, point *models.MonitoringPoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitoring_points (id, infrastructure_id, name, lat, lon, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		point.ID, point.InfrastructureID, point.Name, point.Lat, point.Lon, point.CreatedAt)
	if err != nil {
		return fmt.Errorf("create monitoring point: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMonitoringPoints(ctx context.Context, infraID uuid.UUID) ([]*models.MonitoringPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, infrastructure_id, name, lat, lon, created_at
		 FROM monitoring_points WHERE infrastructure_id = $1 ORDER BY created_at`, infraID)
	if err != nil {
		return nil, fmt.Errorf("list monitoring points: %w", err)
	}
	defer rows.Close()

	var points []*models.MonitoringPoint
	for rows.Next() {
		var p models.MonitoringPoint
		if err := rows.Scan(&p.ID, &p.InfrastructureID, &p.Name, &p.Lat, &p.Lon, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan monitoring point: %w", err)
		}
		points = append(points, &p)
	}
	return points, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, owner_id, infrastructure_id, reference_granule, secondary_granule,
	status, attempts, backend, error_message, processing_secs,
	interferogram_url, coherence_url, displacement_url,
	mean_coherence, mean_displacement_mm, min_displacement_mm, max_displacement_mm, valid_points,
	started_at, completed_at, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, infrastructure_id, reference_granule, secondary_granule, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.OwnerID, job.InfrastructureID,
		job.ReferenceGranule, job.SecondaryGranule, job.Status,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	var artifacts models.Artifacts
	var stats models.ResultStats
	var validPoints *int
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.OwnerID, &j.InfrastructureID, &j.ReferenceGranule, &j.SecondaryGranule,
		&j.Status, &j.Attempts, &j.Backend, &j.ErrorMessage, &j.ProcessingSecs,
		&artifacts.InterferogramURL, &artifacts.CoherenceURL, &artifacts.DisplacementURL,
		&stats.MeanCoherence, &stats.MeanDisplacementMM, &stats.MinDisplacementMM, &stats.MaxDisplacementMM, &validPoints,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	if artifacts.InterferogramURL != nil || artifacts.CoherenceURL != nil || artifacts.DisplacementURL != nil {
		j.Artifacts = &artifacts
	}
	if validPoints != nil {
		stats.ValidPoints = *validPoints
		j.Stats = &stats
	}
	return &j, nil
}

var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusCancelled},
	models.JobStatusProcessing: {models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled},
}

// UpdateJobStatus transitions a job to a new status. The UPDATE is conditional
// on the current status so a concurrent cancel cannot be overwritten: if the
// row moved to a terminal state in the meantime, ErrInvalidTransition is
// returned and the caller skips further side effects.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	valid := false
	for _, a := range validTransitions[currentStatus] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, currentStatus, status, now}
	argIdx := 5

	addArg := func(column string, value any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}

	if status == models.JobStatusProcessing {
		addArg("started_at", now)
	}
	if models.TerminalStatus(status) {
		addArg("completed_at", now)
	}
	if params.ErrorMessage != nil {
		addArg("error_message", *params.ErrorMessage)
	}
	if params.Backend != nil {
		addArg("backend", *params.Backend)
	}
	if params.ProcessingSecs != nil {
		addArg("processing_secs", *params.ProcessingSecs)
	}
	if params.Artifacts != nil {
		addArg("interferogram_url", params.Artifacts.InterferogramURL)
		addArg("coherence_url", params.Artifacts.CoherenceURL)
		addArg("displacement_url", params.Artifacts.DisplacementURL)
	}
	if params.Stats != nil {
		addArg("mean_coherence", params.Stats.MeanCoherence)
		addArg("mean_displacement_mm", params.Stats.MeanDisplacementMM)
		addArg("min_displacement_mm", params.Stats.MinDisplacementMM)
		addArg("max_displacement_mm", params.Stats.MaxDisplacementMM)
		addArg("valid_points", params.Stats.ValidPoints)
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s left %s concurrently", ErrInvalidTransition, id, currentStatus)
	}
	return nil
}

// RecordJobAttempt mirrors the queue's delivery counter onto the job row.
// GREATEST keeps the persisted counter monotonic under redelivery races.
func (s *PostgresStore) RecordJobAttempt(ctx context.Context, id uuid.UUID, attempt int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET attempts = GREATEST(attempts, $2), updated_at = NOW() WHERE id = $1`,
		id, attempt)
	if err != nil {
		return fmt.Errorf("record job attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountJobsCreatedSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND created_at >= $2`,
		ownerID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count jobs created since: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountActiveJobs(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND status IN ($2, $3)`,
		ownerID, models.JobStatusPending, models.JobStatusProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

// --- Measurements ---

// UpsertMeasurements writes measurements with insert-or-update semantics on
// the (point_id, job_id, acquisition_date) natural key. Safe to replay under
// at-least-once queue redelivery. Returns the number of rows written.
func (s *PostgresStore) UpsertMeasurements(ctx context.Context, measurements []models.Measurement) (int64, error) {
	if len(measurements) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range measurements {
		batch.Queue(
			`INSERT INTO measurements (point_id, job_id, acquisition_date, displacement_mm, coherence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (point_id, job_id, acquisition_date) DO UPDATE SET
			   displacement_mm = EXCLUDED.displacement_mm,
			   coherence = EXCLUDED.coherence`,
			m.PointID, m.JobID, m.AcquisitionDate, m.DisplacementMM, m.Coherence, m.CreatedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	var written int64
	for range measurements {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("upsert measurement: %w", err)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

func (s *PostgresStore) ListMeasurementsByPoint(ctx context.Context, pointID uuid.UUID) ([]models.Measurement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT point_id, job_id, acquisition_date, displacement_mm, coherence, created_at
		 FROM measurements WHERE point_id = $1 ORDER BY acquisition_date`, pointID)
	if err != nil {
		return nil, fmt.Errorf("list measurements by point: %w", err)
	}
	defer rows.Close()

	var measurements []models.Measurement
	for rows.Next() {
		var m models.Measurement
		if err := rows.Scan(&m.PointID, &m.JobID, &m.AcquisitionDate, &m.DisplacementMM, &m.Coherence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		measurements = append(measurements, m)
	}
	return measurements, rows.Err()
}

func (s *PostgresStore) CountMeasurementsByJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM measurements WHERE job_id = $1`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count measurements by job: %w", err)
	}
	return count, nil
}

// --- Velocity Summaries ---

// ReplaceVelocitySummaries overwrites all summaries for an infrastructure in
// one transaction. Full replacement avoids drift from partial updates.
func (s *PostgresStore) ReplaceVelocitySummaries(ctx context.Context, infraID uuid.UUID, summaries []models.VelocitySummary) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace velocity summaries: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM velocity_summaries WHERE infrastructure_id = $1`, infraID); err != nil {
		return fmt.Errorf("delete velocity summaries: %w", err)
	}

	for _, v := range summaries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO velocity_summaries (point_id, infrastructure_id, velocity_mm_per_yr, trend, sample_count, computed_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			v.PointID, v.InfrastructureID, v.VelocityMMPerYr, v.Trend, v.SampleCount, v.ComputedAt); err != nil {
			return fmt.Errorf("insert velocity summary: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace velocity summaries: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVelocitySummaries(ctx context.Context, infraID uuid.UUID) ([]models.VelocitySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT point_id, infrastructure_id, velocity_mm_per_yr, trend, sample_count, computed_at
		 FROM velocity_summaries WHERE infrastructure_id = $1 ORDER BY point_id`, infraID)
	if err != nil {
		return nil, fmt.Errorf("list velocity summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.VelocitySummary
	for rows.Next() {
		var v models.VelocitySummary
		if err := rows.Scan(&v.PointID, &v.InfrastructureID, &v.VelocityMMPerYr, &v.Trend, &v.SampleCount, &v.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan velocity summary: %w", err)
		}
		summaries = append(summaries, v)
	}
	return summaries, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

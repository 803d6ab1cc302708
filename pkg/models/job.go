package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a job status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed || status == JobStatusCancelled
}

// Job tracks one InSAR processing request: an acquisition pair submitted for a
// single infrastructure. The API returns a job id on POST /api/v1/jobs; the
// client polls GET /api/v1/jobs/{job_id} until the status is terminal. Jobs
// are never deleted automatically; terminal rows are retained for auditing.
type Job struct {
	ID               uuid.UUID  `db:"id"                json:"id"`
	OwnerID          uuid.UUID  `db:"owner_id"          json:"owner_id"`
	InfrastructureID uuid.UUID  `db:"infrastructure_id" json:"infrastructure_id"`
	ReferenceGranule string     `db:"reference_granule" json:"reference_granule"`
	SecondaryGranule string     `db:"secondary_granule" json:"secondary_granule"`
	Status           string     `db:"status"            json:"status"`
	Attempts         int        `db:"attempts"          json:"attempts"`
	Backend          *string    `db:"backend"           json:"backend,omitempty"`
	ErrorMessage     *string    `db:"error_message"     json:"error_message,omitempty"`
	ProcessingSecs   *float64   `db:"processing_secs"   json:"processing_secs,omitempty"`
	Artifacts        *Artifacts `db:"-"                 json:"artifacts,omitempty"`
	Stats            *ResultStats `db:"-"               json:"stats,omitempty"`
	StartedAt        *time.Time `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"        json:"updated_at"`
}

// Artifacts holds the result rasters produced by the processing service.
type Artifacts struct {
	InterferogramURL *string `db:"interferogram_url" json:"interferogram_url,omitempty"`
	CoherenceURL     *string `db:"coherence_url"     json:"coherence_url,omitempty"`
	DisplacementURL  *string `db:"displacement_url"  json:"displacement_url,omitempty"`
}

// ResultStats summarizes a job's result payload. ValidPoints distinguishes a
// succeeded job with an empty result set from one that produced measurements.
type ResultStats struct {
	MeanCoherence      *float64 `db:"mean_coherence"       json:"mean_coherence,omitempty"`
	MeanDisplacementMM *float64 `db:"mean_displacement_mm" json:"mean_displacement_mm,omitempty"`
	MinDisplacementMM  *float64 `db:"min_displacement_mm"  json:"min_displacement_mm,omitempty"`
	MaxDisplacementMM  *float64 `db:"max_displacement_mm"  json:"max_displacement_mm,omitempty"`
	ValidPoints        int      `db:"valid_points"         json:"valid_points"`
}

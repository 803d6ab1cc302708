package models

import (
	"time"

	"github.com/google/uuid"
)

// Measurement is one displacement observation for a monitoring point. The
// (PointID, JobID, AcquisitionDate) triple is the natural key: re-ingesting a
// job's results updates the existing row instead of duplicating it.
type Measurement struct {
	PointID         uuid.UUID `db:"point_id"         json:"point_id"`
	JobID           uuid.UUID `db:"job_id"           json:"job_id"`
	AcquisitionDate time.Time `db:"acquisition_date" json:"acquisition_date"`
	DisplacementMM  float64   `db:"displacement_mm"  json:"displacement_mm"`
	Coherence       *float64  `db:"coherence"        json:"coherence,omitempty"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}

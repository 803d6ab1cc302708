package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TrendStable           = "stable"
	TrendSubsiding        = "subsiding"
	TrendUplifting        = "uplifting"
	TrendInsufficientData = "insufficient_data"
)

// VelocitySummary is the derived displacement trend for one monitoring point,
// recomputed in full from the point's measurement history after each
// successful ingestion. One row per point, overwritten on each recompute.
type VelocitySummary struct {
	PointID          uuid.UUID `db:"point_id"           json:"point_id"`
	InfrastructureID uuid.UUID `db:"infrastructure_id"  json:"infrastructure_id"`
	VelocityMMPerYr  float64   `db:"velocity_mm_per_yr" json:"velocity_mm_per_yr"`
	Trend            string    `db:"trend"              json:"trend"`
	SampleCount      int       `db:"sample_count"       json:"sample_count"`
	ComputedAt       time.Time `db:"computed_at"        json:"computed_at"`
}

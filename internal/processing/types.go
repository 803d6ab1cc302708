package processing

import "github.com/google/uuid"

// Request is the submission payload for one acquisition pair. Granule download
// locations are resolved by the caller before submission so the processing
// service never needs catalog credentials.
type Request struct {
	JobID            uuid.UUID `json:"job_id"`
	InfrastructureID uuid.UUID `json:"infrastructure_id"`
	ReferenceGranule string    `json:"reference_granule"`
	SecondaryGranule string    `json:"secondary_granule"`
	ReferenceURL     string    `json:"reference_url"`
	SecondaryURL     string    `json:"secondary_url"`
	BBox             BBox      `json:"bbox"`
	Points           []Point   `json:"points"`
	WebhookURL       string    `json:"webhook_url,omitempty"`
}

// BBox is the crop window the service processes, in decimal degrees.
type BBox struct {
	West  float64 `json:"west"`
	East  float64 `json:"east"`
	South float64 `json:"south"`
	North float64 `json:"north"`
}

// Point is one location to extract displacement at.
type Point struct {
	ID  uuid.UUID `json:"id"`
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
}

// Result is the service's response document for one job.
type Result struct {
	JobID          string         `json:"job_id"`
	Status         string         `json:"status"`
	Results        *ResultPayload `json:"results"`
	ProcessingSecs float64        `json:"processing_time_seconds"`
	Error          *string        `json:"error"`
}

// ResultPayload carries the artifacts and per-point values of a successful run.
type ResultPayload struct {
	InterferogramURL   *string             `json:"interferogram_url"`
	CoherenceURL       *string             `json:"coherence_url"`
	DisplacementURL    *string             `json:"displacement_url"`
	DisplacementPoints []DisplacementPoint `json:"displacement_points"`
	Statistics         Statistics          `json:"statistics"`
}

// DisplacementPoint is the raw per-point result. PointID is kept as a string:
// the service echoes whatever identifier it was given, and ingestion is
// responsible for rejecting identifiers that do not parse.
type DisplacementPoint struct {
	PointID        string   `json:"point_id"`
	DisplacementMM *float64 `json:"displacement_mm"`
	Coherence      *float64 `json:"coherence"`
	Valid          bool     `json:"valid"`
}

// Statistics summarizes a run across all requested points.
type Statistics struct {
	MeanCoherence      *float64 `json:"mean_coherence"`
	MeanDisplacementMM *float64 `json:"mean_displacement_mm"`
	MinDisplacementMM  *float64 `json:"min_displacement_mm"`
	MaxDisplacementMM  *float64 `json:"max_displacement_mm"`
	ValidPoints        int      `json:"valid_points"`
}

// Package velocity derives per-point displacement trends from measurement
// history. Trends are recomputed in full each time rather than patched
// incrementally, so a recompute can never drift from the stored measurements.
package velocity

import (
	"time"

	"github.com/sentryal/insar-pipeline/pkg/models"
)

// StableThreshold is the velocity magnitude, in mm/year, below which a point
// is classified as stable.
const StableThreshold = 2.0

const hoursPerYear = 365.25 * 24

// Compute fits a least-squares line through (acquisition date, displacement)
// and returns its slope in mm/year with a trend classification. Measurements
// must be ordered by acquisition date. Fewer than two distinct dates cannot
// anchor a slope and yield TrendInsufficientData with zero velocity.
func Compute(measurements []models.Measurement) (float64, string) {
	if len(measurements) < 2 {
		return 0, models.TrendInsufficientData
	}

	origin := measurements[0].AcquisitionDate
	distinct := 1
	var sumX, sumY, sumXX, sumXY float64
	for i, m := range measurements {
		if i > 0 && !m.AcquisitionDate.Equal(measurements[i-1].AcquisitionDate) {
			distinct++
		}
		x := years(origin, m.AcquisitionDate)
		y := m.DisplacementMM
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
	}
	if distinct < 2 {
		return 0, models.TrendInsufficientData
	}

	n := float64(len(measurements))
	slope := (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)

	return slope, Classify(slope)
}

// Classify maps a velocity in mm/year to a trend label. Negative line-of-sight
// displacement is motion away from the satellite, i.e. subsidence.
func Classify(mmPerYear float64) string {
	switch {
	case mmPerYear < -StableThreshold:
		return models.TrendSubsiding
	case mmPerYear > StableThreshold:
		return models.TrendUplifting
	default:
		return models.TrendStable
	}
}

func years(origin, t time.Time) float64 {
	return t.Sub(origin).Hours() / hoursPerYear
}

package detection

import "github.com/epiwatchstack/epiwatch-engine/internal/models"

const (
	trendWindow  = 6
	trendHorizon = 3
)

// annotateTrend fits a least-squares line over the most recent values of
// the stream and projects it trendHorizon steps forward. It decorates an
// alert, it never raises one.
func annotateTrend(values []float64) *models.TrendAnnotation {
	if len(values) < 2 {
		return nil
	}
	if len(values) > trendWindow {
		values = values[len(values)-trendWindow:]
	}
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	intercept, slope := leastSquares(xs, values)
	direction := "stable"
	switch {
	case slope > 0:
		direction = "rising"
	case slope < 0:
		direction = "falling"
	}
	projected := make([]float64, trendHorizon)
	for i := range projected {
		projected[i] = intercept + slope*float64(len(values)+i)
	}
	return &models.TrendAnnotation{
		Direction: direction,
		Slope:     slope,
		Projected: projected,
	}
}

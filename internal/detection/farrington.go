package detection

import (
	"math"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// farringtonDetector predicts the expected count for the current seasonal
// position from same-phase points in prior seasons via a least-squares trend,
// and alerts when the observation exceeds the upper bound of the prediction
// interval.
type farringtonDetector struct {
	seasonLength int
	halfWidth    int
	z            float64
	history      []float64
}

func newFarrington(p AlgorithmParams) *farringtonDetector {
	season := p.FarringtonSeason
	if season < 2 {
		season = 52
	}
	return &farringtonDetector{
		seasonLength: season,
		halfWidth:    1,
		z:            p.FarringtonZ,
	}
}

func (d *farringtonDetector) Name() string { return AlgorithmFarrington }

func (d *farringtonDetector) Update(est models.FusedEstimate) Result {
	x := est.Value
	idx := len(d.history)
	d.history = append(d.history, x)

	phase := idx % d.seasonLength
	var xs, ys []float64
	for j, v := range d.history[:idx] {
		if j/d.seasonLength == idx/d.seasonLength {
			continue // same season as the evaluated point
		}
		dist := j%d.seasonLength - phase
		if dist < -d.halfWidth || dist > d.halfWidth {
			continue
		}
		xs = append(xs, float64(j/d.seasonLength))
		ys = append(ys, v)
	}
	if len(ys) < 3 {
		return Result{Threshold: d.z}
	}

	intercept, slope := leastSquares(xs, ys)
	season := float64(idx / d.seasonLength)
	expected := intercept + slope*season

	variance := 0.0
	for i := range ys {
		resid := ys[i] - (intercept + slope*xs[i])
		variance += resid * resid
	}
	variance /= float64(len(ys))
	sd := math.Sqrt(variance * (1 + 1/float64(len(ys))))
	if sd == 0 {
		sd = 1e-9
	}

	score := (x - expected) / sd
	return Result{Score: score, Threshold: d.z, Alerting: score > d.z}
}

func (d *farringtonDetector) Reset() {
	d.history = nil
}

func leastSquares(xs, ys []float64) (intercept, slope float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return intercept, slope
}

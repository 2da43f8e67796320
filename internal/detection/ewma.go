package detection

import (
	"math"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// ewmaDetector smooths the series with factor lambda and alerts when a new
// value deviates from the smoothed estimate by more than L control-limit
// sigmas.
type ewmaDetector struct {
	lambda   float64
	l        float64
	baseline *baseline
	ewma     float64
	sigmaE   float64
	primed   bool
}

func newEWMA(p AlgorithmParams) *ewmaDetector {
	return &ewmaDetector{
		lambda:   p.EWMALambda,
		l:        p.EWMAL,
		baseline: newBaseline(p.BaselineWindow),
	}
}

func (d *ewmaDetector) Name() string { return AlgorithmEWMA }

func (d *ewmaDetector) Update(est models.FusedEstimate) Result {
	x := est.Value
	if d.baseline.observe(x) {
		return Result{Threshold: d.l}
	}
	if !d.primed {
		d.ewma = d.baseline.mean
		// Asymptotic EWMA control-limit sigma.
		d.sigmaE = d.baseline.sigma * math.Sqrt(d.lambda/(2-d.lambda))
		d.primed = true
	}

	deviation := math.Abs(x - d.ewma)
	score := deviation / d.sigmaE
	alerting := deviation > d.l*d.sigmaE

	d.ewma = d.lambda*x + (1-d.lambda)*d.ewma
	return Result{Score: score, Threshold: d.l, Alerting: alerting}
}

func (d *ewmaDetector) Reset() {
	d.baseline = newBaseline(d.baseline.warmup)
	d.primed = false
	d.ewma = 0
	d.sigmaE = 0
}

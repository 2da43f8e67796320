package detection

import "github.com/epiwatchstack/epiwatch-engine/internal/models"

// cusumDetector accumulates standardized deviation above the frozen baseline
// mean; it fires when the cumulative statistic crosses the control limit h
// and resets to zero immediately after firing.
type cusumDetector struct {
	k        float64
	h        float64
	baseline *baseline
	sum      float64
}

func newCUSUM(p AlgorithmParams) *cusumDetector {
	return &cusumDetector{
		k:        p.CUSUMK,
		h:        p.CUSUMH,
		baseline: newBaseline(p.BaselineWindow),
	}
}

func (d *cusumDetector) Name() string { return AlgorithmCUSUM }

func (d *cusumDetector) Update(est models.FusedEstimate) Result {
	x := est.Value
	if d.baseline.observe(x) {
		return Result{Threshold: d.h}
	}

	z := (x - d.baseline.mean) / d.baseline.sigma
	d.sum += z - d.k
	if d.sum < 0 {
		d.sum = 0
	}

	result := Result{Score: d.sum, Threshold: d.h, Alerting: d.sum >= d.h}
	if result.Alerting {
		d.sum = 0
	}
	return result
}

func (d *cusumDetector) Reset() {
	d.sum = 0
	d.baseline = newBaseline(d.baseline.warmup)
}

package detection

import (
	"fmt"
	"math"
	"sort"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// madScaleFactor makes the median absolute deviation consistent with the
// standard deviation under a normal distribution.
const madScaleFactor = 1.4826

// madDetector is the pluggable ML-anomaly slot: a rolling-window robust
// outlier scorer. A point alerts when its MAD z-score lands beyond the
// window's (1 - contamination) quantile and clears an absolute floor, so a
// quiet series does not hand out alerts just because some point must rank
// highest.
type madDetector struct {
	window        int
	contamination float64
	floor         float64
	values        []float64
}

func newMADDetector(p AlgorithmParams) (*madDetector, error) {
	if p.MLContamination <= 0 || p.MLContamination >= 1 {
		return nil, fmt.Errorf("ml_anomaly contamination %f outside (0, 1): %w",
			p.MLContamination, models.ErrAlgorithmConfigInvalid)
	}
	window := p.MLWindow
	if window < 8 {
		window = 8
	}
	return &madDetector{
		window:        window,
		contamination: p.MLContamination,
		floor:         2.5,
	}, nil
}

func (d *madDetector) Name() string { return AlgorithmMLAnomaly }

func (d *madDetector) Update(est models.FusedEstimate) Result {
	x := est.Value
	threshold := d.floor

	if len(d.values) < d.window {
		d.push(x)
		return Result{Threshold: threshold}
	}

	median := quantile(d.values, 0.5)
	mad := madOf(d.values, median)
	score := math.Abs(x-median) / (madScaleFactor * mad)

	scores := make([]float64, len(d.values))
	for i, v := range d.values {
		scores[i] = math.Abs(v-median) / (madScaleFactor * mad)
	}
	cut := quantile(scores, 1-d.contamination)
	if cut > threshold {
		threshold = cut
	}

	d.push(x)
	return Result{Score: score, Threshold: threshold, Alerting: score > threshold}
}

func (d *madDetector) Reset() {
	d.values = nil
}

func (d *madDetector) push(x float64) {
	d.values = append(d.values, x)
	if len(d.values) > d.window {
		d.values = d.values[1:]
	}
}

func madOf(values []float64, median float64) float64 {
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - median)
	}
	mad := quantile(devs, 0.5)
	if mad == 0 {
		mad = 1e-9
	}
	return mad
}

func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

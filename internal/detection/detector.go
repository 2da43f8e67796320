package detection

import (
	"fmt"
	"math"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// Result is one algorithm's verdict for one estimate.
type Result struct {
	Score     float64
	Threshold float64
	Alerting  bool
}

// Detector consumes an ordered fused-estimate sequence for one stream,
// carrying its own mutable state. Detectors are strictly sequential: the
// engine guarantees a single goroutine drives each instance.
type Detector interface {
	Name() string
	Update(est models.FusedEstimate) Result
	Reset()
}

// Per-stream algorithm names. spatial_scan is evaluated across streams and
// handled by the engine itself.
const (
	AlgorithmCUSUM       = "cusum"
	AlgorithmEWMA        = "ewma"
	AlgorithmFarrington  = "farrington"
	AlgorithmMLAnomaly   = "ml_anomaly"
	AlgorithmSpatialScan = "spatial_scan"
)

func newDetector(name string, p AlgorithmParams) (Detector, error) {
	switch name {
	case AlgorithmCUSUM:
		return newCUSUM(p), nil
	case AlgorithmEWMA:
		return newEWMA(p), nil
	case AlgorithmFarrington:
		return newFarrington(p), nil
	case AlgorithmMLAnomaly:
		return newMADDetector(p)
	default:
		return nil, fmt.Errorf("unknown algorithm %q: %w", name, models.ErrAlgorithmConfigInvalid)
	}
}

// baseline tracks warmup mean/variance via Welford's method and freezes once
// the warmup window has been consumed.
type baseline struct {
	warmup int
	count  int
	mean   float64
	m2     float64
	frozen bool
	sigma  float64
}

func newBaseline(warmup int) *baseline {
	if warmup < 2 {
		warmup = 2
	}
	return &baseline{warmup: warmup}
}

// observe folds a value into the baseline; returns true while still warming up.
func (b *baseline) observe(x float64) bool {
	if b.frozen {
		return false
	}
	b.count++
	delta := x - b.mean
	b.mean += delta / float64(b.count)
	b.m2 += delta * (x - b.mean)
	if b.count >= b.warmup {
		b.freeze()
	}
	return true
}

func (b *baseline) freeze() {
	b.frozen = true
	b.sigma = b.stddev()
}

func (b *baseline) stddev() float64 {
	if b.count < 2 {
		return 0
	}
	v := b.m2 / float64(b.count-1)
	if v <= 0 {
		return 1e-9
	}
	return math.Sqrt(v)
}

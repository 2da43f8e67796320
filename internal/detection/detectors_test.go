package detection

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

func testParams() AlgorithmParams {
	return AlgorithmParams{
		BaselineWindow:   10,
		CUSUMK:           0.5,
		CUSUMH:           4.0,
		EWMALambda:       0.3,
		EWMAL:            3.0,
		FarringtonSeason: 4,
		FarringtonZ:      2.58,
		MLWindow:         8,
		MLContamination:  0.1,
		ScanLLRThreshold: 6.0,
	}
}

func estimateAt(i int, value float64) models.FusedEstimate {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
	return models.FusedEstimate{
		DiseaseID:   "influenza",
		Region:      "US-CA",
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
		Value:       value,
	}
}

// feed drives a detector through values and returns every result.
func feed(d Detector, values []float64) []Result {
	results := make([]Result, len(values))
	for i, v := range values {
		results[i] = d.Update(estimateAt(i, v))
	}
	return results
}

// warmupValues alternates 9 and 11 so the frozen baseline has mean 10 and a
// sample sigma of sqrt(10/9).
func warmupValues(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		if i%2 == 0 {
			values[i] = 9
		} else {
			values[i] = 11
		}
	}
	return values
}

func TestCUSUMFiresAtPredictedStep(t *testing.T) {
	p := testParams()
	d := newCUSUM(p)

	for _, r := range feed(d, warmupValues(p.BaselineWindow)) {
		if r.Alerting {
			t.Fatal("alert during warmup")
		}
	}

	// Sustained shift to 13: sigma = sqrt(10/9), z = 3/sigma ~ 2.846, each
	// step adds z-k ~ 2.346, so the statistic crosses h=4 on the second
	// shifted point.
	r1 := d.Update(estimateAt(10, 13))
	if r1.Alerting {
		t.Fatalf("fired one step early, score %f", r1.Score)
	}
	r2 := d.Update(estimateAt(11, 13))
	if !r2.Alerting {
		t.Fatalf("expected firing on second shifted point, score %f threshold %f", r2.Score, r2.Threshold)
	}

	// The statistic resets after firing, so the very next point starts a
	// fresh accumulation and must not re-fire immediately.
	r3 := d.Update(estimateAt(12, 13))
	if r3.Alerting {
		t.Fatalf("expected reset after firing, score %f", r3.Score)
	}
	if math.Abs(r3.Score-r1.Score) > 1e-9 {
		t.Fatalf("post-reset score %f, want %f", r3.Score, r1.Score)
	}
}

func TestEWMADetectsShiftAndIgnoresNoise(t *testing.T) {
	p := testParams()
	d := newEWMA(p)
	feed(d, warmupValues(p.BaselineWindow))

	quiet := d.Update(estimateAt(10, 10.2))
	if quiet.Alerting {
		t.Fatalf("in-control point alerted, score %f", quiet.Score)
	}

	shifted := d.Update(estimateAt(11, 13))
	if !shifted.Alerting {
		t.Fatalf("shifted point did not alert, score %f threshold %f", shifted.Score, shifted.Threshold)
	}
}

func TestFarringtonSeasonalExcess(t *testing.T) {
	p := testParams()
	d := newFarrington(p)

	// Four flat historical seasons of length 4 with mild alternating noise.
	var history []float64
	for i := 0; i < 16; i++ {
		v := 10.0
		if i%2 == 0 {
			v += 0.2
		} else {
			v -= 0.2
		}
		history = append(history, v)
	}
	for _, r := range feed(d, history) {
		if r.Alerting {
			t.Fatal("alert on historical baseline")
		}
	}

	normal := d.Update(estimateAt(16, 10.1))
	if normal.Alerting {
		t.Fatalf("seasonal-typical value alerted, score %f", normal.Score)
	}

	d.Reset()
	feed(d, history)
	spike := d.Update(estimateAt(16, 30))
	if !spike.Alerting {
		t.Fatalf("seasonal excess not detected, score %f threshold %f", spike.Score, spike.Threshold)
	}
}

func TestMADAnomalyScorer(t *testing.T) {
	p := testParams()
	d, err := newMADDetector(p)
	if err != nil {
		t.Fatal(err)
	}

	// Fill the rolling window with the alternating baseline.
	for _, r := range feed(d, warmupValues(p.MLWindow)) {
		if r.Alerting {
			t.Fatal("alert while window filling")
		}
	}

	quiet := d.Update(estimateAt(8, 10.5))
	if quiet.Alerting {
		t.Fatalf("in-range value alerted, score %f threshold %f", quiet.Score, quiet.Threshold)
	}
	outlier := d.Update(estimateAt(9, 25))
	if !outlier.Alerting {
		t.Fatalf("outlier not flagged, score %f threshold %f", outlier.Score, outlier.Threshold)
	}
}

func TestMADRejectsBadContamination(t *testing.T) {
	p := testParams()
	p.MLContamination = 1.5
	if _, err := newMADDetector(p); !errors.Is(err, models.ErrAlgorithmConfigInvalid) {
		t.Fatalf("got %v, want ErrAlgorithmConfigInvalid", err)
	}
}

func TestNewDetectorUnknownName(t *testing.T) {
	if _, err := newDetector("isolation_forest", testParams()); !errors.Is(err, models.ErrAlgorithmConfigInvalid) {
		t.Fatalf("got %v, want ErrAlgorithmConfigInvalid", err)
	}
}

func TestScanRegionsUniformDensity(t *testing.T) {
	observed := map[string]float64{"US-CA": 10, "US-NY": 10, "US-TX": 10, "US-WA": 10}
	expected := map[string]float64{"US-CA": 10, "US-NY": 10, "US-TX": 10, "US-WA": 10}
	if _, ok := scanRegions(observed, expected, 6.0); ok {
		t.Fatal("uniform density produced a cluster")
	}
}

func TestScanRegionsFlagsInjectedCluster(t *testing.T) {
	observed := map[string]float64{"US-CA": 50, "US-NY": 10, "US-TX": 10, "US-WA": 10}
	expected := map[string]float64{"US-CA": 10, "US-NY": 10, "US-TX": 10, "US-WA": 10}
	zone, ok := scanRegions(observed, expected, 6.0)
	if !ok {
		t.Fatal("injected cluster not detected")
	}
	if zone.Region != "US-CA" {
		t.Fatalf("flagged region %s, want US-CA", zone.Region)
	}
	if zone.LLR <= 6.0 {
		t.Fatalf("LLR %f not above threshold", zone.LLR)
	}
}

func TestAnnotateTrend(t *testing.T) {
	trend := annotateTrend([]float64{1, 2, 3, 4, 5, 6})
	if trend == nil {
		t.Fatal("no annotation for rising series")
	}
	if trend.Direction != "rising" {
		t.Fatalf("direction %s, want rising", trend.Direction)
	}
	if len(trend.Projected) != trendHorizon {
		t.Fatalf("projection length %d, want %d", len(trend.Projected), trendHorizon)
	}
	if math.Abs(trend.Projected[0]-7) > 1e-9 {
		t.Fatalf("first projected value %f, want 7", trend.Projected[0])
	}

	if got := annotateTrend([]float64{5}); got != nil {
		t.Fatal("single point should not produce a trend")
	}
}

package fusion

import (
	"math"
	"sort"
)

// fused is the raw numeric outcome of one strategy over a sample set.
type fused struct {
	value       float64
	uncertainty float64
}

// weightedAverage weights each source by reliability times freshness decay.
func weightedAverage(samples []sample) fused {
	totalWeight := 0.0
	weighted := 0.0
	for _, s := range samples {
		w := s.reliability * s.freshness
		weighted += w * s.value
		totalWeight += w
	}
	if totalWeight == 0 {
		return fused{}
	}
	mean := weighted / totalWeight

	variance := 0.0
	for _, s := range samples {
		w := s.reliability * s.freshness
		variance += w * (s.value - mean) * (s.value - mean)
	}
	variance /= totalWeight
	return fused{value: mean, uncertainty: math.Sqrt(variance)}
}

// bayesianFusion models each source as a Gaussian whose variance shrinks with
// reliability and the source's own confidence hint; the posterior mean is the
// precision-weighted average.
func bayesianFusion(samples []sample, baseVariance float64) fused {
	if baseVariance <= 0 {
		baseVariance = 1
	}
	totalPrecision := 0.0
	weighted := 0.0
	for _, s := range samples {
		variance := baseVariance / (s.reliability * s.confidence)
		precision := 1 / variance
		weighted += precision * s.value
		totalPrecision += precision
	}
	if totalPrecision == 0 {
		return fused{}
	}
	return fused{
		value:       weighted / totalPrecision,
		uncertainty: math.Sqrt(1 / totalPrecision),
	}
}

// kalmanFilter folds samples in timestamp order into a running estimate.
func kalmanFilter(samples []sample, processNoise, measurementNoise float64) fused {
	if len(samples) == 0 {
		return fused{}
	}
	if processNoise <= 0 {
		processNoise = 0.01
	}
	if measurementNoise <= 0 {
		measurementNoise = 1
	}

	ordered := append([]sample(nil), samples...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].timestamp.Equal(ordered[j].timestamp) {
			return ordered[i].timestamp.Before(ordered[j].timestamp)
		}
		return ordered[i].sourceID < ordered[j].sourceID
	})

	x := ordered[0].value
	p := measurementNoise
	for _, s := range ordered[1:] {
		p += processNoise
		gain := p / (p + measurementNoise)
		x += gain * (s.value - x)
		p *= 1 - gain
	}
	return fused{value: x, uncertainty: math.Sqrt(p)}
}

// trimOutliers flags samples whose z-score against the remaining sources
// exceeds the threshold, returning survivors and the flagged source ids.
func trimOutliers(samples []sample, zThreshold float64) ([]sample, map[string]bool) {
	outliers := make(map[string]bool)
	if len(samples) < 3 {
		return samples, outliers
	}
	if zThreshold <= 0 {
		zThreshold = 2.5
	}

	kept := make([]sample, 0, len(samples))
	for i, s := range samples {
		mean, std := meanStd(others(samples, i))
		if std == 0 {
			std = 1e-9
		}
		if math.Abs(s.value-mean)/std > zThreshold {
			outliers[s.sourceID] = true
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		// Everything disagreed with everything; trimming is a no-op then.
		return samples, map[string]bool{}
	}
	return kept, outliers
}

func plainMean(samples []sample) fused {
	if len(samples) == 0 {
		return fused{}
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.value
	}
	mean, std := meanStdValues(values)
	return fused{value: mean, uncertainty: std}
}

func median3(a, b, c float64) float64 {
	values := []float64{a, b, c}
	sort.Float64s(values)
	return values[1]
}

func others(samples []sample, skip int) []float64 {
	out := make([]float64, 0, len(samples)-1)
	for i, s := range samples {
		if i == skip {
			continue
		}
		out = append(out, s.value)
	}
	return out
}

func meanStd(values []float64) (float64, float64) {
	return meanStdValues(values)
}

func meanStdValues(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

package fusion

import (
	"math"
	"sort"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// sample is one harmonized, canonical-unit observation entering the fusion
// math. freshness is anchored to the window end so identical inputs always
// produce identical weights.
type sample struct {
	sourceID    string
	value       float64
	confidence  float64
	reliability float64
	freshness   float64
	timestamp   time.Time
}

// harmonize converts observations to the canonical unit and resamples them
// onto the [start, end) bucket: per source, the latest observation at or
// before the window end wins, forward-filled at most maxGap back in time.
// Observations outside the gap bound are excluded rather than extrapolated.
func (e *Engine) harmonize(observations []models.RawObservation, end time.Time) []sample {
	bySource := make(map[string]models.RawObservation)
	for _, obs := range observations {
		value, ok := e.toCanonical(obs)
		if !ok {
			continue
		}
		if obs.Timestamp.After(end) {
			continue
		}
		if end.Sub(obs.Timestamp) > e.cfg.MaxFillGap {
			continue
		}
		obs.Value = value

		prev, seen := bySource[obs.SourceID]
		if !seen || obs.Timestamp.After(prev.Timestamp) {
			bySource[obs.SourceID] = obs
		}
	}

	samples := make([]sample, 0, len(bySource))
	for _, obs := range bySource {
		samples = append(samples, sample{
			sourceID:    obs.SourceID,
			value:       obs.Value,
			confidence:  clampUnit(obs.Confidence),
			reliability: clampUnit(e.reliability(obs.SourceID)),
			freshness:   e.freshnessDecay(obs.Timestamp, end),
			timestamp:   obs.Timestamp,
		})
	}

	// Deterministic ordering regardless of map iteration.
	sort.Slice(samples, func(i, j int) bool { return samples[i].sourceID < samples[j].sourceID })
	return samples
}

// toCanonical converts an observation value to the disease's canonical unit.
// Unknown units disqualify the observation.
func (e *Engine) toCanonical(obs models.RawObservation) (float64, bool) {
	canonical, ok := e.cfg.CanonicalUnits[obs.DiseaseID]
	if !ok || obs.Unit == canonical {
		return obs.Value, true
	}
	factor, ok := e.cfg.UnitConversions[obs.Unit+">"+canonical]
	if !ok {
		return 0, false
	}
	return obs.Value * factor, true
}

// freshnessDecay is an exponential half-life decay of the observation age
// relative to the window end. Never reads the wall clock.
func (e *Engine) freshnessDecay(ts, windowEnd time.Time) float64 {
	age := windowEnd.Sub(ts)
	if age <= 0 {
		return 1
	}
	if e.cfg.FreshnessHalfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(e.cfg.FreshnessHalfLife))
}

func (e *Engine) reliability(sourceID string) float64 {
	if e.reliabilityFn == nil {
		return 1
	}
	return e.reliabilityFn(sourceID)
}

func clampUnit(v float64) float64 {
	if v <= 0 {
		return 0.01
	}
	if v > 1 {
		return 1
	}
	return v
}

package models

import "time"

// FusionStrategy names an observation-combining algorithm.
type FusionStrategy string

const (
	StrategyWeightedAverage      FusionStrategy = "weighted_average"
	StrategyBayesianFusion       FusionStrategy = "bayesian_fusion"
	StrategyKalmanFilter         FusionStrategy = "kalman_filter"
	StrategyEnsembleFusion       FusionStrategy = "ensemble_fusion"
	StrategySpatialInterpolation FusionStrategy = "spatial_interpolation"
)

// SourceContribution records how one source entered a fused estimate.
type SourceContribution struct {
	SourceID string
	Value    float64
	Weight   float64
	Residual float64
	Outlier  bool
}

// FusedEstimate is the reconciled value for one (disease, region, window).
// Immutable; recomputation supersedes rather than mutates.
type FusedEstimate struct {
	DiseaseID     string
	Region        string
	WindowStart   time.Time
	WindowEnd     time.Time
	Value         float64
	Uncertainty   float64
	Contributions []SourceContribution
	Strategy      FusionStrategy
	Quality       float64
	Interpolated  bool
}

// StreamKey identifies the (disease, region) pair a time series belongs to.
type StreamKey struct {
	DiseaseID string
	Region    string
}

func (k StreamKey) String() string {
	return k.DiseaseID + "/" + k.Region
}

// TimeSeriesStream is the append-only fused series for one stream key.
type TimeSeriesStream struct {
	Key       StreamKey
	Estimates []FusedEstimate
}

// Append returns a copy of the stream with the estimate appended. Estimates
// must arrive in window order; out-of-order appends are the caller's bug.
func (s TimeSeriesStream) Append(est FusedEstimate) TimeSeriesStream {
	out := TimeSeriesStream{Key: s.Key}
	out.Estimates = append(append([]FusedEstimate(nil), s.Estimates...), est)
	return out
}

// Values extracts the point values in series order.
func (s TimeSeriesStream) Values() []float64 {
	values := make([]float64, len(s.Estimates))
	for i, est := range s.Estimates {
		values[i] = est.Value
	}
	return values
}

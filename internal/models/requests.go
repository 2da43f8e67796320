package models

// AggregationQuery describes one aggregation request against the source set.
// Sources empty means auto selection by capability and reliability.
type AggregationQuery struct {
	Diseases         []string
	Regions          []string
	Timeframe        TimeRange
	Sources          []string
	FusionStrategy   FusionStrategy
	QualityThreshold float64
}

// AggregationResult bundles fused estimates with per-source outcomes so a
// degraded aggregation is always visible to the caller.
type AggregationResult struct {
	Estimates    []FusedEstimate
	SourceStatus map[string]SourceStatus
}

// Sensitivity maps to per-algorithm threshold parameters.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// DetectionRequest asks for a one-shot evaluation of the named streams.
type DetectionRequest struct {
	Streams     []StreamKey
	Algorithms  []string
	Sensitivity Sensitivity
}

// SessionConfig configures a monitoring session.
type SessionConfig struct {
	Streams      []StreamKey
	Algorithms   []string
	Sensitivity  Sensitivity
	MinConsensus int
}

package models

import "time"

// Severity captures outbreak impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus tracks the external lifecycle of an alert. Status transitions
// are the only mutation path once an alert has been emitted.
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// AlgorithmScore is one detection algorithm's contribution to an alert.
type AlgorithmScore struct {
	Algorithm string
	Score     float64
	Threshold float64
}

// EvidenceWindow is the contiguous span of the stream cited as support.
type EvidenceWindow struct {
	Start time.Time
	End   time.Time
}

// TrendAnnotation carries an optional short-horizon projection. Informational
// only; it never triggers an alert.
type TrendAnnotation struct {
	Direction string
	Slope     float64
	Projected []float64
}

// OutbreakAlert is emitted by the detection engine when the consensus rule
// is met for one stream within one evaluation cycle.
type OutbreakAlert struct {
	ID         string
	DiseaseID  string
	Region     string
	Severity   Severity
	Scores     []AlgorithmScore
	Evidence   EvidenceWindow
	Status     AlertStatus
	Trend      *TrendAnnotation
	DetectedAt time.Time
}

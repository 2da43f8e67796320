package models

import "time"

// SourceStatus enumerates per-source outcomes of an aggregation call.
type SourceStatus string

const (
	SourceStatusOK          SourceStatus = "ok"
	SourceStatusFailed      SourceStatus = "failed"
	SourceStatusCircuitOpen SourceStatus = "circuit_open"
)

// Capability describes the diseases and regions a source can answer for.
type Capability struct {
	Diseases []string
	Regions  []string
}

// Covers reports whether the capability set intersects both query dimensions.
func (c Capability) Covers(diseases, regions []string) bool {
	return intersects(c.Diseases, diseases) && intersects(c.Regions, regions)
}

func intersects(have, want []string) bool {
	if len(want) == 0 {
		return len(have) > 0
	}
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[v] = struct{}{}
	}
	for _, v := range want {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// DataSource is the registry record for one external provider. Created at
// configuration load, mutated only through the registry after each call
// outcome, never deleted (inactive sources are flagged instead).
type DataSource struct {
	ID          string
	Name        string
	Capability  Capability
	Reliability float64
	LastSuccess time.Time
	Active      bool
}

// RawObservation is a single provider reading. Immutable once created.
type RawObservation struct {
	SourceID   string
	DiseaseID  string
	Region     string
	Timestamp  time.Time
	Value      float64
	Unit       string
	Confidence float64
}

// TimeRange bounds the query window for an aggregation.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

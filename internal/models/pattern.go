package models

import "time"

// AlgorithmSignature summarises how often an algorithm contributed to a
// mined pattern and by how much it exceeded its threshold on average.
type AlgorithmSignature struct {
	Algorithm      string
	Count          int
	MeanExceedance float64
}

// OutbreakPattern is a recurring per-disease alert profile mined from the
// alert history: which regions keep flaring up, which detectors carry the
// signal, and how severe episodes typically are.
type OutbreakPattern struct {
	ID              string
	DiseaseID       string
	Name            string
	Regions         []string
	Prevalence      float64
	LastSeen        time.Time
	TypicalSeverity Severity
	Signatures      []AlgorithmSignature
}

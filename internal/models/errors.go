package models

import "errors"

// Error taxonomy shared across the engine. The orchestrator absorbs the
// per-source failures locally; only ErrDataQualityInsufficient and the two
// configuration errors surface to callers unretried.
var (
	ErrSourceUnavailable         = errors.New("source unavailable")
	ErrSourceTimeout             = errors.New("source timeout")
	ErrSourceAuthFailure         = errors.New("source authorization failure")
	ErrCircuitOpen               = errors.New("circuit open: call skipped")
	ErrDataQualityInsufficient   = errors.New("data quality insufficient")
	ErrFusionStrategyUnsupported = errors.New("fusion strategy unsupported")
	ErrAlgorithmConfigInvalid    = errors.New("algorithm configuration invalid")
)

// Transient reports whether an error class may be retried. Validation and
// authorization failures are permanent.
func Transient(err error) bool {
	switch {
	case errors.Is(err, ErrSourceTimeout), errors.Is(err, ErrSourceUnavailable):
		return true
	case errors.Is(err, ErrSourceAuthFailure),
		errors.Is(err, ErrFusionStrategyUnsupported),
		errors.Is(err, ErrAlgorithmConfigInvalid),
		errors.Is(err, ErrCircuitOpen):
		return false
	default:
		return false
	}
}

package sources

import (
	"context"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// FetchQuery is the slice of an aggregation query a single provider sees.
type FetchQuery struct {
	Diseases  []string
	Regions   []string
	Timeframe models.TimeRange
}

// Connector is implemented by every external-source adapter.
type Connector interface {
	Fetch(ctx context.Context, query FetchQuery) ([]models.RawObservation, error)
}

// HealthChecker is an optional connector capability, declared explicitly and
// checked at registration time rather than discovered via reflection.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CacheClearer is an optional connector capability for providers that keep
// local response caches.
type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

package store

import (
	"context"
	"errors"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// ErrNotFound is returned when a stream or alert does not exist.
var ErrNotFound = errors.New("store: not found")

// EstimateStore persists fused estimates as per-stream time series.
// Appending an estimate for a window that already exists supersedes the
// stored one; streams stay ordered by window start.
type EstimateStore interface {
	AppendEstimate(ctx context.Context, est models.FusedEstimate) error
	Stream(ctx context.Context, key models.StreamKey) (models.TimeSeriesStream, error)
	StreamKeys(ctx context.Context) ([]models.StreamKey, error)
}

// AlertStore persists emitted outbreak alerts and their status lifecycle.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert models.OutbreakAlert) error
	Alert(ctx context.Context, id string) (models.OutbreakAlert, error)
	ListAlerts(ctx context.Context, status models.AlertStatus) ([]models.OutbreakAlert, error)
	UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error
}

// Store bundles both persistence surfaces behind one handle.
type Store interface {
	EstimateStore
	AlertStore
	Close()
}

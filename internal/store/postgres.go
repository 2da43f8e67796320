package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS fused_estimates (
	disease_id    TEXT NOT NULL,
	region        TEXT NOT NULL,
	window_start  TIMESTAMPTZ NOT NULL,
	window_end    TIMESTAMPTZ NOT NULL,
	value         DOUBLE PRECISION NOT NULL,
	uncertainty   DOUBLE PRECISION NOT NULL,
	strategy      TEXT NOT NULL,
	quality       DOUBLE PRECISION NOT NULL,
	interpolated  BOOLEAN NOT NULL DEFAULT FALSE,
	contributions JSONB NOT NULL,
	PRIMARY KEY (disease_id, region, window_start)
);
CREATE TABLE IF NOT EXISTS outbreak_alerts (
	id          TEXT PRIMARY KEY,
	disease_id  TEXT NOT NULL,
	region      TEXT NOT NULL,
	severity    TEXT NOT NULL,
	status      TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS outbreak_alerts_status_idx ON outbreak_alerts (status, detected_at);
`

// PostgresStore persists estimates and alerts in PostgreSQL. Estimate rows
// are upserted on their window key, matching the supersede semantics of the
// in-memory store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) AppendEstimate(ctx context.Context, est models.FusedEstimate) error {
	contributions, err := json.Marshal(est.Contributions)
	if err != nil {
		return fmt.Errorf("encode contributions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fused_estimates
			(disease_id, region, window_start, window_end, value, uncertainty, strategy, quality, interpolated, contributions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (disease_id, region, window_start) DO UPDATE SET
			window_end = EXCLUDED.window_end,
			value = EXCLUDED.value,
			uncertainty = EXCLUDED.uncertainty,
			strategy = EXCLUDED.strategy,
			quality = EXCLUDED.quality,
			interpolated = EXCLUDED.interpolated,
			contributions = EXCLUDED.contributions`,
		est.DiseaseID, est.Region, est.WindowStart, est.WindowEnd,
		est.Value, est.Uncertainty, string(est.Strategy), est.Quality,
		est.Interpolated, contributions,
	)
	if err != nil {
		return fmt.Errorf("upsert estimate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Stream(ctx context.Context, key models.StreamKey) (models.TimeSeriesStream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT window_start, window_end, value, uncertainty, strategy, quality, interpolated, contributions
		FROM fused_estimates
		WHERE disease_id = $1 AND region = $2
		ORDER BY window_start`,
		key.DiseaseID, key.Region,
	)
	if err != nil {
		return models.TimeSeriesStream{}, fmt.Errorf("query stream: %w", err)
	}
	defer rows.Close()

	stream := models.TimeSeriesStream{Key: key}
	for rows.Next() {
		var est models.FusedEstimate
		var strategy string
		var contributions []byte
		est.DiseaseID = key.DiseaseID
		est.Region = key.Region
		if err := rows.Scan(&est.WindowStart, &est.WindowEnd, &est.Value, &est.Uncertainty,
			&strategy, &est.Quality, &est.Interpolated, &contributions); err != nil {
			return models.TimeSeriesStream{}, fmt.Errorf("scan estimate: %w", err)
		}
		est.Strategy = models.FusionStrategy(strategy)
		if err := json.Unmarshal(contributions, &est.Contributions); err != nil {
			return models.TimeSeriesStream{}, fmt.Errorf("decode contributions: %w", err)
		}
		stream.Estimates = append(stream.Estimates, est)
	}
	if err := rows.Err(); err != nil {
		return models.TimeSeriesStream{}, fmt.Errorf("iterate stream: %w", err)
	}
	if len(stream.Estimates) == 0 {
		return models.TimeSeriesStream{}, ErrNotFound
	}
	return stream, nil
}

func (s *PostgresStore) StreamKeys(ctx context.Context) ([]models.StreamKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT disease_id, region FROM fused_estimates
		ORDER BY disease_id, region`)
	if err != nil {
		return nil, fmt.Errorf("query stream keys: %w", err)
	}
	defer rows.Close()

	var keys []models.StreamKey
	for rows.Next() {
		var key models.StreamKey
		if err := rows.Scan(&key.DiseaseID, &key.Region); err != nil {
			return nil, fmt.Errorf("scan stream key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) SaveAlert(ctx context.Context, alert models.OutbreakAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO outbreak_alerts (id, disease_id, region, severity, status, detected_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload`,
		alert.ID, alert.DiseaseID, alert.Region,
		string(alert.Severity), string(alert.Status), alert.DetectedAt, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Alert(ctx context.Context, id string) (models.OutbreakAlert, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM outbreak_alerts WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutbreakAlert{}, ErrNotFound
	}
	if err != nil {
		return models.OutbreakAlert{}, fmt.Errorf("query alert: %w", err)
	}
	var alert models.OutbreakAlert
	if err := json.Unmarshal(payload, &alert); err != nil {
		return models.OutbreakAlert{}, fmt.Errorf("decode alert: %w", err)
	}
	return alert, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, status models.AlertStatus) ([]models.OutbreakAlert, error) {
	query := `SELECT payload FROM outbreak_alerts ORDER BY detected_at`
	args := []any{}
	if status != "" {
		query = `SELECT payload FROM outbreak_alerts WHERE status = $1 ORDER BY detected_at`
		args = append(args, string(status))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.OutbreakAlert
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var alert models.OutbreakAlert
		if err := json.Unmarshal(payload, &alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbreak_alerts
		SET status = $2, payload = jsonb_set(payload, '{Status}', to_jsonb($2::text))
		WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

var _ Store = (*PostgresStore)(nil)

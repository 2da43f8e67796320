package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/detection"
	"github.com/epiwatchstack/epiwatch-engine/internal/fusion"
	"github.com/epiwatchstack/epiwatch-engine/internal/metrics"
	"github.com/epiwatchstack/epiwatch-engine/internal/models"
	"github.com/epiwatchstack/epiwatch-engine/internal/notify"
	"github.com/epiwatchstack/epiwatch-engine/internal/patterns"
	"github.com/epiwatchstack/epiwatch-engine/internal/resilience"
	"github.com/epiwatchstack/epiwatch-engine/internal/sources"
	"github.com/epiwatchstack/epiwatch-engine/internal/store"
	"github.com/epiwatchstack/epiwatch-engine/internal/utils"
)

// SurveillanceService is the application facade: it drives source fan-out,
// fusion, persistence and outbreak detection, and owns monitoring sessions.
type SurveillanceService struct {
	logger       *slog.Logger
	orchestrator *sources.Orchestrator
	fusion       *fusion.Engine
	detector     *detection.Engine
	sessions     *detection.SessionManager
	store        store.Store
	dispatcher   *notify.Dispatcher
	breaker      *resilience.Manager
	miner        *patterns.Miner
	latencies    *utils.LatencyTracker
}

// NewSurveillanceService wires the engine components together. The session
// manager reads streams straight from the store and publishes through the
// service's persisting sink.
func NewSurveillanceService(
	logger *slog.Logger,
	orchestrator *sources.Orchestrator,
	fusionEngine *fusion.Engine,
	detector *detection.Engine,
	st store.Store,
	dispatcher *notify.Dispatcher,
	breaker *resilience.Manager,
	thresholds *detection.Thresholds,
	sessionInterval time.Duration,
) *SurveillanceService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SurveillanceService{
		logger:       logger,
		orchestrator: orchestrator,
		fusion:       fusionEngine,
		detector:     detector,
		store:        st,
		dispatcher:   dispatcher,
		breaker:      breaker,
		miner:        patterns.NewMiner(logger, nil),
		latencies:    utils.NewLatencyTracker(1024),
	}
	s.sessions = detection.NewSessionManager(logger, thresholds, st, alertSink{s}, sessionInterval)
	return s
}

// alertSink persists and dispatches every alert a session emits.
type alertSink struct {
	svc *SurveillanceService
}

func (a alertSink) Publish(ctx context.Context, alert models.OutbreakAlert) error {
	return a.svc.emitAlert(ctx, alert)
}

func (s *SurveillanceService) emitAlert(ctx context.Context, alert models.OutbreakAlert) error {
	if err := s.store.SaveAlert(ctx, alert); err != nil {
		return utils.NewAppError("alerts.save", alert.ID, err)
	}
	metrics.ObserveAlert(string(alert.Severity))
	if s.dispatcher != nil {
		if err := s.dispatcher.Publish(ctx, alert); err != nil {
			s.logger.Error("alert dispatch failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		}
	}
	return nil
}

// Aggregate fans out to the selected sources, fuses what came back per
// stream and persists the resulting estimates. Partial source failure
// degrades the result instead of failing it, as long as the configured
// minimum number of sources answered.
func (s *SurveillanceService) Aggregate(ctx context.Context, query models.AggregationQuery) (*models.AggregationResult, error) {
	if len(query.Diseases) == 0 || len(query.Regions) == 0 {
		return nil, fmt.Errorf("%w: aggregation needs at least one disease and region", utils.ErrInvalidRequest)
	}
	if query.FusionStrategy == "" {
		query.FusionStrategy = models.StrategyEnsembleFusion
	}

	start := time.Now()
	observations, statuses, err := s.orchestrator.Aggregate(ctx, query)
	if err != nil {
		metrics.ObserveAggregation(time.Since(start), metrics.OutcomeError)
		return nil, err
	}

	fuseStrategy := query.FusionStrategy
	interpolate := fuseStrategy == models.StrategySpatialInterpolation
	if interpolate {
		// Spatial interpolation backfills gaps after a conventional fuse.
		fuseStrategy = models.StrategyEnsembleFusion
	}

	estimates := make([]models.FusedEstimate, 0)
	for _, group := range groupByWindow(observations, s.fusion.Bucket()) {
		est, err := s.fusion.Fuse(group, fuseStrategy, query.QualityThreshold)
		if err != nil {
			metrics.ObserveAggregation(time.Since(start), metrics.OutcomeError)
			return nil, err
		}
		if est == nil {
			continue // below quality threshold
		}
		estimates = append(estimates, *est)
	}
	if interpolate {
		estimates = s.backfillRegions(query, estimates)
	}

	for i := range estimates {
		if err := s.store.AppendEstimate(ctx, estimates[i]); err != nil {
			metrics.ObserveAggregation(time.Since(start), metrics.OutcomeError)
			return nil, utils.NewAppError("estimates.append", estimates[i].DiseaseID+"/"+estimates[i].Region, err)
		}
		metrics.ObserveFusionQuality(estimates[i].Quality)
	}

	duration := time.Since(start)
	s.latencies.Observe(duration)
	outcome := metrics.OutcomeSuccess
	for _, status := range statuses {
		if status != models.SourceStatusOK {
			outcome = metrics.OutcomeDegraded
			break
		}
	}
	metrics.ObserveAggregation(duration, outcome)
	if s.breaker != nil {
		metrics.SetBreakerOpenFraction(s.breaker.OpenFraction())
	}
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("aggregation latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count))
	}

	sortEstimates(estimates)
	return &models.AggregationResult{Estimates: estimates, SourceStatus: statuses}, nil
}

type streamWindow struct {
	stream models.StreamKey
	start  time.Time
}

// groupByWindow splits observations per (disease, region, window) bucket so
// a timeframe spanning several buckets fuses into one estimate per bucket,
// in deterministic key order.
func groupByWindow(observations []models.RawObservation, bucket time.Duration) [][]models.RawObservation {
	grouped := make(map[streamWindow][]models.RawObservation)
	for _, obs := range observations {
		start, _ := utils.WindowFor(obs.Timestamp, bucket)
		key := streamWindow{
			stream: models.StreamKey{DiseaseID: obs.DiseaseID, Region: obs.Region},
			start:  start,
		}
		grouped[key] = append(grouped[key], obs)
	}
	keys := make([]streamWindow, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].stream.DiseaseID != keys[j].stream.DiseaseID {
			return keys[i].stream.DiseaseID < keys[j].stream.DiseaseID
		}
		if keys[i].stream.Region != keys[j].stream.Region {
			return keys[i].stream.Region < keys[j].stream.Region
		}
		return keys[i].start.Before(keys[j].start)
	})
	out := make([][]models.RawObservation, 0, len(keys))
	for _, key := range keys {
		out = append(out, grouped[key])
	}
	return out
}

// backfillRegions fills query regions that produced no estimate with an
// inverse-distance interpolation from the regions that did.
func (s *SurveillanceService) backfillRegions(query models.AggregationQuery, estimates []models.FusedEstimate) []models.FusedEstimate {
	byDisease := make(map[string][]models.FusedEstimate)
	covered := make(map[models.StreamKey]bool)
	for _, est := range estimates {
		byDisease[est.DiseaseID] = append(byDisease[est.DiseaseID], est)
		covered[models.StreamKey{DiseaseID: est.DiseaseID, Region: est.Region}] = true
	}
	for _, disease := range query.Diseases {
		for _, region := range query.Regions {
			if covered[models.StreamKey{DiseaseID: disease, Region: region}] {
				continue
			}
			filled, err := s.fusion.Interpolate(disease, region, byDisease[disease])
			if err != nil {
				s.logger.Debug("interpolation skipped",
					slog.String("disease", disease),
					slog.String("region", region),
					slog.Any("error", err))
				continue
			}
			estimates = append(estimates, *filled)
		}
	}
	return estimates
}

func sortEstimates(estimates []models.FusedEstimate) {
	sort.Slice(estimates, func(i, j int) bool {
		if estimates[i].DiseaseID != estimates[j].DiseaseID {
			return estimates[i].DiseaseID < estimates[j].DiseaseID
		}
		if estimates[i].Region != estimates[j].Region {
			return estimates[i].Region < estimates[j].Region
		}
		return estimates[i].WindowStart.Before(estimates[j].WindowStart)
	})
}

// Detect runs a one-shot detection pass over the stored streams named in
// the request and persists any emitted alerts.
func (s *SurveillanceService) Detect(ctx context.Context, req models.DetectionRequest) ([]models.OutbreakAlert, error) {
	if len(req.Streams) == 0 {
		return nil, fmt.Errorf("%w: detection needs at least one stream", utils.ErrInvalidRequest)
	}
	streams := make([]models.TimeSeriesStream, 0, len(req.Streams))
	for _, key := range req.Streams {
		stream, err := s.store.Stream(ctx, key)
		if err != nil {
			return nil, utils.NewAppError("detect.load_stream", key.String(), err)
		}
		streams = append(streams, stream)
	}

	alerts, err := s.detector.Detect(streams, req.Algorithms, req.Sensitivity, 0)
	if err != nil {
		return nil, err
	}
	for _, alert := range alerts {
		if err := s.emitAlert(ctx, alert); err != nil {
			return nil, err
		}
	}
	return alerts, nil
}

// StartSession begins continuous monitoring of the configured streams.
func (s *SurveillanceService) StartSession(ctx context.Context, cfg models.SessionConfig) (string, error) {
	return s.sessions.Start(ctx, cfg)
}

// SessionStatus reports one session's progress.
func (s *SurveillanceService) SessionStatus(id string) (detection.SessionStatus, error) {
	return s.sessions.Status(id)
}

// ListSessions reports every session.
func (s *SurveillanceService) ListSessions() []detection.SessionStatus {
	return s.sessions.List()
}

// StopSession halts a monitoring session.
func (s *SurveillanceService) StopSession(id string) error {
	return s.sessions.Stop(id)
}

// Alert fetches one alert by ID.
func (s *SurveillanceService) Alert(ctx context.Context, id string) (models.OutbreakAlert, error) {
	return s.store.Alert(ctx, id)
}

// ListAlerts returns alerts, optionally filtered by status.
func (s *SurveillanceService) ListAlerts(ctx context.Context, status models.AlertStatus) ([]models.OutbreakAlert, error) {
	return s.store.ListAlerts(ctx, status)
}

// UpdateAlertStatus advances an alert through its lifecycle.
func (s *SurveillanceService) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error {
	switch status {
	case models.AlertStatusAcknowledged, models.AlertStatusResolved:
	default:
		return fmt.Errorf("%w: cannot transition alert to %q", utils.ErrInvalidRequest, status)
	}
	return s.store.UpdateAlertStatus(ctx, id, status)
}

// MinePatterns aggregates the full alert history into recurring per-disease
// outbreak profiles.
func (s *SurveillanceService) MinePatterns(ctx context.Context) ([]models.OutbreakPattern, error) {
	alerts, err := s.store.ListAlerts(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load alert history: %w", err)
	}
	return s.miner.Mine(ctx, alerts)
}

// Sources lists every registered data source.
func (s *SurveillanceService) Sources() []models.DataSource {
	return s.orchestrator.Sources()
}

// DeactivateSource takes a source out of auto selection without deleting it.
func (s *SurveillanceService) DeactivateSource(id string) error {
	return s.orchestrator.DeactivateSource(id)
}

// BreakerOpenFraction exposes aggregate source health for the health endpoint.
func (s *SurveillanceService) BreakerOpenFraction() float64 {
	if s.breaker == nil {
		return 0
	}
	return s.breaker.OpenFraction()
}

// LatencyP95 returns the current p95 aggregation latency.
func (s *SurveillanceService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

// Shutdown stops all sessions and the alert dispatcher.
func (s *SurveillanceService) Shutdown() {
	s.sessions.StopAll()
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
}

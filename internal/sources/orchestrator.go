package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/epiwatchstack/epiwatch-engine/internal/cache"
	"github.com/epiwatchstack/epiwatch-engine/internal/metrics"
	"github.com/epiwatchstack/epiwatch-engine/internal/models"
	"github.com/epiwatchstack/epiwatch-engine/internal/resilience"
	"github.com/epiwatchstack/epiwatch-engine/internal/utils"
)

// OrchestratorConfig tunes the concurrent fan-out behaviour.
type OrchestratorConfig struct {
	MaxParallelism       int64
	PerCallTimeout       time.Duration
	MinSuccessfulSources int
	MinReliability       float64
	SourceRatePerSecond  float64
	SourceRateBurst      int
	CacheTTL             time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = 8
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = 10 * time.Second
	}
	if c.MinSuccessfulSources <= 0 {
		c.MinSuccessfulSources = 1
	}
	if c.MinReliability <= 0 {
		c.MinReliability = 0.3
	}
	if c.SourceRatePerSecond <= 0 {
		c.SourceRatePerSecond = 5
	}
	if c.SourceRateBurst <= 0 {
		c.SourceRateBurst = 5
	}
	return c
}

// Orchestrator fans one query out to the selected provider connectors in
// parallel, wraps every call with the resilience layer, and merges whatever
// succeeded (best-effort, subject to the minimum source count).
type Orchestrator struct {
	logger   *slog.Logger
	registry *Registry
	breaker  *resilience.Manager
	cache    cache.Provider
	cfg      OrchestratorConfig

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewOrchestrator constructs an orchestrator over the given registry.
func NewOrchestrator(logger *slog.Logger, registry *Registry, breaker *resilience.Manager, provider cache.Provider, cfg OrchestratorConfig) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &Orchestrator{
		logger:   logger,
		registry: registry,
		breaker:  breaker,
		cache:    provider,
		cfg:      cfg.withDefaults(),
		limiters: make(map[string]*rate.Limiter),
	}
}

type fetchOutcome struct {
	sourceID     string
	observations []models.RawObservation
	status       models.SourceStatus
	fromCache    bool
}

// Aggregate issues one call per selected source and merges the raw
// observations. Failures and circuit-open skips are reported in the status
// map; the call only fails outright when fewer than the configured minimum
// number of sources succeeded.
func (o *Orchestrator) Aggregate(ctx context.Context, query models.AggregationQuery) ([]models.RawObservation, map[string]models.SourceStatus, error) {
	selected, err := o.selectSources(query)
	if err != nil {
		return nil, nil, err
	}

	if frac := o.breaker.OpenFraction(); frac > 0.5 {
		o.logger.Warn("majority of source circuits open, proceeding degraded",
			slog.Float64("open_fraction", frac))
	}

	fetch := FetchQuery{Diseases: query.Diseases, Regions: query.Regions, Timeframe: query.Timeframe}

	var mu sync.Mutex
	outcomes := make([]fetchOutcome, 0, len(selected))

	sem := semaphore.NewWeighted(o.cfg.MaxParallelism)
	g := new(errgroup.Group)
	for _, src := range selected {
		src := src
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				outcomes = append(outcomes, fetchOutcome{sourceID: src.ID, status: models.SourceStatusFailed})
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			outcome := o.fetchOne(ctx, src.ID, fetch)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	statuses := make(map[string]models.SourceStatus, len(outcomes))
	merged := make([]models.RawObservation, 0)
	successes := 0
	now := time.Now()
	for _, out := range outcomes {
		statuses[out.sourceID] = out.status
		if out.status == models.SourceStatusOK {
			successes++
			merged = append(merged, out.observations...)
		}
		if !out.fromCache {
			metrics.ObserveSourceCall(out.sourceID, string(out.status))
		}
		// Circuit-open skips never reached the provider; only real attempts
		// move the reliability score.
		if out.status != models.SourceStatusCircuitOpen && !out.fromCache {
			o.registry.RecordOutcome(out.sourceID, out.status == models.SourceStatusOK, now)
		}
	}

	if successes < o.cfg.MinSuccessfulSources {
		return nil, statuses, fmt.Errorf("%d of %d sources succeeded (minimum %d): %w",
			successes, len(selected), o.cfg.MinSuccessfulSources, models.ErrDataQualityInsufficient)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].SourceID != merged[j].SourceID {
			return merged[i].SourceID < merged[j].SourceID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, statuses, nil
}

func (o *Orchestrator) selectSources(query models.AggregationQuery) ([]models.DataSource, error) {
	if len(query.Sources) > 0 {
		selected := make([]models.DataSource, 0, len(query.Sources))
		for _, id := range query.Sources {
			src, ok := o.registry.Source(id)
			if !ok {
				return nil, fmt.Errorf("%w: unknown source %q", utils.ErrInvalidRequest, id)
			}
			selected = append(selected, src)
		}
		return selected, nil
	}

	selected := o.registry.Select(query.Diseases, query.Regions, o.cfg.MinReliability)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no eligible sources for query: %w", models.ErrDataQualityInsufficient)
	}
	return selected, nil
}

func (o *Orchestrator) fetchOne(ctx context.Context, sourceID string, query FetchQuery) fetchOutcome {
	key := cacheKey(sourceID, query)
	if data, err := o.cache.Get(ctx, key); err == nil {
		var cached []models.RawObservation
		if err := json.Unmarshal(data, &cached); err == nil {
			return fetchOutcome{sourceID: sourceID, observations: cached, status: models.SourceStatusOK, fromCache: true}
		}
	}

	conn, ok := o.registry.Connector(sourceID)
	if !ok {
		return fetchOutcome{sourceID: sourceID, status: models.SourceStatusFailed}
	}

	// A call the breaker would reject should not consume a rate-limit token.
	if !o.breaker.Allow(sourceID) {
		return fetchOutcome{sourceID: sourceID, status: models.SourceStatusCircuitOpen}
	}

	if err := o.limiter(sourceID).Wait(ctx); err != nil {
		return fetchOutcome{sourceID: sourceID, status: models.SourceStatusFailed}
	}

	var observations []models.RawObservation
	err := o.breaker.Call(ctx, sourceID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.PerCallTimeout)
		defer cancel()

		obs, err := conn.Fetch(callCtx, query)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%v: %w", err, models.ErrSourceTimeout)
			}
			return err
		}
		observations = obs
		return nil
	})

	switch {
	case err == nil:
		if o.cfg.CacheTTL > 0 && len(observations) > 0 {
			if data, merr := json.Marshal(observations); merr == nil {
				if cerr := o.cache.Set(ctx, key, data, o.cfg.CacheTTL); cerr != nil {
					o.logger.Debug("observation cache write failed", slog.Any("error", cerr))
				}
			}
		}
		return fetchOutcome{sourceID: sourceID, observations: observations, status: models.SourceStatusOK}
	case errors.Is(err, models.ErrCircuitOpen):
		return fetchOutcome{sourceID: sourceID, status: models.SourceStatusCircuitOpen}
	default:
		o.logger.Warn("source fetch failed", slog.String("source", sourceID), slog.Any("error", err))
		return fetchOutcome{sourceID: sourceID, status: models.SourceStatusFailed}
	}
}

func (o *Orchestrator) limiter(sourceID string) *rate.Limiter {
	o.limiterMu.Lock()
	defer o.limiterMu.Unlock()
	lim, ok := o.limiters[sourceID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(o.cfg.SourceRatePerSecond), o.cfg.SourceRateBurst)
		o.limiters[sourceID] = lim
	}
	return lim
}

// OpenFraction exposes the resilience layer's aggregate health.
func (o *Orchestrator) OpenFraction() float64 {
	return o.breaker.OpenFraction()
}

// Sources returns every registered source record.
func (o *Orchestrator) Sources() []models.DataSource {
	return o.registry.All()
}

// DeactivateSource excludes a source from auto selection. The record is kept;
// sources are never deleted.
func (o *Orchestrator) DeactivateSource(id string) error {
	if _, ok := o.registry.Source(id); !ok {
		return fmt.Errorf("%w: unknown source %q", utils.ErrInvalidRequest, id)
	}
	o.registry.MarkInactive(id)
	return nil
}

func cacheKey(sourceID string, query FetchQuery) string {
	return strings.Join([]string{
		"obs", sourceID,
		strings.Join(query.Diseases, ","),
		strings.Join(query.Regions, ","),
		fmt.Sprintf("%d-%d", query.Timeframe.Start.Unix(), query.Timeframe.End.Unix()),
	}, ":")
}

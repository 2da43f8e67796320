package sources

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/epiwatchstack/epiwatch-engine/internal/cache"
	"github.com/epiwatchstack/epiwatch-engine/internal/metrics"
	"github.com/epiwatchstack/epiwatch-engine/internal/models"
	"github.com/epiwatchstack/epiwatch-engine/internal/resilience"
	"github.com/epiwatchstack/epiwatch-engine/internal/utils"
)

type fakeConn struct {
	calls atomic.Int64
	obs   []models.RawObservation
	err   error
}

func (f *fakeConn) Fetch(_ context.Context, _ FetchQuery) ([]models.RawObservation, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.obs, nil
}

func obsFor(sourceID string, value float64) []models.RawObservation {
	return []models.RawObservation{{
		SourceID:   sourceID,
		DiseaseID:  "influenza",
		Region:     "US-CA",
		Timestamp:  time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC),
		Value:      value,
		Unit:       "cases",
		Confidence: 0.9,
	}}
}

func testQuery() models.AggregationQuery {
	return models.AggregationQuery{
		Diseases: []string{"influenza"},
		Regions:  []string{"US-CA"},
		Timeframe: models.TimeRange{
			Start: time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC),
		},
	}
}

func newTestOrchestrator(t *testing.T, conns map[string]*fakeConn, minSources int) (*Orchestrator, *Registry, *resilience.Manager) {
	t.Helper()
	logger := utils.NewLoggerTo(io.Discard, "error", false)
	registry := NewRegistry(logger)
	for id, conn := range conns {
		err := registry.Register(models.DataSource{
			ID:          id,
			Name:        id,
			Capability:  models.Capability{Diseases: []string{"influenza"}, Regions: []string{"US-CA"}},
			Reliability: 0.9,
		}, conn)
		if err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	breaker := resilience.NewManager(logger,
		resilience.BreakerConfig{FailureThreshold: 2, CoolDownPeriod: time.Minute},
		resilience.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond})
	orch := NewOrchestrator(logger, registry, breaker, cache.NoopProvider{}, OrchestratorConfig{
		MinSuccessfulSources: minSources,
		PerCallTimeout:       time.Second,
		SourceRatePerSecond:  1000,
		SourceRateBurst:      1000,
	})
	return orch, registry, breaker
}

func TestAggregateMergesAllSources(t *testing.T) {
	conns := map[string]*fakeConn{
		"alpha": {obs: obsFor("alpha", 100)},
		"beta":  {obs: obsFor("beta", 110)},
	}
	orch, _, _ := newTestOrchestrator(t, conns, 1)

	merged, statuses, err := orch.Aggregate(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("got %d observations, want 2", len(merged))
	}
	// merged output is ordered by source then timestamp
	if merged[0].SourceID != "alpha" || merged[1].SourceID != "beta" {
		t.Fatalf("unexpected order: %s, %s", merged[0].SourceID, merged[1].SourceID)
	}
	for id, status := range statuses {
		if status != models.SourceStatusOK {
			t.Fatalf("source %s status %s, want ok", id, status)
		}
	}
}

func TestAggregateBestEffortOnPartialFailure(t *testing.T) {
	conns := map[string]*fakeConn{
		"alpha": {obs: obsFor("alpha", 100)},
		"beta":  {err: models.ErrSourceUnavailable},
	}
	orch, registry, _ := newTestOrchestrator(t, conns, 1)

	merged, statuses, err := orch.Aggregate(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(merged) != 1 || merged[0].SourceID != "alpha" {
		t.Fatalf("expected only alpha's observation, got %v", merged)
	}
	if statuses["beta"] != models.SourceStatusFailed {
		t.Fatalf("beta status %s, want failed", statuses["beta"])
	}

	alphaSrc, _ := registry.Source("alpha")
	betaSrc, _ := registry.Source("beta")
	if alphaSrc.Reliability <= betaSrc.Reliability {
		t.Fatalf("reliability should diverge after outcomes: alpha %.3f, beta %.3f",
			alphaSrc.Reliability, betaSrc.Reliability)
	}
}

func TestAggregateFailsBelowMinimumSources(t *testing.T) {
	conns := map[string]*fakeConn{
		"alpha": {obs: obsFor("alpha", 100)},
		"beta":  {err: models.ErrSourceUnavailable},
	}
	orch, _, _ := newTestOrchestrator(t, conns, 2)

	_, statuses, err := orch.Aggregate(context.Background(), testQuery())
	if !errors.Is(err, models.ErrDataQualityInsufficient) {
		t.Fatalf("expected ErrDataQualityInsufficient, got %v", err)
	}
	if statuses["alpha"] != models.SourceStatusOK {
		t.Fatalf("status map must still report per-source outcomes, got %v", statuses)
	}
}

func TestAggregateSkipsOpenCircuitWithoutCalling(t *testing.T) {
	failing := &fakeConn{err: models.ErrSourceUnavailable}
	conns := map[string]*fakeConn{
		"alpha": {obs: obsFor("alpha", 100)},
		"beta":  failing,
	}
	orch, _, _ := newTestOrchestrator(t, conns, 1)
	ctx := context.Background()

	// FailureThreshold is 2: two failing rounds open beta's circuit.
	for i := 0; i < 2; i++ {
		if _, _, err := orch.Aggregate(ctx, testQuery()); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	callsBefore := failing.calls.Load()

	_, statuses, err := orch.Aggregate(ctx, testQuery())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if statuses["beta"] != models.SourceStatusCircuitOpen {
		t.Fatalf("beta status %s, want circuit_open", statuses["beta"])
	}
	if got := failing.calls.Load(); got != callsBefore {
		t.Fatalf("open circuit must not reach the provider: %d calls before, %d after", callsBefore, got)
	}
}

func TestAggregateExplicitSourceSelection(t *testing.T) {
	conns := map[string]*fakeConn{
		"alpha": {obs: obsFor("alpha", 100)},
		"beta":  {obs: obsFor("beta", 110)},
	}
	orch, _, _ := newTestOrchestrator(t, conns, 1)

	query := testQuery()
	query.Sources = []string{"beta"}
	merged, _, err := orch.Aggregate(context.Background(), query)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(merged) != 1 || merged[0].SourceID != "beta" {
		t.Fatalf("explicit selection should only call beta, got %v", merged)
	}
	if conns["alpha"].calls.Load() != 0 {
		t.Fatalf("alpha was called despite explicit selection")
	}

	query.Sources = []string{"missing"}
	if _, _, err := orch.Aggregate(context.Background(), query); !errors.Is(err, utils.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown explicit source, got %v", err)
	}
}

func TestDeactivateSourceExcludesFromSelection(t *testing.T) {
	conns := map[string]*fakeConn{
		"alpha": {obs: obsFor("alpha", 100)},
	}
	orch, _, _ := newTestOrchestrator(t, conns, 1)

	if err := orch.DeactivateSource("alpha"); err != nil {
		t.Fatalf("DeactivateSource: %v", err)
	}
	if _, _, err := orch.Aggregate(context.Background(), testQuery()); !errors.Is(err, models.ErrDataQualityInsufficient) {
		t.Fatalf("inactive source still selected: %v", err)
	}
	if conns["alpha"].calls.Load() != 0 {
		t.Fatal("inactive source was called")
	}

	// The record survives deactivation; sources are never deleted.
	all := orch.Sources()
	if len(all) != 1 || all[0].ID != "alpha" || all[0].Active {
		t.Fatalf("unexpected source records: %+v", all)
	}

	if err := orch.DeactivateSource("missing"); !errors.Is(err, utils.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown source, got %v", err)
	}
}

func TestAggregateCountsSourceCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	conns := map[string]*fakeConn{
		"counted-ok":   {obs: obsFor("counted-ok", 100)},
		"counted-down": {err: models.ErrSourceUnavailable},
	}
	orch, _, _ := newTestOrchestrator(t, conns, 1)

	if _, _, err := orch.Aggregate(context.Background(), testQuery()); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	n, err := testutil.GatherAndCount(reg, "epiwatch_source_calls_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// One series per (source, status) pair; both sources produced one.
	if n < 2 {
		t.Fatalf("got %d source call series, want at least 2", n)
	}
}

func TestAggregateNoEligibleSources(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, map[string]*fakeConn{}, 1)
	_, _, err := orch.Aggregate(context.Background(), testQuery())
	if !errors.Is(err, models.ErrDataQualityInsufficient) {
		t.Fatalf("expected ErrDataQualityInsufficient, got %v", err)
	}
}

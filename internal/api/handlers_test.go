package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/detection"
	"github.com/epiwatchstack/epiwatch-engine/internal/models"
	"github.com/epiwatchstack/epiwatch-engine/internal/store"
	"github.com/epiwatchstack/epiwatch-engine/internal/utils"
)

type fakeService struct {
	aggregateResult *models.AggregationResult
	aggregateErr    error
	detectAlerts    []models.OutbreakAlert
	detectErr       error
	sessionID       string
	sessionErr      error
	statuses        map[string]detection.SessionStatus
	alerts          map[string]models.OutbreakAlert
	updatedStatus   models.AlertStatus
	sources         []models.DataSource
	deactivated     string
}

func (f *fakeService) Aggregate(context.Context, models.AggregationQuery) (*models.AggregationResult, error) {
	return f.aggregateResult, f.aggregateErr
}

func (f *fakeService) Detect(context.Context, models.DetectionRequest) ([]models.OutbreakAlert, error) {
	return f.detectAlerts, f.detectErr
}

func (f *fakeService) StartSession(context.Context, models.SessionConfig) (string, error) {
	return f.sessionID, f.sessionErr
}

func (f *fakeService) SessionStatus(id string) (detection.SessionStatus, error) {
	status, ok := f.statuses[id]
	if !ok {
		return detection.SessionStatus{}, fmt.Errorf("session %s not found", id)
	}
	return status, nil
}

func (f *fakeService) ListSessions() []detection.SessionStatus {
	out := make([]detection.SessionStatus, 0, len(f.statuses))
	for _, status := range f.statuses {
		out = append(out, status)
	}
	return out
}

func (f *fakeService) StopSession(id string) error {
	if _, ok := f.statuses[id]; !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

func (f *fakeService) Alert(_ context.Context, id string) (models.OutbreakAlert, error) {
	alert, ok := f.alerts[id]
	if !ok {
		return models.OutbreakAlert{}, store.ErrNotFound
	}
	return alert, nil
}

func (f *fakeService) ListAlerts(context.Context, models.AlertStatus) ([]models.OutbreakAlert, error) {
	out := make([]models.OutbreakAlert, 0, len(f.alerts))
	for _, alert := range f.alerts {
		out = append(out, alert)
	}
	return out, nil
}

func (f *fakeService) UpdateAlertStatus(_ context.Context, id string, status models.AlertStatus) error {
	if _, ok := f.alerts[id]; !ok {
		return store.ErrNotFound
	}
	if status != models.AlertStatusAcknowledged && status != models.AlertStatusResolved {
		return fmt.Errorf("%w: bad status", utils.ErrInvalidRequest)
	}
	f.updatedStatus = status
	return nil
}

func (f *fakeService) MinePatterns(context.Context) ([]models.OutbreakPattern, error) {
	return []models.OutbreakPattern{{ID: "pattern-influenza", DiseaseID: "influenza"}}, nil
}

func (f *fakeService) Sources() []models.DataSource { return f.sources }

func (f *fakeService) DeactivateSource(id string) error {
	for _, src := range f.sources {
		if src.ID == id {
			f.deactivated = id
			return nil
		}
	}
	return fmt.Errorf("%w: unknown source %q", utils.ErrInvalidRequest, id)
}

func (f *fakeService) BreakerOpenFraction() float64 { return 0.25 }

func newTestHandler(svc *fakeService) http.Handler {
	return NewHandler(utils.NewLogger("error", false), svc).Routes()
}

func TestAggregateEndpoint(t *testing.T) {
	svc := &fakeService{
		aggregateResult: &models.AggregationResult{
			Estimates: []models.FusedEstimate{{
				DiseaseID: "influenza",
				Region:    "US-CA",
				Value:     105,
				Quality:   0.9,
				Strategy:  models.StrategyWeightedAverage,
			}},
			SourceStatus: map[string]models.SourceStatus{"who-flunet": models.SourceStatusOK},
		},
	}
	body := `{"diseases":["influenza"],"regions":["US-CA"],"start":"2025-06-01T00:00:00Z","end":"2025-06-02T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/aggregate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var result models.AggregationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Estimates) != 1 || result.Estimates[0].Value != 105 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestAggregateEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", fmt.Errorf("%w: no diseases", utils.ErrInvalidRequest), http.StatusBadRequest},
		{"bad strategy", fmt.Errorf("strategy: %w", models.ErrFusionStrategyUnsupported), http.StatusBadRequest},
		{"insufficient data", fmt.Errorf("fan-out: %w", models.ErrDataQualityInsufficient), http.StatusUnprocessableEntity},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{aggregateErr: tc.err}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/aggregate", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			newTestHandler(svc).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestDetectEndpointBadJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	newTestHandler(&fakeService{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	svc := &fakeService{
		sessionID: "sess-1",
		statuses: map[string]detection.SessionStatus{
			"sess-1": {ID: "sess-1", Running: true, AlertsEmitted: 2},
		},
	}
	handler := newTestHandler(svc)

	body := `{"streams":[{"disease_id":"influenza","region":"US-CA"}],"algorithms":["cusum","ewma"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var status detection.SessionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.AlertsEmitted != 2 {
		t.Fatalf("alerts emitted %d, want 2", status.AlertsEmitted)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/sess-1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("stop status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status %d", rec.Code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	svc := &fakeService{
		alerts: map[string]models.OutbreakAlert{
			"a-1": {ID: "a-1", DiseaseID: "influenza", Region: "US-CA", Status: models.AlertStatusOpen, DetectedAt: time.Now().UTC()},
		},
	}
	handler := newTestHandler(svc)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/a-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get alert status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing alert status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/a-1/status", strings.NewReader(`{"status":"acknowledged"}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update status %d, body %s", rec.Code, rec.Body.String())
	}
	if svc.updatedStatus != models.AlertStatusAcknowledged {
		t.Fatalf("service saw status %s", svc.updatedStatus)
	}
}

func TestSourceEndpoints(t *testing.T) {
	svc := &fakeService{
		sources: []models.DataSource{
			{ID: "who-flunet", Name: "WHO FluNet", Reliability: 0.9, Active: true},
			{ID: "promed-mail", Name: "ProMED-mail", Reliability: 0.6, Active: true},
		},
	}
	handler := newTestHandler(svc)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var payload struct {
		Sources []models.DataSource `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Sources) != 2 {
		t.Fatalf("listed %d sources, want 2", len(payload.Sources))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/sources/promed-mail", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate status %d, body %s", rec.Code, rec.Body.String())
	}
	if svc.deactivated != "promed-mail" {
		t.Fatalf("service saw deactivation of %q", svc.deactivated)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/sources/missing", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown source status %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(&fakeService{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["breaker_open_fraction"] != 0.25 {
		t.Fatalf("payload %v", payload)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/detection"
	"github.com/epiwatchstack/epiwatch-engine/internal/models"
	"github.com/epiwatchstack/epiwatch-engine/internal/store"
	"github.com/epiwatchstack/epiwatch-engine/internal/utils"
)

// Service is the application surface the HTTP layer depends on.
type Service interface {
	Aggregate(ctx context.Context, query models.AggregationQuery) (*models.AggregationResult, error)
	Detect(ctx context.Context, req models.DetectionRequest) ([]models.OutbreakAlert, error)
	StartSession(ctx context.Context, cfg models.SessionConfig) (string, error)
	SessionStatus(id string) (detection.SessionStatus, error)
	ListSessions() []detection.SessionStatus
	StopSession(id string) error
	Alert(ctx context.Context, id string) (models.OutbreakAlert, error)
	ListAlerts(ctx context.Context, status models.AlertStatus) ([]models.OutbreakAlert, error)
	UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error
	MinePatterns(ctx context.Context) ([]models.OutbreakPattern, error)
	Sources() []models.DataSource
	DeactivateSource(id string) error
	BreakerOpenFraction() float64
}

// Handler exposes the surveillance service over HTTP JSON.
type Handler struct {
	logger *slog.Logger
	svc    Service
}

func NewHandler(logger *slog.Logger, svc Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, svc: svc}
}

// Routes builds the request mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("POST /api/v1/aggregate", h.aggregate)
	mux.HandleFunc("POST /api/v1/detect", h.detect)
	mux.HandleFunc("POST /api/v1/sessions", h.startSession)
	mux.HandleFunc("GET /api/v1/sessions", h.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.sessionStatus)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.stopSession)
	mux.HandleFunc("GET /api/v1/alerts", h.listAlerts)
	mux.HandleFunc("GET /api/v1/alerts/{id}", h.getAlert)
	mux.HandleFunc("POST /api/v1/alerts/{id}/status", h.updateAlertStatus)
	mux.HandleFunc("GET /api/v1/patterns", h.minePatterns)
	mux.HandleFunc("GET /api/v1/sources", h.listSources)
	mux.HandleFunc("DELETE /api/v1/sources/{id}", h.deactivateSource)
	return mux
}

type aggregateRequest struct {
	Diseases         []string  `json:"diseases"`
	Regions          []string  `json:"regions"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Sources          []string  `json:"sources,omitempty"`
	FusionStrategy   string    `json:"fusion_strategy,omitempty"`
	QualityThreshold float64   `json:"quality_threshold,omitempty"`
}

func (h *Handler) aggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", utils.ErrInvalidRequest, err))
		return
	}
	result, err := h.svc.Aggregate(r.Context(), models.AggregationQuery{
		Diseases:         req.Diseases,
		Regions:          req.Regions,
		Timeframe:        models.TimeRange{Start: req.Start, End: req.End},
		Sources:          req.Sources,
		FusionStrategy:   models.FusionStrategy(req.FusionStrategy),
		QualityThreshold: req.QualityThreshold,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type detectRequest struct {
	Streams     []streamKey `json:"streams"`
	Algorithms  []string    `json:"algorithms"`
	Sensitivity string      `json:"sensitivity,omitempty"`
}

type streamKey struct {
	DiseaseID string `json:"disease_id"`
	Region    string `json:"region"`
}

func toStreamKeys(keys []streamKey) []models.StreamKey {
	out := make([]models.StreamKey, len(keys))
	for i, k := range keys {
		out[i] = models.StreamKey{DiseaseID: k.DiseaseID, Region: k.Region}
	}
	return out
}

func (h *Handler) detect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", utils.ErrInvalidRequest, err))
		return
	}
	alerts, err := h.svc.Detect(r.Context(), models.DetectionRequest{
		Streams:     toStreamKeys(req.Streams),
		Algorithms:  req.Algorithms,
		Sensitivity: models.Sensitivity(req.Sensitivity),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

type sessionRequest struct {
	Streams      []streamKey `json:"streams"`
	Algorithms   []string    `json:"algorithms"`
	Sensitivity  string      `json:"sensitivity,omitempty"`
	MinConsensus int         `json:"min_consensus,omitempty"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", utils.ErrInvalidRequest, err))
		return
	}
	id, err := h.svc.StartSession(r.Context(), models.SessionConfig{
		Streams:      toStreamKeys(req.Streams),
		Algorithms:   req.Algorithms,
		Sensitivity:  models.Sensitivity(req.Sensitivity),
		MinConsensus: req.MinConsensus,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": h.svc.ListSessions()})
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.SessionStatus(r.PathValue("id"))
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StopSession(r.PathValue("id")); err != nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	status := models.AlertStatus(r.URL.Query().Get("status"))
	alerts, err := h.svc.ListAlerts(r.Context(), status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := utils.ParseRFC3339(raw)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: since: %v", utils.ErrInvalidRequest, err))
			return
		}
		filtered := alerts[:0]
		for _, alert := range alerts {
			if !alert.DetectedAt.Before(since) {
				filtered = append(filtered, alert)
			}
		}
		alerts = filtered
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.Alert(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

type alertStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req alertStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", utils.ErrInvalidRequest, err))
		return
	}
	if err := h.svc.UpdateAlertStatus(r.Context(), r.PathValue("id"), models.AlertStatus(req.Status)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) minePatterns(w http.ResponseWriter, r *http.Request) {
	mined, err := h.svc.MinePatterns(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"patterns": mined})
}

func (h *Handler) listSources(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"sources": h.svc.Sources()})
}

func (h *Handler) deactivateSource(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeactivateSource(r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"breaker_open_fraction": h.svc.BreakerOpenFraction(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response failed", slog.Any("error", err))
	}
}

// writeError maps domain errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, utils.ErrInvalidRequest),
		errors.Is(err, models.ErrAlgorithmConfigInvalid),
		errors.Is(err, models.ErrFusionStrategyUnsupported):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrDataQualityInsufficient):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", slog.Any("error", err))
	}
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

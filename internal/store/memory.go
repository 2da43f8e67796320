package store

import (
	"context"
	"sort"
	"sync"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// MemoryStore is the default in-process store. It keeps full copies on the
// way in and out so callers can never alias its internal state.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[models.StreamKey][]models.FusedEstimate
	alerts  map[string]models.OutbreakAlert
	order   []string // alert insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[models.StreamKey][]models.FusedEstimate),
		alerts:  make(map[string]models.OutbreakAlert),
	}
}

func (s *MemoryStore) AppendEstimate(_ context.Context, est models.FusedEstimate) error {
	key := models.StreamKey{DiseaseID: est.DiseaseID, Region: est.Region}
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.streams[key]
	for i, existing := range series {
		if existing.WindowStart.Equal(est.WindowStart) {
			series[i] = est
			return nil
		}
	}
	series = append(series, est)
	sort.Slice(series, func(i, j int) bool {
		return series[i].WindowStart.Before(series[j].WindowStart)
	})
	s.streams[key] = series
	return nil
}

func (s *MemoryStore) Stream(_ context.Context, key models.StreamKey) (models.TimeSeriesStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.streams[key]
	if !ok {
		return models.TimeSeriesStream{}, ErrNotFound
	}
	return models.TimeSeriesStream{
		Key:       key,
		Estimates: append([]models.FusedEstimate(nil), series...),
	}, nil
}

func (s *MemoryStore) StreamKeys(_ context.Context) ([]models.StreamKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]models.StreamKey, 0, len(s.streams))
	for key := range s.streams {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DiseaseID != keys[j].DiseaseID {
			return keys[i].DiseaseID < keys[j].DiseaseID
		}
		return keys[i].Region < keys[j].Region
	})
	return keys, nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, alert models.OutbreakAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; !ok {
		s.order = append(s.order, alert.ID)
	}
	s.alerts[alert.ID] = alert
	return nil
}

func (s *MemoryStore) Alert(_ context.Context, id string) (models.OutbreakAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return models.OutbreakAlert{}, ErrNotFound
	}
	return alert, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, status models.AlertStatus) ([]models.OutbreakAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OutbreakAlert, 0, len(s.order))
	for _, id := range s.order {
		alert := s.alerts[id]
		if status != "" && alert.Status != status {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

func (s *MemoryStore) UpdateAlertStatus(_ context.Context, id string, status models.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	alert.Status = status
	s.alerts[id] = alert
	return nil
}

func (s *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)

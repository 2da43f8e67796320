package sources

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// reliabilityAlpha is the smoothing factor for the rolling success rate.
const reliabilityAlpha = 0.1

type registered struct {
	source      models.DataSource
	connector   Connector
	healthCheck bool
	clearCache  bool
}

// Registry owns the DataSource records and their connectors. Sources are
// created at configuration load and never deleted, only marked inactive.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registered
	logger  *slog.Logger
}

// NewRegistry constructs an empty source registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{entries: make(map[string]*registered), logger: logger}
}

// Register adds a source and its connector. Optional capabilities are probed
// once here via explicit interface assertions.
func (r *Registry) Register(source models.DataSource, conn Connector) error {
	if source.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if conn == nil {
		return fmt.Errorf("source %s: connector is required", source.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[source.ID]; exists {
		return fmt.Errorf("source %s already registered", source.ID)
	}

	if source.Reliability <= 0 {
		source.Reliability = 0.5
	}
	source.Active = true

	_, hasHealth := conn.(HealthChecker)
	_, hasClear := conn.(CacheClearer)
	r.entries[source.ID] = &registered{
		source:      source,
		connector:   conn,
		healthCheck: hasHealth,
		clearCache:  hasClear,
	}
	r.logger.Info("source registered",
		slog.String("source", source.ID),
		slog.Bool("health_check", hasHealth),
		slog.Bool("cache_clear", hasClear))
	return nil
}

// Connector returns the connector for the given source id.
func (r *Registry) Connector(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.connector, true
}

// Source returns a copy of the DataSource record.
func (r *Registry) Source(id string) (models.DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return models.DataSource{}, false
	}
	return entry.source, true
}

// MarkInactive flags a source without removing it.
func (r *Registry) MarkInactive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		entry.source.Active = false
	}
}

// RecordOutcome folds one call outcome into the rolling reliability score.
func (r *Registry) RecordOutcome(id string, success bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return
	}

	outcome := 0.0
	if success {
		outcome = 1.0
		entry.source.LastSuccess = at
	}
	entry.source.Reliability = entry.source.Reliability*(1-reliabilityAlpha) + outcome*reliabilityAlpha
}

// Select implements auto source selection: every active source whose
// capability set intersects the query and whose reliability meets the
// threshold, ordered by reliability then most-recent success.
func (r *Registry) Select(diseases, regions []string, minReliability float64) []models.DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make([]models.DataSource, 0, len(r.entries))
	for _, entry := range r.entries {
		src := entry.source
		if !src.Active {
			continue
		}
		if src.Reliability < minReliability {
			continue
		}
		if !src.Capability.Covers(diseases, regions) {
			continue
		}
		selected = append(selected, src)
	}

	sort.Slice(selected, func(i, j int) bool {
		if selected[i].Reliability != selected[j].Reliability {
			return selected[i].Reliability > selected[j].Reliability
		}
		if !selected[i].LastSuccess.Equal(selected[j].LastSuccess) {
			return selected[i].LastSuccess.After(selected[j].LastSuccess)
		}
		return selected[i].ID < selected[j].ID
	})
	return selected
}

// All returns copies of every registered source record.
func (r *Registry) All() []models.DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DataSource, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

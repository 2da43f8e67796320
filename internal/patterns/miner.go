package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// Store abstracts persistence for mined patterns.
type Store interface {
	StorePatterns(ctx context.Context, patterns []models.OutbreakPattern) error
}

// Miner mines simple frequency-based outbreak patterns from alert history.
type Miner struct {
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine aggregates alerts per disease into recurring outbreak profiles.
func (m *Miner) Mine(ctx context.Context, alerts []models.OutbreakAlert) ([]models.OutbreakPattern, error) {
	if len(alerts) == 0 {
		return nil, nil
	}

	diseaseStats := make(map[string]*diseaseAggregate)
	for _, alert := range alerts {
		agg := ensureAggregate(diseaseStats, alert.DiseaseID)
		agg.count++
		agg.regions[alert.Region]++
		agg.severities[alert.Severity]++
		if alert.DetectedAt.After(agg.lastSeen) {
			agg.lastSeen = alert.DetectedAt
		}
		for _, score := range alert.Scores {
			if score.Threshold <= 0 || score.Score < score.Threshold {
				continue
			}
			agg.algoCounts[score.Algorithm]++
			agg.algoExceedance[score.Algorithm] += score.Score / score.Threshold
		}
	}

	patterns := make([]models.OutbreakPattern, 0, len(diseaseStats))
	for disease, agg := range diseaseStats {
		pattern := models.OutbreakPattern{
			ID:              "pattern-" + disease,
			DiseaseID:       disease,
			Name:            disease + " hotspot",
			Regions:         agg.topRegions(3),
			Prevalence:      float64(agg.count) / float64(len(alerts)),
			LastSeen:        agg.lastSeen,
			TypicalSeverity: agg.modalSeverity(),
		}
		for _, algo := range agg.topAlgorithms(3) {
			pattern.Signatures = append(pattern.Signatures, models.AlgorithmSignature{
				Algorithm:      algo,
				Count:          agg.algoCounts[algo],
				MeanExceedance: agg.algoExceedance[algo] / float64(agg.algoCounts[algo]),
			})
		}
		patterns = append(patterns, pattern)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Prevalence != patterns[j].Prevalence {
			return patterns[i].Prevalence > patterns[j].Prevalence
		}
		return patterns[i].DiseaseID < patterns[j].DiseaseID
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}

	return patterns, nil
}

type diseaseAggregate struct {
	count          int
	lastSeen       time.Time
	regions        map[string]int
	severities     map[models.Severity]int
	algoCounts     map[string]int
	algoExceedance map[string]float64
}

func ensureAggregate(m map[string]*diseaseAggregate, disease string) *diseaseAggregate {
	if disease == "" {
		disease = "unknown"
	}
	agg, ok := m[disease]
	if !ok {
		agg = &diseaseAggregate{
			regions:        make(map[string]int),
			severities:     make(map[models.Severity]int),
			algoCounts:     make(map[string]int),
			algoExceedance: make(map[string]float64),
		}
		m[disease] = agg
	}
	return agg
}

func (agg *diseaseAggregate) topRegions(limit int) []string {
	regions := make([]string, 0, len(agg.regions))
	for region := range agg.regions {
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool {
		if agg.regions[regions[i]] != agg.regions[regions[j]] {
			return agg.regions[regions[i]] > agg.regions[regions[j]]
		}
		return regions[i] < regions[j]
	})
	if len(regions) > limit {
		regions = regions[:limit]
	}
	return regions
}

func (agg *diseaseAggregate) topAlgorithms(limit int) []string {
	algos := make([]string, 0, len(agg.algoCounts))
	for algo := range agg.algoCounts {
		algos = append(algos, algo)
	}
	sort.Slice(algos, func(i, j int) bool {
		if agg.algoCounts[algos[i]] != agg.algoCounts[algos[j]] {
			return agg.algoCounts[algos[i]] > agg.algoCounts[algos[j]]
		}
		return algos[i] < algos[j]
	})
	if len(algos) > limit {
		algos = algos[:limit]
	}
	return algos
}

// modalSeverity picks the most frequent severity, breaking ties toward the
// more severe level.
func (agg *diseaseAggregate) modalSeverity() models.Severity {
	order := []models.Severity{
		models.SeverityCritical,
		models.SeverityHigh,
		models.SeverityMedium,
		models.SeverityLow,
	}
	best := models.SeverityLow
	bestCount := -1
	for _, sev := range order {
		if count := agg.severities[sev]; count > bestCount {
			best = sev
			bestCount = count
		}
	}
	return best
}

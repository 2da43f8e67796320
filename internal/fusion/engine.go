package fusion

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
	"github.com/epiwatchstack/epiwatch-engine/internal/utils"
)

// Coord locates a region centroid for spatial interpolation.
type Coord struct {
	Lat float64
	Lon float64
}

// Config tunes harmonization and the fusion strategies.
type Config struct {
	Bucket            time.Duration
	MaxFillGap        time.Duration
	FreshnessHalfLife time.Duration
	TrimZThreshold    float64
	BaseVariance      float64
	ProcessNoise      float64
	MeasurementNoise  float64
	IDWPower          float64
	CanonicalUnits    map[string]string
	UnitConversions   map[string]float64
	RegionCoords      map[string]Coord
}

// DefaultConfig returns the fusion defaults.
func DefaultConfig() Config {
	return Config{
		Bucket:            time.Hour,
		MaxFillGap:        6 * time.Hour,
		FreshnessHalfLife: 12 * time.Hour,
		TrimZThreshold:    2.5,
		BaseVariance:      1,
		ProcessNoise:      0.05,
		MeasurementNoise:  1,
		IDWPower:          2,
	}
}

func (c Config) withDefaults() Config {
	if c.Bucket <= 0 {
		c.Bucket = time.Hour
	}
	if c.MaxFillGap <= 0 {
		c.MaxFillGap = 6 * time.Hour
	}
	if c.FreshnessHalfLife <= 0 {
		c.FreshnessHalfLife = 12 * time.Hour
	}
	if c.TrimZThreshold <= 0 {
		c.TrimZThreshold = 2.5
	}
	if c.BaseVariance <= 0 {
		c.BaseVariance = 1
	}
	if c.IDWPower <= 0 {
		c.IDWPower = 2
	}
	return c
}

// ReliabilityFn reports the current rolling reliability for a source id.
type ReliabilityFn func(sourceID string) float64

// Engine combines raw observations for one (disease, region, window) into a
// fused estimate. All strategies are pure functions of their inputs; nothing
// here reads the wall clock or randomness.
type Engine struct {
	logger        *slog.Logger
	cfg           Config
	reliabilityFn ReliabilityFn
}

// NewEngine constructs a fusion engine. reliabilityFn may be nil, in which
// case every source weighs equally.
func NewEngine(logger *slog.Logger, cfg Config, reliabilityFn ReliabilityFn) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, cfg: cfg.withDefaults(), reliabilityFn: reliabilityFn}
}

// Bucket returns the configured fusion window width. Callers splitting a
// query timeframe into per-window observation sets align on this.
func (e *Engine) Bucket() time.Duration {
	return e.cfg.Bucket
}

// Fuse reconciles the observations into one estimate, or returns nil (with a
// nil error) when the composite quality falls below qualityThreshold: the
// caller must treat that as "no confident estimate", never substitute one.
func (e *Engine) Fuse(observations []models.RawObservation, strategy models.FusionStrategy, qualityThreshold float64) (*models.FusedEstimate, error) {
	if len(observations) == 0 {
		return nil, nil
	}
	if strategy == "" {
		strategy = models.StrategyEnsembleFusion
	}

	diseaseID := observations[0].DiseaseID
	region := observations[0].Region
	for _, obs := range observations[1:] {
		if obs.DiseaseID != diseaseID || obs.Region != region {
			return nil, fmt.Errorf("observations span multiple streams (%s/%s vs %s/%s)",
				diseaseID, region, obs.DiseaseID, obs.Region)
		}
	}

	windowStart, windowEnd := e.window(observations)
	samples := e.harmonize(observations, windowEnd)
	if len(samples) == 0 {
		return nil, nil
	}

	var (
		result   fused
		kept     = samples
		outliers = map[string]bool{}
	)

	switch strategy {
	case models.StrategyWeightedAverage:
		result = weightedAverage(samples)
	case models.StrategyBayesianFusion:
		result = bayesianFusion(samples, e.cfg.BaseVariance)
	case models.StrategyKalmanFilter:
		result = kalmanFilter(samples, e.cfg.ProcessNoise, e.cfg.MeasurementNoise)
	case models.StrategyEnsembleFusion:
		kept, outliers = trimOutliers(samples, e.cfg.TrimZThreshold)
		wa := weightedAverage(kept)
		bayes := bayesianFusion(kept, e.cfg.BaseVariance)
		trimmed := plainMean(kept)
		result = fused{
			value:       median3(wa.value, bayes.value, trimmed.value),
			uncertainty: math.Max(bayes.uncertainty, trimmed.uncertainty),
		}
	case models.StrategySpatialInterpolation:
		return nil, fmt.Errorf("spatial_interpolation only backfills missing regions: %w", models.ErrFusionStrategyUnsupported)
	default:
		return nil, fmt.Errorf("strategy %q: %w", strategy, models.ErrFusionStrategyUnsupported)
	}

	quality := e.qualityScore(kept)
	if quality < qualityThreshold {
		e.logger.Debug("estimate below quality threshold",
			slog.String("disease", diseaseID),
			slog.String("region", region),
			slog.Float64("quality", quality))
		return nil, nil
	}

	return &models.FusedEstimate{
		DiseaseID:     diseaseID,
		Region:        region,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		Value:         result.value,
		Uncertainty:   result.uncertainty,
		Contributions: contributions(samples, outliers, result.value),
		Strategy:      strategy,
		Quality:       quality,
	}, nil
}

// Interpolate backfills a missing region's estimate from neighboring regions
// via inverse-distance weighting. It never overrides a directly observed
// value; callers invoke it only for regions with no estimate of their own.
func (e *Engine) Interpolate(diseaseID, region string, neighbors []models.FusedEstimate) (*models.FusedEstimate, error) {
	target, ok := e.cfg.RegionCoords[region]
	if !ok {
		return nil, fmt.Errorf("no coordinates configured for region %q", region)
	}

	totalWeight := 0.0
	weighted := 0.0
	minQuality := 1.0
	var windowStart, windowEnd time.Time
	used := 0
	for _, n := range neighbors {
		if n.DiseaseID != diseaseID || n.Region == region || n.Interpolated {
			continue
		}
		coord, ok := e.cfg.RegionCoords[n.Region]
		if !ok {
			continue
		}
		d := distance(target, coord)
		if d == 0 {
			d = 1e-6
		}
		w := 1 / math.Pow(d, e.cfg.IDWPower)
		weighted += w * n.Value
		totalWeight += w
		if n.Quality < minQuality {
			minQuality = n.Quality
		}
		windowStart, windowEnd = n.WindowStart, n.WindowEnd
		used++
	}
	if used == 0 {
		return nil, fmt.Errorf("no usable neighbors for region %q", region)
	}

	return &models.FusedEstimate{
		DiseaseID:    diseaseID,
		Region:       region,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		Value:        weighted / totalWeight,
		Uncertainty:  math.Abs(weighted/totalWeight) * 0.5,
		Strategy:     models.StrategySpatialInterpolation,
		Quality:      minQuality * 0.5,
		Interpolated: true,
	}, nil
}

// window derives the time bucket from the newest observation, so the same
// observation set always lands in the same window.
func (e *Engine) window(observations []models.RawObservation) (time.Time, time.Time) {
	latest := observations[0].Timestamp
	for _, obs := range observations[1:] {
		if obs.Timestamp.After(latest) {
			latest = obs.Timestamp
		}
	}
	return utils.WindowFor(latest, e.cfg.Bucket)
}

// qualityScore blends source count, inter-source agreement (inverse spread)
// and timeliness into one composite in [0, 1].
func (e *Engine) qualityScore(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}

	countScore := float64(len(samples)) / 3
	if countScore > 1 {
		countScore = 1
	}

	values := make([]float64, len(samples))
	freshTotal := 0.0
	for i, s := range samples {
		values[i] = s.value
		freshTotal += s.freshness
	}
	mean, std := meanStdValues(values)
	agreement := 1.0
	if mean != 0 {
		agreement = 1 / (1 + std/math.Abs(mean))
	} else if std > 0 {
		agreement = 1 / (1 + std)
	}
	timeliness := freshTotal / float64(len(samples))

	return 0.35*countScore + 0.40*agreement + 0.25*timeliness
}

func contributions(samples []sample, outliers map[string]bool, estimate float64) []models.SourceContribution {
	out := make([]models.SourceContribution, 0, len(samples))
	totalWeight := 0.0
	for _, s := range samples {
		if !outliers[s.sourceID] {
			totalWeight += s.reliability * s.freshness
		}
	}
	for _, s := range samples {
		weight := 0.0
		if !outliers[s.sourceID] && totalWeight > 0 {
			weight = s.reliability * s.freshness / totalWeight
		}
		out = append(out, models.SourceContribution{
			SourceID: s.sourceID,
			Value:    s.value,
			Weight:   weight,
			Residual: s.value - estimate,
			Outlier:  outliers[s.sourceID],
		})
	}
	return out
}

func distance(a, b Coord) float64 {
	dLat := a.Lat - b.Lat
	dLon := (a.Lon - b.Lon) * math.Cos((a.Lat+b.Lat)*math.Pi/360)
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

package detection

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// streamState carries the per-stream detector instances and evaluation
// cursor between calls. Evaluation is incremental: each call only consumes
// estimates appended since the previous one.
type streamState struct {
	detectors []Detector
	next      int
	inAlert   bool
	runStart  int
	lastEval  time.Time
	emitted   int
}

// Engine runs the detection algorithms over fused time series and applies
// the N-of-M consensus rule before emitting alerts.
type Engine struct {
	logger     *slog.Logger
	thresholds *Thresholds

	mu     sync.Mutex
	states map[models.StreamKey]*streamState
}

func NewEngine(logger *slog.Logger, thresholds *Thresholds) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Engine{
		logger:     logger,
		thresholds: thresholds,
		states:     make(map[models.StreamKey]*streamState),
	}
}

// validAlgorithms rejects unknown algorithm names up front so a bad request
// fails before any detector state is touched.
func validAlgorithms(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("no algorithms requested: %w", models.ErrAlgorithmConfigInvalid)
	}
	for _, name := range names {
		switch name {
		case AlgorithmCUSUM, AlgorithmEWMA, AlgorithmFarrington, AlgorithmMLAnomaly, AlgorithmSpatialScan:
		default:
			return fmt.Errorf("unknown algorithm %q: %w", name, models.ErrAlgorithmConfigInvalid)
		}
	}
	return nil
}

// Detect evaluates the given streams with the requested algorithms and
// returns any alerts whose consensus was newly reached this cycle. Streams
// already seen keep their detector state; new estimates are folded in
// incrementally.
func (e *Engine) Detect(streams []models.TimeSeriesStream, algorithms []string, sensitivity models.Sensitivity, minConsensus int) ([]models.OutbreakAlert, error) {
	if err := validAlgorithms(algorithms); err != nil {
		return nil, err
	}
	params := e.thresholds.For(sensitivity).withDefaults()

	perStream, withScan := splitAlgorithms(algorithms)
	if minConsensus <= 0 {
		minConsensus = 2
	}
	total := len(perStream)
	if withScan {
		total++
	}
	if minConsensus > total {
		minConsensus = total
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	var alerts []models.OutbreakAlert

	// The scan compares the latest value of every stream against the
	// cross-stream expectation, so it is computed once per cycle.
	scanHit, scanOK := e.runScan(streams, withScan, params)

	for _, stream := range streams {
		state, err := e.ensureState(stream.Key, perStream, params)
		if err != nil {
			return nil, err
		}
		if state.next >= len(stream.Estimates) {
			state.lastEval = now
			continue
		}

		var finalResults []models.AlgorithmScore
		consensusAt := -1
		newRun := false
		for i := state.next; i < len(stream.Estimates); i++ {
			est := stream.Estimates[i]
			alerting := 0
			results := make([]models.AlgorithmScore, 0, total)
			for _, det := range state.detectors {
				r := det.Update(est)
				if r.Alerting {
					alerting++
				}
				results = append(results, models.AlgorithmScore{
					Algorithm: det.Name(),
					Score:     r.Score,
					Threshold: r.Threshold,
				})
			}
			if withScan && i == len(stream.Estimates)-1 {
				r := scanResult(stream.Key.Region, scanHit, scanOK, params)
				if r.Alerting {
					alerting++
				}
				results = append(results, models.AlgorithmScore{
					Algorithm: AlgorithmSpatialScan,
					Score:     r.Score,
					Threshold: r.Threshold,
				})
			}
			met := alerting >= minConsensus
			if met && !state.inAlert {
				state.runStart = i
				newRun = true
			}
			if met {
				consensusAt = i
				finalResults = results
			}
			state.inAlert = met
		}
		state.next = len(stream.Estimates)
		state.lastEval = now

		// One alert per consensus run: while the run persists across
		// cycles no duplicate is raised until the stream drops below
		// consensus and crosses it again.
		if consensusAt != len(stream.Estimates)-1 || !newRun {
			continue
		}
		alert := e.buildAlert(stream, state, finalResults, now)
		state.emitted++
		alerts = append(alerts, alert)
	}

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].DiseaseID != alerts[j].DiseaseID {
			return alerts[i].DiseaseID < alerts[j].DiseaseID
		}
		return alerts[i].Region < alerts[j].Region
	})
	return alerts, nil
}

func splitAlgorithms(names []string) (perStream []string, withScan bool) {
	for _, name := range names {
		if name == AlgorithmSpatialScan {
			withScan = true
			continue
		}
		perStream = append(perStream, name)
	}
	return perStream, withScan
}

func (e *Engine) ensureState(key models.StreamKey, algorithms []string, params AlgorithmParams) (*streamState, error) {
	if state, ok := e.states[key]; ok {
		return state, nil
	}
	state := &streamState{}
	for _, name := range algorithms {
		det, err := newDetector(name, params)
		if err != nil {
			return nil, err
		}
		state.detectors = append(state.detectors, det)
	}
	e.states[key] = state
	return state, nil
}

// runScan builds per-region observed/expected totals over the latest values
// and the per-stream historical means, then scans for a single excess zone.
func (e *Engine) runScan(streams []models.TimeSeriesStream, enabled bool, params AlgorithmParams) (scanZone, bool) {
	if !enabled || len(streams) < 2 {
		return scanZone{}, false
	}
	observed := make(map[string]float64, len(streams))
	expected := make(map[string]float64, len(streams))
	for _, stream := range streams {
		n := len(stream.Estimates)
		if n == 0 {
			continue
		}
		observed[stream.Key.Region] += stream.Estimates[n-1].Value
		history := stream.Estimates
		if n > 1 {
			history = history[:n-1]
		}
		sum := 0.0
		for _, est := range history {
			sum += est.Value
		}
		expected[stream.Key.Region] += sum / float64(len(history))
	}
	return scanRegions(observed, expected, params.ScanLLRThreshold)
}

func scanResult(region string, hit scanZone, ok bool, params AlgorithmParams) Result {
	if !ok || hit.Region != region {
		return Result{Score: 0, Threshold: params.ScanLLRThreshold, Alerting: false}
	}
	return Result{Score: hit.LLR, Threshold: params.ScanLLRThreshold, Alerting: true}
}

func (e *Engine) buildAlert(stream models.TimeSeriesStream, state *streamState, scores []models.AlgorithmScore, now time.Time) models.OutbreakAlert {
	last := len(stream.Estimates) - 1
	evidence := models.EvidenceWindow{
		Start: stream.Estimates[state.runStart].WindowStart,
		End:   stream.Estimates[last].WindowEnd,
	}
	alert := models.OutbreakAlert{
		ID:         uuid.NewString(),
		DiseaseID:  stream.Key.DiseaseID,
		Region:     stream.Key.Region,
		Severity:   severityFor(scores),
		Scores:     scores,
		Evidence:   evidence,
		Status:     models.AlertStatusOpen,
		Trend:      annotateTrend(stream.Values()),
		DetectedAt: now,
	}
	e.logger.Warn("outbreak alert emitted",
		"alert_id", alert.ID,
		"disease", alert.DiseaseID,
		"region", alert.Region,
		"severity", alert.Severity,
	)
	return alert
}

// severityFor maps the mean score-over-threshold exceedance of the alerting
// algorithms into the severity ladder.
func severityFor(scores []models.AlgorithmScore) models.Severity {
	sum := 0.0
	n := 0
	for _, s := range scores {
		if s.Threshold <= 0 || s.Score < s.Threshold {
			continue
		}
		sum += s.Score / s.Threshold
		n++
	}
	if n == 0 {
		return models.SeverityLow
	}
	switch ratio := sum / float64(n); {
	case ratio >= 3:
		return models.SeverityCritical
	case ratio >= 2:
		return models.SeverityHigh
	case ratio >= 1.2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ResetStream drops detector state for one stream.
func (e *Engine) ResetStream(key models.StreamKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, key)
}

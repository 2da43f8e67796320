package detection

import (
	"errors"
	"testing"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

func buildStream(key models.StreamKey, values []float64) models.TimeSeriesStream {
	stream := models.TimeSeriesStream{Key: key}
	for i, v := range values {
		est := estimateAt(i, v)
		est.DiseaseID = key.DiseaseID
		est.Region = key.Region
		stream = stream.Append(est)
	}
	return stream
}

func TestDetectRejectsUnknownAlgorithm(t *testing.T) {
	eng := NewEngine(nil, nil)
	key := models.StreamKey{DiseaseID: "influenza", Region: "US-CA"}
	stream := buildStream(key, warmupValues(10))
	_, err := eng.Detect([]models.TimeSeriesStream{stream}, []string{"cusum", "neural_net"}, models.SensitivityMedium, 2)
	if !errors.Is(err, models.ErrAlgorithmConfigInvalid) {
		t.Fatalf("got %v, want ErrAlgorithmConfigInvalid", err)
	}
}

func TestDetectConsensusEmitsSingleAlert(t *testing.T) {
	thresholds := DefaultThresholds()
	thresholds.levels[models.SensitivityMedium] = testParams()
	eng := NewEngine(nil, thresholds)
	key := models.StreamKey{DiseaseID: "influenza", Region: "US-CA"}
	algorithms := []string{AlgorithmCUSUM, AlgorithmEWMA}

	values := append(warmupValues(10), 20, 20, 20)
	stream := buildStream(key, values)
	alerts, err := eng.Detect([]models.TimeSeriesStream{stream}, algorithms, models.SensitivityMedium, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	alert := alerts[0]
	if alert.DiseaseID != "influenza" || alert.Region != "US-CA" {
		t.Fatalf("alert for %s/%s", alert.DiseaseID, alert.Region)
	}
	if alert.Status != models.AlertStatusOpen {
		t.Fatalf("status %s, want open", alert.Status)
	}
	if len(alert.Scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(alert.Scores))
	}
	if alert.ID == "" {
		t.Fatal("alert without ID")
	}
	// Evidence must start at the first point of the consensus run, which is
	// the first shifted value.
	wantStart := stream.Estimates[10].WindowStart
	if !alert.Evidence.Start.Equal(wantStart) {
		t.Fatalf("evidence start %v, want %v", alert.Evidence.Start, wantStart)
	}
	if alert.Trend == nil || alert.Trend.Direction != "rising" {
		t.Fatal("expected rising trend annotation")
	}

	// Re-evaluating without new estimates must not duplicate the alert.
	again, err := eng.Detect([]models.TimeSeriesStream{stream}, algorithms, models.SensitivityMedium, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("duplicate alerts on unchanged stream: %d", len(again))
	}

	// A return to baseline clears the run; a fresh excursion alerts again.
	stream = stream.Append(estimateAt(13, 10))
	calm, err := eng.Detect([]models.TimeSeriesStream{stream}, algorithms, models.SensitivityMedium, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(calm) != 0 {
		t.Fatalf("alert on return to baseline: %d", len(calm))
	}

	stream = stream.Append(estimateAt(14, 20))
	renewed, err := eng.Detect([]models.TimeSeriesStream{stream}, algorithms, models.SensitivityMedium, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(renewed) != 1 {
		t.Fatalf("got %d alerts on renewed excursion, want 1", len(renewed))
	}
}

func TestDetectSpatialScanAcrossStreams(t *testing.T) {
	thresholds := DefaultThresholds()
	thresholds.levels[models.SensitivityMedium] = testParams()
	eng := NewEngine(nil, thresholds)
	algorithms := []string{AlgorithmCUSUM, AlgorithmSpatialScan}

	baseline := warmupValues(10)
	hotKey := models.StreamKey{DiseaseID: "influenza", Region: "US-CA"}
	hot := buildStream(hotKey, append(append([]float64(nil), baseline...), 50))
	cold1 := buildStream(models.StreamKey{DiseaseID: "influenza", Region: "US-NY"}, append(append([]float64(nil), baseline...), 10))
	cold2 := buildStream(models.StreamKey{DiseaseID: "influenza", Region: "US-TX"}, append(append([]float64(nil), baseline...), 10))

	alerts, err := eng.Detect([]models.TimeSeriesStream{hot, cold1, cold2}, algorithms, models.SensitivityMedium, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Region != "US-CA" {
		t.Fatalf("alert region %s, want US-CA", alerts[0].Region)
	}
	var scanScore *models.AlgorithmScore
	for i := range alerts[0].Scores {
		if alerts[0].Scores[i].Algorithm == AlgorithmSpatialScan {
			scanScore = &alerts[0].Scores[i]
		}
	}
	if scanScore == nil || scanScore.Score <= scanScore.Threshold {
		t.Fatalf("spatial scan did not contribute: %+v", alerts[0].Scores)
	}
}

func TestSeverityLadder(t *testing.T) {
	mk := func(ratio float64) []models.AlgorithmScore {
		return []models.AlgorithmScore{{Algorithm: AlgorithmCUSUM, Score: ratio * 4, Threshold: 4}}
	}
	cases := []struct {
		ratio float64
		want  models.Severity
	}{
		{3.5, models.SeverityCritical},
		{2.2, models.SeverityHigh},
		{1.5, models.SeverityMedium},
		{1.05, models.SeverityLow},
	}
	for _, tc := range cases {
		if got := severityFor(mk(tc.ratio)); got != tc.want {
			t.Errorf("ratio %.2f: severity %s, want %s", tc.ratio, got, tc.want)
		}
	}
	if got := severityFor(nil); got != models.SeverityLow {
		t.Errorf("empty scores: severity %s, want low", got)
	}
}

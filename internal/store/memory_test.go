package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

func estimate(disease, region string, start time.Time, value float64) models.FusedEstimate {
	return models.FusedEstimate{
		DiseaseID:   disease,
		Region:      region,
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
		Value:       value,
		Strategy:    models.StrategyWeightedAverage,
		Quality:     0.9,
	}
}

func TestMemoryStoreStreamOrderAndSupersede(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	key := models.StreamKey{DiseaseID: "influenza", Region: "US-CA"}

	// Out-of-order append still yields an ordered stream.
	for _, i := range []int{2, 0, 1} {
		if err := s.AppendEstimate(ctx, estimate(key.DiseaseID, key.Region, t0.Add(time.Duration(i)*time.Hour), float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	stream, err := s.Stream(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got := stream.Values(); len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("stream values %v, want [0 1 2]", got)
	}

	// Re-appending a window supersedes the stored estimate.
	if err := s.AppendEstimate(ctx, estimate(key.DiseaseID, key.Region, t0.Add(time.Hour), 42)); err != nil {
		t.Fatal(err)
	}
	stream, _ = s.Stream(ctx, key)
	if got := stream.Values(); len(got) != 3 || got[1] != 42 {
		t.Fatalf("superseded values %v", got)
	}

	if _, err := s.Stream(ctx, models.StreamKey{DiseaseID: "measles", Region: "US-CA"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreStreamKeysSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, pair := range [][2]string{{"measles", "US-NY"}, {"influenza", "US-TX"}, {"influenza", "US-CA"}} {
		if err := s.AppendEstimate(ctx, estimate(pair[0], pair[1], t0, 1)); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.StreamKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []models.StreamKey{
		{DiseaseID: "influenza", Region: "US-CA"},
		{DiseaseID: "influenza", Region: "US-TX"},
		{DiseaseID: "measles", Region: "US-NY"},
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key[%d] = %v, want %v", i, keys[i], want[i])
		}
	}
}

func TestMemoryStoreAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	alert := models.OutbreakAlert{
		ID:         "a-1",
		DiseaseID:  "influenza",
		Region:     "US-CA",
		Severity:   models.SeverityHigh,
		Status:     models.AlertStatusOpen,
		DetectedAt: time.Now().UTC(),
	}
	if err := s.SaveAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}

	open, err := s.ListAlerts(ctx, models.AlertStatusOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "a-1" {
		t.Fatalf("open alerts %v", open)
	}

	if err := s.UpdateAlertStatus(ctx, "a-1", models.AlertStatusAcknowledged); err != nil {
		t.Fatal(err)
	}
	got, err := s.Alert(ctx, "a-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.AlertStatusAcknowledged {
		t.Fatalf("status %s, want acknowledged", got.Status)
	}

	open, _ = s.ListAlerts(ctx, models.AlertStatusOpen)
	if len(open) != 0 {
		t.Fatalf("acknowledged alert still listed as open: %v", open)
	}

	if err := s.UpdateAlertStatus(ctx, "nope", models.AlertStatusResolved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

package detection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

func TestThresholdsSensitivityLadder(t *testing.T) {
	th := DefaultThresholds()
	low := th.For(models.SensitivityLow)
	high := th.For(models.SensitivityHigh)
	if low.CUSUMH <= high.CUSUMH {
		t.Fatalf("low sensitivity CUSUM limit %f should exceed high %f", low.CUSUMH, high.CUSUMH)
	}
	if low.ScanLLRThreshold <= high.ScanLLRThreshold {
		t.Fatal("low sensitivity scan threshold should exceed high")
	}

	// Unknown levels fall back to medium.
	fallback := th.For(models.Sensitivity("paranoid"))
	if fallback != th.For(models.SensitivityMedium) {
		t.Fatal("unknown sensitivity should fall back to medium")
	}
}

func TestLoadThresholdsOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	pack := []byte("levels:\n  high:\n    cusum_h: 2.5\n    ewma_l: 2.0\n")
	if err := os.WriteFile(path, pack, 0o644); err != nil {
		t.Fatal(err)
	}

	th, err := LoadThresholds(path)
	if err != nil {
		t.Fatal(err)
	}
	high := th.For(models.SensitivityHigh)
	if high.CUSUMH != 2.5 {
		t.Fatalf("overridden CUSUM limit %f, want 2.5", high.CUSUMH)
	}
	if high.EWMAL != 2.0 {
		t.Fatalf("overridden EWMA limit %f, want 2.0", high.EWMAL)
	}
	// Untouched fields keep their defaults.
	if high.BaselineWindow != defaultParams[models.SensitivityHigh].BaselineWindow {
		t.Fatal("unset field lost its default")
	}
}

func TestLoadThresholdsRejectsUnknownLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte("levels:\n  extreme:\n    cusum_h: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadThresholds(path); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

package detection

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// AlgorithmParams holds the tunables for every per-stream detector plus the
// cross-stream spatial scan. Zero values are filled by withDefaults.
type AlgorithmParams struct {
	BaselineWindow int `yaml:"baseline_window"`

	CUSUMK float64 `yaml:"cusum_k"`
	CUSUMH float64 `yaml:"cusum_h"`

	EWMALambda float64 `yaml:"ewma_lambda"`
	EWMAL      float64 `yaml:"ewma_l"`

	FarringtonSeason int     `yaml:"farrington_season"`
	FarringtonZ      float64 `yaml:"farrington_z"`

	MLWindow        int     `yaml:"ml_window"`
	MLContamination float64 `yaml:"ml_contamination"`

	ScanLLRThreshold float64 `yaml:"scan_llr_threshold"`
}

func (p AlgorithmParams) withDefaults() AlgorithmParams {
	d := defaultParams[models.SensitivityMedium]
	if p.BaselineWindow == 0 {
		p.BaselineWindow = d.BaselineWindow
	}
	if p.CUSUMK == 0 {
		p.CUSUMK = d.CUSUMK
	}
	if p.CUSUMH == 0 {
		p.CUSUMH = d.CUSUMH
	}
	if p.EWMALambda == 0 {
		p.EWMALambda = d.EWMALambda
	}
	if p.EWMAL == 0 {
		p.EWMAL = d.EWMAL
	}
	if p.FarringtonSeason == 0 {
		p.FarringtonSeason = d.FarringtonSeason
	}
	if p.FarringtonZ == 0 {
		p.FarringtonZ = d.FarringtonZ
	}
	if p.MLWindow == 0 {
		p.MLWindow = d.MLWindow
	}
	if p.MLContamination == 0 {
		p.MLContamination = d.MLContamination
	}
	if p.ScanLLRThreshold == 0 {
		p.ScanLLRThreshold = d.ScanLLRThreshold
	}
	return p
}

// defaultParams maps alert sensitivity to detector tunables. Higher
// sensitivity lowers thresholds, so alerts fire earlier at the cost of more
// false positives.
var defaultParams = map[models.Sensitivity]AlgorithmParams{
	models.SensitivityLow: {
		BaselineWindow:   14,
		CUSUMK:           0.5,
		CUSUMH:           6.0,
		EWMALambda:       0.2,
		EWMAL:            3.5,
		FarringtonSeason: 52,
		FarringtonZ:      3.0,
		MLWindow:         32,
		MLContamination:  0.05,
		ScanLLRThreshold: 8.0,
	},
	models.SensitivityMedium: {
		BaselineWindow:   10,
		CUSUMK:           0.5,
		CUSUMH:           4.0,
		EWMALambda:       0.3,
		EWMAL:            3.0,
		FarringtonSeason: 52,
		FarringtonZ:      2.58,
		MLWindow:         24,
		MLContamination:  0.1,
		ScanLLRThreshold: 6.0,
	},
	models.SensitivityHigh: {
		BaselineWindow:   8,
		CUSUMK:           0.4,
		CUSUMH:           3.0,
		EWMALambda:       0.4,
		EWMAL:            2.5,
		FarringtonSeason: 52,
		FarringtonZ:      2.0,
		MLWindow:         16,
		MLContamination:  0.15,
		ScanLLRThreshold: 4.0,
	},
}

// Thresholds resolves detector tunables per sensitivity level, with optional
// operator overrides loaded from a YAML pack.
type Thresholds struct {
	levels map[models.Sensitivity]AlgorithmParams
}

// DefaultThresholds returns the built-in sensitivity ladder.
func DefaultThresholds() *Thresholds {
	levels := make(map[models.Sensitivity]AlgorithmParams, len(defaultParams))
	for s, p := range defaultParams {
		levels[s] = p
	}
	return &Thresholds{levels: levels}
}

// For returns the params for the given sensitivity, falling back to medium
// for unknown levels.
func (t *Thresholds) For(s models.Sensitivity) AlgorithmParams {
	if p, ok := t.levels[s]; ok {
		return p
	}
	return t.levels[models.SensitivityMedium]
}

type thresholdPack struct {
	Levels map[string]AlgorithmParams `yaml:"levels"`
}

// LoadThresholds reads a YAML threshold pack and overlays it on the
// defaults. Unset fields in the pack keep their default values.
func LoadThresholds(path string) (*Thresholds, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threshold pack: %w", err)
	}
	var pack thresholdPack
	if err := yaml.Unmarshal(raw, &pack); err != nil {
		return nil, fmt.Errorf("parse threshold pack %s: %w", path, err)
	}
	t := DefaultThresholds()
	for name, p := range pack.Levels {
		s := models.Sensitivity(name)
		if _, ok := t.levels[s]; !ok {
			return nil, fmt.Errorf("threshold pack level %q: %w", name, models.ErrAlgorithmConfigInvalid)
		}
		base := t.levels[s]
		merged := overlayParams(base, p)
		t.levels[s] = merged
	}
	return t, nil
}

func overlayParams(base, over AlgorithmParams) AlgorithmParams {
	if over.BaselineWindow != 0 {
		base.BaselineWindow = over.BaselineWindow
	}
	if over.CUSUMK != 0 {
		base.CUSUMK = over.CUSUMK
	}
	if over.CUSUMH != 0 {
		base.CUSUMH = over.CUSUMH
	}
	if over.EWMALambda != 0 {
		base.EWMALambda = over.EWMALambda
	}
	if over.EWMAL != 0 {
		base.EWMAL = over.EWMAL
	}
	if over.FarringtonSeason != 0 {
		base.FarringtonSeason = over.FarringtonSeason
	}
	if over.FarringtonZ != 0 {
		base.FarringtonZ = over.FarringtonZ
	}
	if over.MLWindow != 0 {
		base.MLWindow = over.MLWindow
	}
	if over.MLContamination != 0 {
		base.MLContamination = over.MLContamination
	}
	if over.ScanLLRThreshold != 0 {
		base.ScanLLRThreshold = over.ScanLLRThreshold
	}
	return base
}

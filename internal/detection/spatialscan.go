package detection

import (
	"math"
	"sort"
)

// scanZone is one candidate cluster evaluated by the spatial scan.
type scanZone struct {
	Region   string
	Observed float64
	Expected float64
	LLR      float64
}

// scanRegions runs a Kulldorff-style likelihood-ratio scan of per-region
// counts against a Poisson null model built from the expected counts. It
// returns the single most anomalous region whose log-likelihood ratio
// exceeds the threshold, or ok=false when nothing is statistically
// excessive (a uniform case density yields no cluster).
func scanRegions(observed, expected map[string]float64, llrThreshold float64) (scanZone, bool) {
	totalObs := 0.0
	totalExp := 0.0
	regions := make([]string, 0, len(observed))
	for region, c := range observed {
		e, ok := expected[region]
		if !ok || e <= 0 {
			continue
		}
		totalObs += c
		totalExp += e
		regions = append(regions, region)
	}
	if totalObs == 0 || totalExp == 0 || len(regions) < 2 {
		return scanZone{}, false
	}
	sort.Strings(regions)

	best := scanZone{}
	for _, region := range regions {
		c := observed[region]
		e := expected[region] * totalObs / totalExp // rescale null to the observed total
		if c <= e {
			continue
		}
		llr := poissonLLR(c, e, totalObs)
		if llr > best.LLR {
			best = scanZone{Region: region, Observed: c, Expected: e, LLR: llr}
		}
	}

	if best.Region == "" || best.LLR < llrThreshold {
		return scanZone{}, false
	}
	return best, true
}

// poissonLLR is the log-likelihood ratio of the one-zone Poisson cluster
// model against the uniform null.
func poissonLLR(c, e, total float64) float64 {
	inside := c * math.Log(c/e)
	rest := total - c
	restExp := total - e
	if rest > 0 && restExp > 0 {
		inside += rest * math.Log(rest/restExp)
	}
	return inside
}

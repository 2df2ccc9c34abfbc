package drift

import (
	"math"
	"sort"
)

// AnomalyNote describes a single-metric spike relative to the rolling
// window, independent of the aggregate drift score.
type AnomalyNote struct {
	Metric       string  `json:"metric"`
	Delta        float64 `json:"delta"`
	Threshold    float64 `json:"threshold"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"stddev"`
	CurrentValue float64 `json:"current_value"`
}

func round10(f float64) float64 {
	return math.Round(f*1e10) / 1e10
}

// driftScore computes the weighted normalized drift of metrics against
// baseline. Explicit weights win; otherwise every ping metric gets equal
// weight. A metric without a baseline contributes nothing to either side
// of the division. Per-metric delta is capped at 1.0.
func driftScore(metrics, baseline, weights map[string]float64) float64 {
	if len(metrics) == 0 || len(baseline) == 0 {
		return 0
	}

	effective := weights
	if len(effective) == 0 {
		effective = make(map[string]float64, len(metrics))
		equal := 1.0 / float64(len(metrics))
		for name := range metrics {
			effective[name] = equal
		}
	}

	var weighted, totalWeight float64
	for name, weight := range effective {
		current, ok := metrics[name]
		if !ok {
			continue
		}
		base, ok := baseline[name]
		if !ok {
			continue
		}
		var delta float64
		if base == 0 {
			delta = math.Abs(current)
		} else {
			delta = math.Abs(current-base) / math.Abs(base)
		}
		if delta > 1.0 {
			delta = 1.0
		}
		weighted += delta * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}
	return round10(weighted / totalWeight)
}

// detectSpikes flags metrics whose current value sits more than
// sensitivity standard deviations from the window mean. A cold window
// (fewer than 3 snapshots) yields no anomalies; so does a metric with
// fewer than 3 historical values or zero variance.
func detectSpikes(metrics map[string]float64, history []map[string]float64, sensitivity float64) []AnomalyNote {
	if len(history) < 3 {
		return nil
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var notes []AnomalyNote
	for _, name := range names {
		var values []float64
		for _, snap := range history {
			if v, ok := snap[name]; ok {
				values = append(values, v)
			}
		}
		if len(values) < 3 {
			continue
		}
		mean := 0.0
		for _, v := range values {
			mean += v
		}
		mean /= float64(len(values))

		variance := 0.0
		for _, v := range values {
			d := v - mean
			variance += d * d
		}
		stddev := math.Sqrt(variance / float64(len(values)))
		if stddev == 0 {
			continue
		}

		current := metrics[name]
		delta := math.Abs(current-mean) / stddev
		if delta > sensitivity {
			notes = append(notes, AnomalyNote{
				Metric:       name,
				Delta:        round10(delta),
				Threshold:    sensitivity,
				Mean:         round10(mean),
				StdDev:       round10(stddev),
				CurrentValue: current,
			})
		}
	}
	return notes
}

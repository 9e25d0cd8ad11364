package service

import (
	"context"
	"math"
	"sort"
)

// latencySampleWindow bounds how many recent trades feed the percentiles.
const latencySampleWindow = 5000

// PercentileSet summarizes one latency distribution.
type PercentileSet struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// LatencyStats carries the detection, execution, and end-to-end latency
// distributions for the dashboard.
type LatencyStats struct {
	Samples   int           `json:"samples"`
	Detection PercentileSet `json:"detection"`
	Execution PercentileSet `json:"execution"`
	Total     PercentileSet `json:"total"`
}

// LatencyStats computes percentile summaries over the most recent trades.
func (s *Service) LatencyStats(ctx context.Context) (*LatencyStats, error) {
	samples, err := s.store.LatencySamples(ctx, latencySampleWindow)
	if err != nil {
		return nil, err
	}

	stats := &LatencyStats{Samples: len(samples)}
	if len(samples) == 0 {
		return stats, nil
	}

	detection := make([]float64, len(samples))
	execution := make([]float64, len(samples))
	total := make([]float64, len(samples))
	for i, sample := range samples {
		detection[i] = sample.DetectionMs
		execution[i] = sample.ExecutionMs
		total[i] = sample.TotalMs
	}

	stats.Detection = summarize(detection)
	stats.Execution = summarize(execution)
	stats.Total = summarize(total)
	return stats, nil
}

// summarize sorts in place and reads the percentile cut points.
func summarize(values []float64) PercentileSet {
	sort.Float64s(values)

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return PercentileSet{
		P50: percentile(values, 0.50),
		P90: percentile(values, 0.90),
		P99: percentile(values, 0.99),
		Avg: sum / float64(len(values)),
		Max: values[len(values)-1],
	}
}

// percentile uses the nearest-rank method on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

package sim

import (
	"time"

	"polymarket-papertrader/models"
)

// Record derives the latency numbers for one processed event from its four
// pipeline timestamps. Pure computation.
//
// Detection delay is detected - onchain. The two timestamps come from
// different clocks (chain vs our host), so a negative difference is
// possible; it is clamped to zero and flagged instead of being reported
// negative. Execution delay is the book fetch round-trip.
func Record(onchainAt, detectedAt, requestedAt, respondedAt time.Time) models.LatencyRecord {
	rec := models.LatencyRecord{
		OnchainAt:   onchainAt,
		DetectedAt:  detectedAt,
		RequestedAt: requestedAt,
		RespondedAt: respondedAt,
	}

	detection := detectedAt.Sub(onchainAt)
	if detection < 0 {
		detection = 0
		rec.ClockSkew = true
	}
	execution := respondedAt.Sub(requestedAt)
	if execution < 0 {
		execution = 0
	}
	total := respondedAt.Sub(onchainAt)
	if total < 0 {
		total = 0
	}

	rec.DetectionDelayMs = durationMs(detection)
	rec.ExecutionDelayMs = durationMs(execution)
	rec.TotalDelayMs = durationMs(total)
	return rec
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

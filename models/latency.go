package models

import "time"

// LatencyRecord captures the four pipeline timestamps for one processed
// event and the delays derived from them. Attached 1:1 to a paper trade.
type LatencyRecord struct {
	OnchainAt   time.Time `json:"onchain_at"`
	DetectedAt  time.Time `json:"detected_at"`
	RequestedAt time.Time `json:"requested_at"` // book snapshot request
	RespondedAt time.Time `json:"responded_at"` // book snapshot response

	DetectionDelayMs float64 `json:"detection_delay_ms"` // detected - onchain, clamped >= 0
	ExecutionDelayMs float64 `json:"execution_delay_ms"` // responded - requested
	TotalDelayMs     float64 `json:"total_delay_ms"`     // responded - onchain

	// ClockSkew is set when detection preceded the on-chain timestamp,
	// which happens when the data sources disagree on time.
	ClockSkew bool `json:"clock_skew,omitempty"`
}

package models

import "time"

// PlaceholderQuestion marks a market row created before Gamma metadata
// arrived. The backfill worker replaces it.
const PlaceholderQuestion = "Unknown / Pending Metadata"

// Market is per-token market metadata plus resolution state.
type Market struct {
	TokenID        string   `json:"token_id"`
	ConditionID    string   `json:"condition_id"`
	Question       string   `json:"question"`
	Outcomes       []string `json:"outcomes"`    // e.g. ["Yes","No"]
	OutcomeIdx     int      `json:"outcome_idx"` // which outcome this token represents
	Slug           string   `json:"slug"`
	Category       string   `json:"category"`
	GroupItemTitle string   `json:"group_item_title"`
	Tags           []string `json:"tags"`

	Resolved       bool    `json:"resolved"`
	WinningOutcome int     `json:"winning_outcome"` // index into Outcomes
	PayoutValue    float64 `json:"payout_value"`    // per share for this token

	FirstSeen  time.Time `json:"first_seen"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// Poll scheduling for the resolution worker.
	NextResolutionCheck time.Time `json:"next_resolution_check,omitempty"`
	LastResolutionCheck time.Time `json:"last_resolution_check,omitempty"`
	ResolutionFailures  int       `json:"resolution_failures,omitempty"`
}

// NeedsMetadata reports whether the backfill worker should fill this row
func (m Market) NeedsMetadata() bool {
	return m.Question == "" || m.Question == PlaceholderQuestion
}

// Wallet is one tracked target wallet.
type Wallet struct {
	Address         string    `json:"address"`
	Alias           string    `json:"alias,omitempty"`
	Source          string    `json:"source"` // "manual" or "leaderboard:<category>"
	LeaderboardPnL  float64   `json:"leaderboard_pnl,omitempty"`
	LeaderboardVol  float64   `json:"leaderboard_vol,omitempty"`
	TrackingEnabled bool      `json:"tracking_enabled"`
	AddedAt         time.Time `json:"added_at"`
	EnabledAt       time.Time `json:"enabled_at,omitempty"`
	DisabledAt      time.Time `json:"disabled_at,omitempty"`
}

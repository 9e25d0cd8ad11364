package models

import "time"

// Side is the direction of a trade from the wallet's perspective
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two known values
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeEvent is one observed on-chain trade by a tracked wallet.
// Produced exactly once per transaction by the detector and immutable
// after that.
type TradeEvent struct {
	Wallet      string    `json:"wallet"`
	TokenID     string    `json:"token_id"`
	Side        Side      `json:"side"`
	Size        float64   `json:"size"`  // shares
	Price       float64   `json:"price"` // USDC per share
	CostUSD     float64   `json:"cost_usd"`
	TxHash      string    `json:"transaction_hash"`
	BlockNumber int64     `json:"block_number"`
	OnchainAt   time.Time `json:"onchain_at"`
	DetectedAt  time.Time `json:"detected_at"`
}

// FillID returns the replay-stable identifier used to deduplicate ledger
// applications of the paper fill derived from this event.
func (e TradeEvent) FillID() string {
	return e.TxHash + ":" + e.TokenID
}

// TargetTrade is the persisted form of a TradeEvent, keyed by the row id
// assigned on insert.
type TargetTrade struct {
	ID          int64     `json:"id"`
	Wallet      string    `json:"wallet"`
	TokenID     string    `json:"token_id"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber int64     `json:"block_number"`
	Side        Side      `json:"side"`
	Size        float64   `json:"size"`
	Price       float64   `json:"price"`
	CostUSD     float64   `json:"cost_usd"`
	OnchainAt   time.Time `json:"onchain_at"`
	DetectedAt  time.Time `json:"detected_at"`
	CreatedAt   time.Time `json:"created_at"`
}

package models

import (
	"math"
	"time"
)

// PositionEpsilon collapses dust: a net size within this of zero is zero.
const PositionEpsilon = 0.0001

// Position is the running aggregate for one outcome token. Mutated only by
// the ledger; everything else reads copies.
type Position struct {
	TokenID     string    `json:"token_id"`
	Size        float64   `json:"size"`       // net shares, signed
	CostBasis   float64   `json:"cost_basis"` // dollars paid for the open size
	RealizedPnL float64   `json:"realized_pnl"`
	Resolved    bool      `json:"resolved"`
	PayoutValue float64   `json:"payout_value,omitempty"` // per share, set at resolution
	UpdatedAt   time.Time `json:"updated_at"`
}

// AvgEntryPrice returns cost basis per share of the open size, 0 for flat
// positions.
func (p Position) AvgEntryPrice() float64 {
	if math.Abs(p.Size) < PositionEpsilon {
		return 0
	}
	return p.CostBasis / math.Abs(p.Size)
}

// Flat reports whether the net size is zero within tolerance
func (p Position) Flat() bool {
	return math.Abs(p.Size) < PositionEpsilon
}

// UnrealizedPnL marks the open size to the given mid price. Resolved and
// flat positions carry no unrealized PnL. Never persisted.
func (p Position) UnrealizedPnL(mid float64) float64 {
	if p.Resolved || p.Flat() {
		return 0
	}
	if p.Size > 0 {
		return (mid - p.AvgEntryPrice()) * p.Size
	}
	return (p.AvgEntryPrice() - mid) * -p.Size
}

// PositionUpdate reports what one ledger application did to a position.
type PositionUpdate struct {
	TokenID       string  `json:"token_id"`
	Size          float64 `json:"size"`
	CostBasis     float64 `json:"cost_basis"`
	RealizedPnL   float64 `json:"realized_pnl"`
	RealizedDelta float64 `json:"realized_delta"` // realized by this fill alone
	ClosedSize    float64 `json:"closed_size"`    // shares closed by this fill
}

package models

import "time"

// Completeness tags a simulated fill outcome. Every consumer must switch
// on all three states; a NONE fill is a distinct record, not a trade with
// zeroed fields.
type Completeness string

const (
	FillFull    Completeness = "FULL"
	FillPartial Completeness = "PARTIAL"
	FillNone    Completeness = "NONE"
)

// No-fill reasons that do not depend on book contents. Liquidity reasons
// are built per-fill with the amounts involved.
const (
	NoFillTimeout         = "timeout"
	NoFillBookUnavailable = "book unavailable"
)

// SimulatedFill is the outcome of walking one book snapshot for one
// requested size. Derived, never independently mutated.
type SimulatedFill struct {
	Completeness Completeness `json:"completeness"`
	Size         float64      `json:"size"`      // shares filled
	AvgPrice     float64      `json:"avg_price"` // cost / size, 0 when NONE
	CostUSD      float64      `json:"cost_usd"`
	Reason       string       `json:"reason,omitempty"` // set when not FULL
}

// PaperTrade is the persisted result of processing one target trade: either
// a simulated fill or a no-fill record (Size 0 with NoFillReason set).
type PaperTrade struct {
	ID            int64         `json:"id"`
	FillID        string        `json:"fill_id"` // txHash:tokenID, replay-stable
	TargetTradeID int64         `json:"target_trade_id"`
	RunID         string        `json:"run_id"`
	TokenID       string        `json:"token_id"`
	Side          Side          `json:"side"`
	Size          float64       `json:"size"`
	AvgPrice      float64       `json:"avg_price"`
	CostUSD       float64       `json:"cost_usd"`
	Slippage      float64       `json:"slippage"`       // positive = cost to the follower
	RealizedDelta float64       `json:"realized_delta"` // PnL realized by this fill alone
	Latency       LatencyRecord `json:"latency"`
	NoFillReason  string        `json:"no_fill_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Filled reports whether this record represents an actual simulated fill
func (p PaperTrade) Filled() bool {
	return p.NoFillReason == "" && p.Size > 0
}

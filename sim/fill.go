// Package sim holds the pure core of the paper trader: walking an order
// book snapshot to price a hypothetical fill, and deriving latency numbers
// from pipeline timestamps. Nothing here blocks or touches storage.
package sim

import (
	"fmt"

	"polymarket-papertrader/models"
)

// fillEpsilon absorbs floating-point residue when deciding whether a walk
// satisfied its full target.
const fillEpsilon = 1e-9

// SizeMode selects how a paper target size is expressed.
type SizeMode string

const (
	// SizeUnits mirrors the target's share count.
	SizeUnits SizeMode = "units"
	// SizeNotional spends a fixed dollar amount.
	SizeNotional SizeMode = "notional"
)

// Target is the requested paper size for one simulation.
type Target struct {
	Mode   SizeMode
	Amount float64 // shares for SizeUnits, dollars for SizeNotional
}

// Units builds a share-count target
func Units(shares float64) Target {
	return Target{Mode: SizeUnits, Amount: shares}
}

// Notional builds a dollar target
func Notional(usd float64) Target {
	return Target{Mode: SizeNotional, Amount: usd}
}

func (t Target) describe() string {
	if t.Mode == SizeNotional {
		return fmt.Sprintf("$%.2f", t.Amount)
	}
	return fmt.Sprintf("%.2f shares", t.Amount)
}

// Simulate walks the book and prices a paper fill of the given target size.
//
// A BUY consumes asks in ascending price order, a SELL consumes bids in
// descending order; the snapshot carries its ladders already sorted that
// way. Each level gives up min(remaining need, level size); in notional
// mode the need at a level is the remaining dollars divided by the level
// price, and fractional shares are allowed.
//
// The returned fill is tagged FULL, PARTIAL, or NONE. Errors are reserved
// for malformed input (unknown side, non-positive target, bad levels);
// running out of liquidity is a PARTIAL or NONE outcome, not an error.
func Simulate(side models.Side, book *models.OrderBookSnapshot, target Target) (models.SimulatedFill, error) {
	if !side.Valid() {
		return models.SimulatedFill{}, fmt.Errorf("simulate: invalid side %q", side)
	}
	if target.Mode != SizeUnits && target.Mode != SizeNotional {
		return models.SimulatedFill{}, fmt.Errorf("simulate: invalid size mode %q", target.Mode)
	}
	if target.Amount <= 0 {
		return models.SimulatedFill{}, fmt.Errorf("simulate: target must be positive, got %v", target.Amount)
	}
	if book == nil {
		return models.SimulatedFill{}, fmt.Errorf("simulate: nil book")
	}
	if err := validateLevels(book); err != nil {
		return models.SimulatedFill{}, err
	}

	levels := book.Asks
	if side == models.SideSell {
		levels = book.Bids
	}

	var cost, filled float64
	remaining := target.Amount
	for _, level := range levels {
		if remaining <= fillEpsilon {
			break
		}
		if level.Size == 0 {
			continue
		}
		if target.Mode == SizeUnits {
			take := remaining
			if level.Size < take {
				take = level.Size
			}
			cost += take * level.Price
			filled += take
			remaining -= take
		} else {
			need := remaining / level.Price
			take := need
			if level.Size < take {
				take = level.Size
			}
			cost += take * level.Price
			filled += take
			remaining -= take * level.Price
		}
	}

	if filled == 0 {
		return models.SimulatedFill{
			Completeness: models.FillNone,
			Reason:       liquidityReason(target, book),
		}, nil
	}

	fill := models.SimulatedFill{
		Size:     filled,
		AvgPrice: cost / filled,
		CostUSD:  cost,
	}
	if remaining <= fillEpsilon {
		fill.Completeness = models.FillFull
	} else {
		fill.Completeness = models.FillPartial
		fill.Reason = liquidityReason(target, book)
	}
	return fill, nil
}

func liquidityReason(target Target, book *models.OrderBookSnapshot) string {
	return fmt.Sprintf("insufficient liquidity: needed %s, book had $%.2f ask-side / $%.2f bid-side",
		target.describe(), book.AskLiquidityUSD(), book.BidLiquidityUSD())
}

func validateLevels(book *models.OrderBookSnapshot) error {
	for _, l := range book.Bids {
		if l.Price <= 0 || l.Size < 0 {
			return fmt.Errorf("simulate: malformed bid level price=%v size=%v", l.Price, l.Size)
		}
	}
	for _, l := range book.Asks {
		if l.Price <= 0 || l.Size < 0 {
			return fmt.Errorf("simulate: malformed ask level price=%v size=%v", l.Price, l.Size)
		}
	}
	return nil
}

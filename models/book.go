package models

import "time"

// BookLevel is one price level of an order book ladder
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot is the validated book for one token at one instant.
// Bids are ordered descending by price, asks ascending. Immutable once
// built; persisted as an audit record alongside the paper trade it fed.
type OrderBookSnapshot struct {
	TokenID    string      `json:"token_id"`
	Bids       []BookLevel `json:"bids"`
	Asks       []BookLevel `json:"asks"`
	CapturedAt time.Time   `json:"captured_at"`
}

// BestBid returns the highest bid price, or false when the bid side is empty
func (s *OrderBookSnapshot) BestBid() (float64, bool) {
	if len(s.Bids) == 0 {
		return 0, false
	}
	return s.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, or false when the ask side is empty
func (s *OrderBookSnapshot) BestAsk() (float64, bool) {
	if len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price, true
}

// MidPrice returns the midpoint between best bid and best ask. When one
// side is empty the other side's best price stands in; false when both
// sides are empty.
func (s *OrderBookSnapshot) MidPrice() (float64, bool) {
	bid, hasBid := s.BestBid()
	ask, hasAsk := s.BestAsk()
	switch {
	case hasBid && hasAsk:
		return (bid + ask) / 2, true
	case hasBid:
		return bid, true
	case hasAsk:
		return ask, true
	default:
		return 0, false
	}
}

// BidLiquidityUSD returns sum(price*size) across all bid levels
func (s *OrderBookSnapshot) BidLiquidityUSD() float64 {
	total := 0.0
	for _, l := range s.Bids {
		total += l.Price * l.Size
	}
	return total
}

// AskLiquidityUSD returns sum(price*size) across all ask levels
func (s *OrderBookSnapshot) AskLiquidityUSD() float64 {
	total := 0.0
	for _, l := range s.Asks {
		total += l.Price * l.Size
	}
	return total
}

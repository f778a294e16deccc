package domain

import "github.com/shopspring/decimal"

// Level is a single price+size entry in an order book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is an immutable snapshot of one venue's book for an asset. Both
// sides are ordered by execution priority, best price first. A buyer consumes
// Asks and a seller consumes Bids.
type OrderBook struct {
	Venue           Venue
	Asset           string
	TimestampMillis int64
	Asks            []Level
	Bids            []Level
}

// BookSide names a side of the book by the role it plays in a walk.
type BookSide uint8

const (
	// SideBuy is the liquidity a buyer consumes (asks).
	SideBuy BookSide = iota + 1
	// SideSell is the liquidity a seller consumes (bids).
	SideSell
)

// Levels returns the side of the book a taker of the given direction walks.
func (b OrderBook) Levels(side BookSide) []Level {
	if side == SideBuy {
		return b.Asks
	}
	return b.Bids
}

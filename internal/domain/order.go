package domain

import "github.com/shopspring/decimal"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderRequest is a market order. Buys on the home venue are sized by
// Notional (quote currency); everything else is sized by Volume.
type OrderRequest struct {
	Asset      string
	Side       OrderSide
	Notional   decimal.Decimal
	Volume     decimal.Decimal
	ReduceOnly bool
}

// Fill is the normalized execution state of an order.
type Fill struct {
	OrderID  string
	Volume   decimal.Decimal // executed base quantity
	Funds    decimal.Decimal // executed quote value
	Fee      decimal.Decimal
	AvgPrice decimal.Decimal
	Done     bool
}

// Filled reports whether any quantity executed.
func (f Fill) Filled() bool {
	return f.Volume.IsPositive()
}

// ClosedPnL is the foreign venue's settlement record for a closed position.
type ClosedPnL struct {
	OrderID      string // the closing order
	Asset        string
	Volume       decimal.Decimal
	EntryValue   decimal.Decimal
	ExitValue    decimal.Decimal
	AvgExitPrice decimal.Decimal
	PnL          decimal.Decimal
	OpenFee      decimal.Decimal
	CloseFee     decimal.Decimal
}

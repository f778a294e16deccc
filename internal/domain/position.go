package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle tag of a ledger row.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "OPEN"
	PositionPyramiding PositionStatus = "PYRAMIDING"
	PositionClosed     PositionStatus = "CLOSED"
)

// Position is one append-only ledger row. OPEN and PYRAMIDING rows written
// after the latest CLOSED row for (user, asset) form the open lot.
type Position struct {
	ID              int64
	UserID          int64
	StrategyID      int64
	Asset           string
	Status          PositionStatus
	HomeExchange    Venue
	HomeOrderID     string
	HomePrice       decimal.Decimal
	HomeVolume      decimal.Decimal
	HomeFunds       decimal.Decimal
	HomeFee         decimal.Decimal
	ForeignExchange Venue
	ForeignOrderID  string
	ForeignPrice    decimal.Decimal
	ForeignVolume   decimal.Decimal
	ForeignFunds    decimal.Decimal
	ForeignFee      decimal.Decimal
	EntryRate       decimal.Decimal
	ExitRate        decimal.Decimal
	Profit          decimal.Decimal
	ProfitRate      decimal.Decimal
	Leverage        int
	ReferencePrice  decimal.Decimal
	// Unconfirmed marks a row written from requested volumes because a fill
	// could not be read back after both orders were placed. An operator
	// reconciles it against the venues.
	Unconfirmed bool
	CreatedAt   time.Time
}

// IsEntry reports whether the row belongs to an open lot.
func (p Position) IsEntry() bool {
	return p.Status == PositionOpen || p.Status == PositionPyramiding
}

package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// SelectionMode is either automatic or user-configured.
type SelectionMode string

const (
	ModeAuto   SelectionMode = "auto"
	ModeCustom SelectionMode = "custom"
)

// NotificationTarget addresses a user's Telegram chat.
type NotificationTarget struct {
	ChatID   string
	Username string
	Enabled  bool
}

// StrategyConfig is one user's auto-trading configuration for a venue pair.
// The trading loop only mutates OpenEntryCount and the Total* counters.
type StrategyConfig struct {
	UserID           int64
	StrategyID       int64
	Email            string
	HomeExchange     Venue
	ForeignExchange  Venue
	HomeCredRef      int64
	ForeignCredRef   int64
	CoinMode         SelectionMode
	SelectedAssets   []string
	RateMode         SelectionMode
	EntryThreshold   decimal.Decimal
	ExitThreshold    decimal.Decimal
	SeedNotional     decimal.Decimal
	SeedDivisions    int
	OpenEntryCount   int
	Leverage         int
	AllowAverageDown bool
	AllowAverageUp   bool
	Notification     NotificationTarget
	TotalEntryCount  int64
	TotalOrderAmount decimal.Decimal
	TotalProfit      decimal.Decimal
	Active           bool
	UpdatedAt        time.Time
}

// EntrySeed is the home-currency notional of one division, truncated to a
// whole unit.
func (c StrategyConfig) EntrySeed() decimal.Decimal {
	if c.SeedDivisions <= 0 {
		return decimal.Zero
	}
	return c.SeedNotional.Div(decimal.NewFromInt(int64(c.SeedDivisions))).Truncate(0)
}

// Selects reports whether the asset is eligible under the coin selection mode.
func (c StrategyConfig) Selects(asset string) bool {
	if c.CoinMode != ModeCustom {
		return true
	}
	return slices.Contains(c.SelectedAssets, asset)
}

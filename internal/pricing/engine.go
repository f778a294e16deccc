package pricing

import (
	"sort"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultGrid is the notional ladder in home currency: 1M to 10M in 1M
// steps, then 20M to 100M in 10M steps.
func DefaultGrid() []decimal.Decimal {
	grid := make([]decimal.Decimal, 0, 19)
	for i := int64(1); i <= 10; i++ {
		grid = append(grid, decimal.NewFromInt(i*1_000_000))
	}
	for i := int64(2); i <= 10; i++ {
		grid = append(grid, decimal.NewFromInt(i*10_000_000))
	}
	return grid
}

// Engine computes rate quotes over a fixed notional grid.
type Engine struct {
	grid []decimal.Decimal
	now  func() time.Time
}

// NewEngine returns an Engine over the given grid; an empty grid falls back
// to DefaultGrid. The grid is sorted ascending.
func NewEngine(grid []decimal.Decimal) *Engine {
	if len(grid) == 0 {
		grid = DefaultGrid()
	}
	g := make([]decimal.Decimal, len(grid))
	copy(g, grid)
	sort.Slice(g, func(i, j int) bool { return g[i].LessThan(g[j]) })
	return &Engine{grid: g, now: time.Now}
}

// Grid returns a copy of the engine's notional grid.
func (e *Engine) Grid() []decimal.Decimal {
	out := make([]decimal.Decimal, len(e.grid))
	copy(out, e.grid)
	return out
}

// Snapshot walks both books once per grid notional.
func (e *Engine) Snapshot(home, foreign domain.OrderBook) domain.ArbitrageSnapshot {
	snap := domain.ArbitrageSnapshot{
		HomeExchange:    home.Venue,
		ForeignExchange: foreign.Venue,
		Asset:           home.Asset,
		ComputedAt:      e.now().UTC(),
		Quotes:          make([]domain.RateQuote, 0, len(e.grid)),
	}
	for _, n := range e.grid {
		snap.Quotes = append(snap.Quotes, Quote(home, foreign, n))
	}
	return snap
}

// Quote computes the entry and exit rate for one notional.
func Quote(home, foreign domain.OrderBook, notional decimal.Decimal) domain.RateQuote {
	return domain.RateQuote{
		HomeExchange:    home.Venue,
		ForeignExchange: foreign.Venue,
		Asset:           home.Asset,
		NotionalHome:    notional,
		EntryRate:       EntryRate(home, foreign, notional),
		ExitRate:        ExitRate(home, foreign, notional),
	}
}

// EntryRate is the home currency paid per unit of foreign currency when
// buying notional worth of the asset on the home venue and selling the same
// volume on the foreign venue. Nil when either walk cannot complete.
func EntryRate(home, foreign domain.OrderBook, notional decimal.Decimal) *decimal.Decimal {
	return conversion(home.Levels(domain.SideBuy), foreign.Levels(domain.SideSell), notional)
}

// ExitRate mirrors EntryRate: sell on the home venue for notional, buy the
// same volume back on the foreign venue.
func ExitRate(home, foreign domain.OrderBook, notional decimal.Decimal) *decimal.Decimal {
	return conversion(home.Levels(domain.SideSell), foreign.Levels(domain.SideBuy), notional)
}

func conversion(homeSide, foreignSide []domain.Level, notional decimal.Decimal) *decimal.Decimal {
	first := WalkBudget(homeSide, notional)
	if !first.Complete || !first.Volume.IsPositive() {
		return nil
	}
	second := WalkVolume(foreignSide, first.Volume)
	if !second.Complete || !second.Value.IsPositive() {
		return nil
	}
	r := RoundRate(notional.Div(second.Value))
	return &r
}

// RelativeDrift returns |r1-r0|/r0. A non-positive r0 yields ok=false.
func RelativeDrift(r0, r1 decimal.Decimal) (drift decimal.Decimal, ok bool) {
	if !r0.IsPositive() {
		return decimal.Zero, false
	}
	return r1.Sub(r0).Abs().Div(r0), true
}

// WithinDrift reports whether r1 is within tolerance of r0, inclusive.
func WithinDrift(r0, r1, tolerance decimal.Decimal) bool {
	d, ok := RelativeDrift(r0, r1)
	return ok && d.LessThanOrEqual(tolerance)
}

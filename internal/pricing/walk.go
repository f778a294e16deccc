// Package pricing turns order book snapshots into executable conversion
// rates by walking book liquidity at a given notional size.
package pricing

import (
	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/shopspring/decimal"
)

// Walk is the result of consuming book levels in priority order.
type Walk struct {
	// Volume is the base quantity taken from the book.
	Volume decimal.Decimal
	// Value is the quote currency exchanged for Volume.
	Value decimal.Decimal
	// Consumed holds the base quantity taken from each level, index-aligned
	// with the input levels. Levels past the stopping point are absent.
	Consumed []decimal.Decimal
	// Complete is false when the book ran out before the target was met.
	Complete bool
}

// WalkBudget spends budget (quote currency) across levels. On the level
// whose full cost would exceed what is left, it takes remaining/price of
// base quantity. If the book is exhausted first, the walk returns the whole
// book with Complete=false.
func WalkBudget(levels []domain.Level, budget decimal.Decimal) Walk {
	w := Walk{Volume: decimal.Zero, Value: decimal.Zero}
	remaining := budget
	if !remaining.IsPositive() {
		return w
	}
	for _, lvl := range levels {
		if !lvl.Price.IsPositive() || !lvl.Size.IsPositive() {
			w.Consumed = append(w.Consumed, decimal.Zero)
			continue
		}
		cost := lvl.Price.Mul(lvl.Size)
		if remaining.GreaterThanOrEqual(cost) {
			w.Volume = w.Volume.Add(lvl.Size)
			w.Value = w.Value.Add(cost)
			w.Consumed = append(w.Consumed, lvl.Size)
			remaining = remaining.Sub(cost)
			if remaining.IsZero() {
				w.Complete = true
				return w
			}
			continue
		}
		part := remaining.Div(lvl.Price)
		w.Volume = w.Volume.Add(part)
		w.Value = w.Value.Add(remaining)
		w.Consumed = append(w.Consumed, part)
		w.Complete = true
		return w
	}
	return w
}

// WalkVolume absorbs volume (base quantity) across levels, accumulating the
// quote value exchanged. The last level is filled partially by the volume
// still outstanding.
func WalkVolume(levels []domain.Level, volume decimal.Decimal) Walk {
	w := Walk{Volume: decimal.Zero, Value: decimal.Zero}
	remaining := volume
	if !remaining.IsPositive() {
		return w
	}
	for _, lvl := range levels {
		if !lvl.Price.IsPositive() || !lvl.Size.IsPositive() {
			w.Consumed = append(w.Consumed, decimal.Zero)
			continue
		}
		take := decimal.Min(remaining, lvl.Size)
		w.Volume = w.Volume.Add(take)
		w.Value = w.Value.Add(take.Mul(lvl.Price))
		w.Consumed = append(w.Consumed, take)
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			w.Complete = true
			return w
		}
	}
	return w
}

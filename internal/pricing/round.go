package pricing

import "github.com/shopspring/decimal"

const (
	// RatePlaces is the precision of every published or persisted rate.
	RatePlaces = 2
	// FundsPlaces is the precision of locked and reserved fund fields.
	FundsPlaces = 8
)

// RoundRate rounds half up to RatePlaces.
func RoundRate(d decimal.Decimal) decimal.Decimal {
	return d.Round(RatePlaces)
}

// TruncateFunds drops digits past FundsPlaces without rounding.
func TruncateFunds(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(FundsPlaces)
}

// TruncateToStep floors volume to a multiple of step. It never returns more
// than volume, and an already aligned volume is returned unchanged. A
// non-positive step leaves the volume as is.
func TruncateToStep(volume, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return volume
	}
	if !volume.IsPositive() {
		return decimal.Zero
	}
	// Div rounds to DivisionPrecision places and can land on the next
	// multiple; the remainder is exact.
	return volume.Sub(volume.Mod(step))
}

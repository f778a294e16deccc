package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateQuote is the synthetic conversion rate for one notional size. A nil
// rate means the books could not fill that size.
type RateQuote struct {
	HomeExchange    Venue            `json:"home_exchange"`
	ForeignExchange Venue            `json:"foreign_exchange"`
	Asset           string           `json:"asset"`
	NotionalHome    decimal.Decimal  `json:"seed"`
	EntryRate       *decimal.Decimal `json:"entry_ex_rate"`
	ExitRate        *decimal.Decimal `json:"exit_ex_rate"`
}

// ArbitrageSnapshot aggregates the quotes of one triple across the notional
// grid. It is broadcast and consumed within one cycle and never persisted.
type ArbitrageSnapshot struct {
	HomeExchange    Venue       `json:"korean_ex"`
	ForeignExchange Venue       `json:"foreign_ex"`
	Asset           string      `json:"name"`
	ComputedAt      time.Time   `json:"computed_at"`
	Quotes          []RateQuote `json:"ex_rates"`
}

// Triple returns the (home, foreign, asset) key of the snapshot.
func (s ArbitrageSnapshot) Triple() Triple {
	return Triple{Home: s.HomeExchange, Foreign: s.ForeignExchange, Asset: s.Asset}
}

// QuoteFor returns the quote of the smallest grid notional >= seed.
func (s ArbitrageSnapshot) QuoteFor(seed decimal.Decimal) (RateQuote, bool) {
	var (
		best  RateQuote
		found bool
	)
	for _, q := range s.Quotes {
		if q.NotionalHome.LessThan(seed) {
			continue
		}
		if !found || q.NotionalHome.LessThan(best.NotionalHome) {
			best = q
			found = true
		}
	}
	return best, found
}

// Batch is the payload of one computeOpportunityBatch task.
type Batch struct {
	ID         string    `json:"id"`
	Triples    []Triple  `json:"triples"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the task should be discarded unprocessed.
func (b Batch) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Package settlement reconciles realized fills in the position ledger into
// weighted entry rates, invested value and realized profit.
package settlement

import (
	"errors"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/pricing"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyLot   = errors.New("settlement: empty lot")
	ErrZeroVolume = errors.New("settlement: lot has no home volume")
)

var hundred = decimal.NewFromInt(100)

// OpenLot returns the rows after the most recent CLOSED row, oldest first.
// rows must be in insertion order.
func OpenLot(rows []domain.Position) []domain.Position {
	start := 0
	for i, r := range rows {
		if r.Status == domain.PositionClosed {
			start = i + 1
		}
	}
	lot := make([]domain.Position, 0, len(rows)-start)
	for _, r := range rows[start:] {
		if r.IsEntry() {
			lot = append(lot, r)
		}
	}
	return lot
}

// LotSummary aggregates an open lot.
type LotSummary struct {
	Entries         int
	WeightedRate    decimal.Decimal
	HomeVolume      decimal.Decimal
	HomeFunds       decimal.Decimal
	HomeFee         decimal.Decimal
	AvgHomePrice    decimal.Decimal
	ForeignVolume   decimal.Decimal
	ForeignFunds    decimal.Decimal
	ForeignFee      decimal.Decimal
	AvgForeignPrice decimal.Decimal
}

// Summarize computes the lot's weighted average entry rate
// Σ(rate·homeVolume)/Σ homeVolume and its average unit prices.
func Summarize(lot []domain.Position) (LotSummary, error) {
	if len(lot) == 0 {
		return LotSummary{}, ErrEmptyLot
	}
	s := LotSummary{Entries: len(lot)}
	weighted := decimal.Zero
	for _, p := range lot {
		weighted = weighted.Add(p.EntryRate.Mul(p.HomeVolume))
		s.HomeVolume = s.HomeVolume.Add(p.HomeVolume)
		s.HomeFunds = s.HomeFunds.Add(p.HomeFunds)
		s.HomeFee = s.HomeFee.Add(p.HomeFee)
		s.ForeignVolume = s.ForeignVolume.Add(p.ForeignVolume)
		s.ForeignFunds = s.ForeignFunds.Add(p.ForeignFunds)
		s.ForeignFee = s.ForeignFee.Add(p.ForeignFee)
	}
	if !s.HomeVolume.IsPositive() {
		return s, ErrZeroVolume
	}
	s.WeightedRate = pricing.RoundRate(weighted.Div(s.HomeVolume))
	s.AvgHomePrice = pricing.TruncateFunds(s.HomeFunds.Div(s.HomeVolume))
	if s.ForeignVolume.IsPositive() {
		s.AvgForeignPrice = pricing.TruncateFunds(s.ForeignFunds.Div(s.ForeignVolume))
	}
	return s, nil
}

// Invested is the lot's opening value in home currency.
func (s LotSummary) Invested(ref decimal.Decimal) decimal.Decimal {
	return s.HomeFunds.Add(s.ForeignFunds.Mul(ref))
}

// ExitFill carries the realized closing legs. PnL is the foreign venue's
// closed-position record; when present it supersedes the foreign fill for
// gross PnL and fees.
type ExitFill struct {
	Home    domain.Fill
	Foreign domain.Fill
	PnL     *domain.ClosedPnL
}

// Settlement is the realized result of closing a lot.
type Settlement struct {
	Lot        LotSummary
	ExitRate   decimal.Decimal
	Invested   decimal.Decimal
	Fees       decimal.Decimal
	HomePnL    decimal.Decimal
	ForeignPnL decimal.Decimal
	Profit     decimal.Decimal
	ProfitRate decimal.Decimal
}

// Settle closes lot against the exit fills. All home-currency conversions use
// ref, the foreign quote currency price at exit.
func Settle(lot []domain.Position, exit ExitFill, ref decimal.Decimal) (Settlement, error) {
	sum, err := Summarize(lot)
	if err != nil {
		return Settlement{}, err
	}
	st := Settlement{Lot: sum, Invested: pricing.TruncateFunds(sum.Invested(ref))}

	homeFees := sum.HomeFee.Add(exit.Home.Fee)
	foreignFees := sum.ForeignFee.Add(exit.Foreign.Fee)
	foreignExitFunds := exit.Foreign.Funds

	// short leg: sold at entry, bought back at exit
	foreignGross := sum.ForeignFunds.Sub(exit.Foreign.Funds)
	if exit.PnL != nil && exit.PnL.Volume.IsPositive() {
		foreignFees = exit.PnL.OpenFee.Add(exit.PnL.CloseFee)
		foreignGross = exit.PnL.PnL.Add(foreignFees)
		if !foreignExitFunds.IsPositive() {
			foreignExitFunds = exit.PnL.ExitValue
		}
	}

	st.HomePnL = exit.Home.Funds.Sub(sum.HomeFunds).Sub(homeFees)
	st.ForeignPnL = foreignGross.Sub(foreignFees)
	st.Fees = pricing.TruncateFunds(homeFees.Add(foreignFees.Mul(ref)))
	st.Profit = pricing.TruncateFunds(st.HomePnL.Add(st.ForeignPnL.Mul(ref)))
	if st.Invested.IsPositive() {
		st.ProfitRate = pricing.RoundRate(st.Profit.Div(st.Invested).Mul(hundred))
	}
	if foreignExitFunds.IsPositive() {
		st.ExitRate = pricing.RoundRate(exit.Home.Funds.Div(foreignExitFunds))
	}
	return st, nil
}

// RealizedEntryRate is homeFunds/foreignFunds of an executed entry.
func RealizedEntryRate(homeFunds, foreignFunds decimal.Decimal) decimal.Decimal {
	if !foreignFunds.IsPositive() {
		return decimal.Zero
	}
	return pricing.RoundRate(homeFunds.Div(foreignFunds))
}

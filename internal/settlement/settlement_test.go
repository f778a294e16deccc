package settlement

import (
	"testing"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func entry(status domain.PositionStatus, rate, vol string) domain.Position {
	return domain.Position{
		Status:     status,
		EntryRate:  d(rate),
		HomeVolume: d(vol),
	}
}

func TestPyramidingWeightedAverage(t *testing.T) {
	lot := []domain.Position{
		entry(domain.PositionOpen, "100", "1"),
		entry(domain.PositionPyramiding, "90", "2"),
	}
	s, err := Summarize(lot)
	require.NoError(t, err)
	assert.Equal(t, "93.33", s.WeightedRate.StringFixed(2))
	assert.Equal(t, 2, s.Entries)
}

func TestWeightedAverageBounds(t *testing.T) {
	tests := []struct {
		name  string
		rates []string
		vols  []string
	}{
		{"single", []string{"1375.5"}, []string{"0.3"}},
		{"equal volume", []string{"1380", "1370", "1360"}, []string{"1", "1", "1"}},
		{"skewed volume", []string{"1400", "1300"}, []string{"0.001", "1000"}},
		{"fractional", []string{"1388.12", "1377.01", "1390.99", "1365.55"}, []string{"0.123", "4.5", "0.0007", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lot := make([]domain.Position, len(tt.rates))
			lo, hi := d(tt.rates[0]), d(tt.rates[0])
			for i := range tt.rates {
				lot[i] = entry(domain.PositionPyramiding, tt.rates[i], tt.vols[i])
				lo = decimal.Min(lo, d(tt.rates[i]))
				hi = decimal.Max(hi, d(tt.rates[i]))
			}
			s, err := Summarize(lot)
			require.NoError(t, err)
			assert.False(t, s.WeightedRate.LessThan(lo), "avg %s below min %s", s.WeightedRate, lo)
			assert.False(t, s.WeightedRate.GreaterThan(hi), "avg %s above max %s", s.WeightedRate, hi)
		})
	}
}

func TestOpenLotStartsAfterLastClosed(t *testing.T) {
	rows := []domain.Position{
		entry(domain.PositionOpen, "1", "1"),
		entry(domain.PositionClosed, "0", "0"),
		entry(domain.PositionOpen, "2", "1"),
		entry(domain.PositionPyramiding, "3", "1"),
	}
	lot := OpenLot(rows)
	require.Len(t, lot, 2)
	assert.Equal(t, "2", lot[0].EntryRate.String())

	assert.Empty(t, OpenLot(rows[:2]))
	assert.Len(t, OpenLot(rows[:1]), 1)
}

func TestSummarizeErrors(t *testing.T) {
	_, err := Summarize(nil)
	assert.ErrorIs(t, err, ErrEmptyLot)

	_, err = Summarize([]domain.Position{entry(domain.PositionOpen, "1", "0")})
	assert.ErrorIs(t, err, ErrZeroVolume)
}

func TestSettle(t *testing.T) {
	ref := d("1400")
	lot := []domain.Position{{
		Status:        domain.PositionOpen,
		EntryRate:     d("1350"),
		HomeVolume:    d("1"),
		HomeFunds:     d("1000000"),
		HomeFee:       d("500"),
		ForeignVolume: d("1"),
		ForeignFunds:  d("740.74"),
		ForeignFee:    d("0.4"),
	}}

	t.Run("from fills", func(t *testing.T) {
		exit := ExitFill{
			Home:    domain.Fill{Volume: d("1"), Funds: d("1010000"), Fee: d("505")},
			Foreign: domain.Fill{Volume: d("1"), Funds: d("720.74"), Fee: d("0.4")},
		}
		st, err := Settle(lot, exit, ref)
		require.NoError(t, err)

		// home: 1010000 - 1000000 - 1005 = 8995
		assert.True(t, st.HomePnL.Equal(d("8995")), "home pnl %s", st.HomePnL)
		// foreign: 740.74 - 720.74 - 0.8 = 19.2
		assert.True(t, st.ForeignPnL.Equal(d("19.2")), "foreign pnl %s", st.ForeignPnL)
		// 8995 + 19.2*1400 = 35875
		assert.True(t, st.Profit.Equal(d("35875")), "profit %s", st.Profit)
		// invested 1000000 + 740.74*1400 = 2037036
		assert.True(t, st.Invested.Equal(d("2037036")))
		assert.Equal(t, "1.76", st.ProfitRate.StringFixed(2))
		assert.True(t, st.Fees.Equal(d("2125")), "fees %s", st.Fees)
		assert.Equal(t, "1401.34", st.ExitRate.StringFixed(2))
	})

	t.Run("closed pnl record wins", func(t *testing.T) {
		exit := ExitFill{
			Home: domain.Fill{Volume: d("1"), Funds: d("1010000"), Fee: d("505")},
			PnL: &domain.ClosedPnL{
				Volume:    d("1"),
				ExitValue: d("720.74"),
				PnL:       d("19.2"),
				OpenFee:   d("0.4"),
				CloseFee:  d("0.4"),
			},
		}
		st, err := Settle(lot, exit, ref)
		require.NoError(t, err)
		assert.True(t, st.ForeignPnL.Equal(d("19.2")), "foreign pnl %s", st.ForeignPnL)
		assert.True(t, st.Profit.Equal(d("35875")))
		assert.Equal(t, "1401.34", st.ExitRate.StringFixed(2))
	})
}

func TestRealizedEntryRate(t *testing.T) {
	assert.Equal(t, "1350.00", RealizedEntryRate(d("1000000"), d("740.740740")).StringFixed(2))
	assert.True(t, RealizedEntryRate(d("1"), decimal.Zero).IsZero())
}

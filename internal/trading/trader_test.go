package trading

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/notify"
	"github.com/alanyoungcy/karbit/internal/settlement"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// fakeVenue serves both market data and a user's trading adapter.
type fakeVenue struct {
	mu         sync.Mutex
	venue      domain.Venue
	book       domain.OrderBook
	step       decimal.Decimal
	balance    decimal.Decimal
	fill       domain.Fill
	orderID    string
	placeErr   error
	fetchErr   error // returned by the next fetchFails FetchOrder calls
	fetchFails int
	pnlErr     error
	pnl        domain.ClosedPnL
	orders     []domain.OrderRequest
	leverage   int
}

func (f *fakeVenue) Venue() domain.Venue { return f.venue }

func (f *fakeVenue) FetchOrderBook(_ context.Context, asset string) (domain.OrderBook, error) {
	ob := f.book
	ob.Venue, ob.Asset = f.venue, asset
	return ob, nil
}

func (f *fakeVenue) LotSizeStep(context.Context, string) (decimal.Decimal, error) {
	return f.step, nil
}

func (f *fakeVenue) ListTradableAssets(context.Context) ([]domain.VenueAsset, error) {
	return nil, nil
}

func (f *fakeVenue) FetchBalance(context.Context) (decimal.Decimal, error) { return f.balance, nil }

func (f *fakeVenue) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	return f.orderID, f.placeErr
}

func (f *fakeVenue) FetchOrder(_ context.Context, _, id string) (domain.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchFails > 0 {
		f.fetchFails--
		return domain.Fill{}, f.fetchErr
	}
	fill := f.fill
	fill.OrderID = id
	return fill, nil
}

func (f *fakeVenue) SetLeverage(_ context.Context, _ string, m int) error {
	f.leverage = m
	return nil
}

func (f *fakeVenue) ClosedPnL(context.Context, string, string) (domain.ClosedPnL, error) {
	if f.pnlErr != nil {
		return domain.ClosedPnL{}, f.pnlErr
	}
	return f.pnl, nil
}

func (f *fakeVenue) placed() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderRequest(nil), f.orders...)
}

type fakeVenues struct {
	home, foreign *fakeVenue
}

func (v fakeVenues) pick(venue domain.Venue) *fakeVenue {
	if venue == domain.VenueUpbit {
		return v.home
	}
	return v.foreign
}

func (v fakeVenues) MarketData(venue domain.Venue) (domain.MarketData, error) {
	return v.pick(venue), nil
}

func (v fakeVenues) ForUser(_ context.Context, _ int64, venue domain.Venue, _ int64) (domain.Exchange, error) {
	return v.pick(venue), nil
}

func (v fakeVenues) MarginForUser(_ context.Context, _ int64, venue domain.Venue, _ int64) (domain.MarginExchange, error) {
	return v.pick(venue), nil
}

// memPositions is a single-asset ledger: the seeded lot followed by every
// appended row.
type memPositions struct {
	lot      []domain.Position
	appended []domain.Position
}

func (m *memPositions) Append(_ context.Context, pos domain.Position) (int64, error) {
	pos.ID = int64(100 + len(m.appended))
	m.appended = append(m.appended, pos)
	return pos.ID, nil
}

func (m *memPositions) OpenLot(context.Context, int64, string, domain.Venue, domain.Venue) ([]domain.Position, error) {
	rows := append(append([]domain.Position(nil), m.lot...), m.appended...)
	return settlement.OpenLot(rows), nil
}

func (m *memPositions) ListByUser(context.Context, int64, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (m *memPositions) ListClosedSince(context.Context, time.Time, int) ([]domain.Position, error) {
	return nil, nil
}

type memStrategies struct {
	cfg      domain.StrategyConfig
	entries  []decimal.Decimal
	exits    []decimal.Decimal
	released []int
}

func (m *memStrategies) ListActive(context.Context, domain.Venue, domain.Venue) ([]domain.StrategyConfig, error) {
	return []domain.StrategyConfig{m.cfg}, nil
}

func (m *memStrategies) Get(context.Context, int64) (domain.StrategyConfig, error) {
	return m.cfg, nil
}

func (m *memStrategies) RecordEntry(_ context.Context, _ int64, amount decimal.Decimal) error {
	m.entries = append(m.entries, amount)
	m.cfg.OpenEntryCount++
	return nil
}

func (m *memStrategies) RecordExit(_ context.Context, _ int64, entries int, _, profit decimal.Decimal) error {
	m.exits = append(m.exits, profit)
	m.released = append(m.released, entries)
	m.cfg.OpenEntryCount = max(m.cfg.OpenEntryCount-entries, 0)
	return nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

// racingLock runs onAcquire when the lock is taken, standing in for another
// worker that traded while this one was still deciding.
type racingLock struct{ onAcquire func() }

func (l racingLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	l.onAcquire()
	return func() {}, nil
}

type recNotifier struct {
	mu     sync.Mutex
	events []string
	alerts []domain.Alert
}

func (r *recNotifier) User(_ context.Context, _ domain.NotificationTarget, event string, _ notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recNotifier) Alert(_ context.Context, a domain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

type harness struct {
	trader     *Trader
	venues     fakeVenues
	positions  *memPositions
	strategies *memStrategies
	notifier   *recNotifier
}

// newHarness prices the asset so that the entry recheck rate is exactly
// 1005.00 (home ask 100.5M, foreign bid 100k) and the exit recheck rate is
// 1050.00 (home bid 105M, foreign ask 100k).
func newHarness(t *testing.T, cfg domain.StrategyConfig, lot []domain.Position) *harness {
	t.Helper()
	home := &fakeVenue{
		venue: domain.VenueUpbit,
		book: domain.OrderBook{
			Asks: []domain.Level{{Price: d("100500000"), Size: d("1")}},
			Bids: []domain.Level{{Price: d("105000000"), Size: d("1")}},
		},
		step:    d("0.00000001"),
		balance: d("5000000"),
		orderID: "home-1",
		fill: domain.Fill{
			Volume: d("0.00995"), Funds: d("1000000"), Fee: d("500"), AvgPrice: d("100502512"), Done: true,
		},
	}
	foreign := &fakeVenue{
		venue: domain.VenueBybit,
		book: domain.OrderBook{
			Asks: []domain.Level{{Price: d("100000"), Size: d("1")}},
			Bids: []domain.Level{{Price: d("100000"), Size: d("1")}},
		},
		step:    d("0.001"),
		balance: d("5000"),
		orderID: "foreign-1",
		fill: domain.Fill{
			Volume: d("0.009"), Funds: d("900"), Fee: d("0.5"), AvgPrice: d("100000"), Done: true,
		},
		pnlErr: domain.ErrNotFound,
	}
	h := &harness{
		venues:     fakeVenues{home: home, foreign: foreign},
		positions:  &memPositions{lot: lot},
		strategies: &memStrategies{cfg: cfg},
		notifier:   &recNotifier{},
	}
	h.trader = NewTrader(Config{BalanceRateScale: 2}, h.venues, h.positions, h.strategies, nil, h.notifier,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func baseConfig() domain.StrategyConfig {
	return domain.StrategyConfig{
		UserID:           7,
		StrategyID:       70,
		HomeExchange:     domain.VenueUpbit,
		ForeignExchange:  domain.VenueBybit,
		HomeCredRef:      1,
		ForeignCredRef:   2,
		CoinMode:         domain.ModeAuto,
		RateMode:         domain.ModeAuto,
		SeedNotional:     d("3000000"),
		SeedDivisions:    3,
		Leverage:         2,
		AllowAverageDown: true,
		Active:           true,
		Notification:     domain.NotificationTarget{ChatID: "1", Enabled: true},
	}
}

func snapshot(entry, exit *decimal.Decimal) domain.ArbitrageSnapshot {
	return domain.ArbitrageSnapshot{
		HomeExchange:    domain.VenueUpbit,
		ForeignExchange: domain.VenueBybit,
		Asset:           "BTC",
		Quotes: []domain.RateQuote{
			{NotionalHome: d("1000000"), EntryRate: entry, ExitRate: exit},
			{NotionalHome: d("2000000"), EntryRate: entry, ExitRate: exit},
		},
	}
}

var ref = d("1100")

func TestEntryExecutesBothLegs(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)

	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1005"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ActionEntered, out.Action)
	assert.Equal(t, StateOpen, out.State)
	assert.Equal(t, int64(7), out.UserID)

	homeOrders := h.venues.home.placed()
	require.Len(t, homeOrders, 1)
	assert.Equal(t, domain.OrderSideBuy, homeOrders[0].Side)
	assert.True(t, homeOrders[0].Notional.Equal(d("1000000")))

	foreignOrders := h.venues.foreign.placed()
	require.Len(t, foreignOrders, 1)
	assert.Equal(t, domain.OrderSideSell, foreignOrders[0].Side)
	assert.True(t, foreignOrders[0].Volume.Equal(d("0.009")), "hedge volume truncated to lot step, got %s", foreignOrders[0].Volume)
	assert.Equal(t, 2, h.venues.foreign.leverage)

	require.Len(t, h.positions.appended, 1)
	pos := h.positions.appended[0]
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, "1111.11", pos.EntryRate.StringFixed(2))
	assert.Equal(t, "home-1", pos.HomeOrderID)
	assert.Equal(t, "foreign-1", pos.ForeignOrderID)
	assert.True(t, pos.ReferencePrice.Equal(ref))

	require.Len(t, h.strategies.entries, 1)
	assert.True(t, h.strategies.entries[0].Equal(d("1000000")))
	assert.Contains(t, h.notifier.events, notify.EventEntry)
}

func TestEntryRejectedOnForeignBalance(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	// 1,000,000 / 1100 = 909.09 USDT needed
	h.venues.foreign.balance = d("909.08")

	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1005"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ActionAborted, out.Action)
	assert.Equal(t, ReasonForeignBalance, out.Reason)
	assert.Empty(t, h.venues.home.placed(), "no leg may execute when either balance is short")
	assert.Empty(t, h.venues.foreign.placed())
	assert.Equal(t, []string{notify.EventGuard}, h.notifier.events)
}

func TestEntryRejectedOnHomeBalance(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	h.venues.home.balance = d("999999")

	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1005"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ReasonHomeBalance, out.Reason)
	assert.Empty(t, h.venues.home.placed())
}

func TestStalenessBoundary(t *testing.T) {
	tests := []struct {
		name   string
		signal string
		want   Action
	}{
		{"exactly at tolerance proceeds", "1000", ActionEntered},
		{"just beyond tolerance cancels", "999.99", ActionAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, baseConfig(), nil)
			out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp(tt.signal), nil), ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Action)
			if tt.want == ActionAborted {
				assert.Equal(t, ReasonStale, out.Reason)
				assert.Empty(t, h.venues.home.placed())
				assert.Contains(t, h.notifier.events, notify.EventStaleness)
			}
		})
	}
}

func TestNoSignalAboveAutoThreshold(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	// 1100 * 0.99 = 1089
	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1089.01"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, ReasonNoSignal, out.Reason)
	assert.Equal(t, StateNone, out.State)
}

func TestCustomCoinModeSkipsUnselected(t *testing.T) {
	cfg := baseConfig()
	cfg.CoinMode = domain.ModeCustom
	cfg.SelectedAssets = []string{"ETH"}
	h := newHarness(t, cfg, nil)

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotSelected, out.Reason)
	assert.Empty(t, h.venues.home.placed())
}

func TestPreconditionSkips(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.StrategyConfig)
		snap   domain.ArbitrageSnapshot
		want   Reason
	}{
		{"inactive", func(c *domain.StrategyConfig) { c.Active = false }, snapshot(dp("1005"), nil), ReasonInactive},
		{"venue mismatch", func(c *domain.StrategyConfig) { c.HomeExchange = domain.VenueBybit }, snapshot(dp("1005"), nil), ReasonVenueMismatch},
		{"seed above grid", func(c *domain.StrategyConfig) { c.SeedNotional = d("9000000") }, snapshot(dp("1005"), nil), ReasonNoSlice},
		{"both rates null", func(*domain.StrategyConfig) {}, snapshot(nil, nil), ReasonNoRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			h := newHarness(t, cfg, nil)
			out, err := h.trader.Evaluate(context.Background(), cfg, tt.snap, ref)
			require.NoError(t, err)
			assert.Equal(t, ActionNone, out.Action)
			assert.Equal(t, tt.want, out.Reason)
		})
	}
}

func openRow(rate, homeVolume string) domain.Position {
	return domain.Position{
		Status:        domain.PositionOpen,
		Asset:         "BTC",
		EntryRate:     d(rate),
		HomeVolume:    d(homeVolume),
		HomeFunds:     d("1000000"),
		HomeFee:       d("500"),
		ForeignVolume: d("0.009"),
		ForeignFunds:  d("900"),
		ForeignFee:    d("0.5"),
	}
}

func TestPyramidingBelowAverage(t *testing.T) {
	cfg := baseConfig()
	cfg.OpenEntryCount = 1
	h := newHarness(t, cfg, []domain.Position{openRow("1100", "0.00995")})

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), dp("900")), ref)
	require.NoError(t, err)
	assert.Equal(t, ActionPyramided, out.Action)
	assert.Equal(t, StatePyramiding, out.State)
	require.Len(t, h.positions.appended, 1)
	assert.Equal(t, domain.PositionPyramiding, h.positions.appended[0].Status)
}

func TestPyramidingGuards(t *testing.T) {
	t.Run("average down disabled", func(t *testing.T) {
		cfg := baseConfig()
		cfg.OpenEntryCount = 1
		cfg.AllowAverageDown = false
		h := newHarness(t, cfg, []domain.Position{openRow("1100", "0.00995")})
		out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), dp("900")), ref)
		require.NoError(t, err)
		assert.Equal(t, ReasonAveragingDisabled, out.Reason)
	})
	t.Run("not below weighted average", func(t *testing.T) {
		cfg := baseConfig()
		cfg.OpenEntryCount = 1
		h := newHarness(t, cfg, []domain.Position{openRow("1005", "0.00995")})
		out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), dp("900")), ref)
		require.NoError(t, err)
		assert.Equal(t, ReasonAboveAverage, out.Reason)
		assert.Empty(t, h.venues.home.placed())
	})
	t.Run("divisions exhausted", func(t *testing.T) {
		cfg := baseConfig()
		cfg.OpenEntryCount = 3
		h := newHarness(t, cfg, []domain.Position{openRow("1100", "0.00995")})
		out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), dp("900")), ref)
		require.NoError(t, err)
		assert.Equal(t, ReasonDivisionsUsed, out.Reason)
	})
}

func TestLockHeldAborts(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	h.trader.locks = heldLock{}

	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1005"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ReasonLocked, out.Reason)
	assert.Empty(t, h.venues.home.placed())
}

func TestMissingForeignOrderIDIsUnhedged(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	h.venues.foreign.orderID = ""

	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1005"), nil), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnhedged)
	assert.ErrorIs(t, err, domain.ErrMissingOrderID)
	assert.Equal(t, StateEntering, out.State)
	assert.Empty(t, h.positions.appended)
	require.NotEmpty(t, h.notifier.alerts)
	assert.Equal(t, domain.SeverityCritical, h.notifier.alerts[0].Severity)
	assert.Contains(t, h.notifier.events, notify.EventUnhedged)
}

func TestMissingHomeOrderIDAborts(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	h.venues.home.orderID = ""

	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1005"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingOrderID, out.Reason)
	assert.Empty(t, h.venues.foreign.placed())
	require.Len(t, h.notifier.alerts, 1, "funds may be committed without an id")
	assert.Equal(t, domain.SeverityCritical, h.notifier.alerts[0].Severity)
}

func TestHomeFillBelowLotSize(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	h.venues.foreign.step = d("0.1")

	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1005"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ReasonBelowLotSize, out.Reason)
	assert.Empty(t, h.venues.foreign.placed())
	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, domain.SeverityWarn, h.notifier.alerts[0].Severity)
}

func TestExitSettlesLot(t *testing.T) {
	cfg := baseConfig()
	cfg.RateMode = domain.ModeCustom
	cfg.EntryThreshold = d("900")
	cfg.ExitThreshold = d("1040")
	cfg.OpenEntryCount = 1
	h := newHarness(t, cfg, []domain.Position{openRow("1111.11", "0.00995")})
	h.venues.home.fill = domain.Fill{Volume: d("0.00995"), Funds: d("1044750"), Fee: d("522"), AvgPrice: d("105000000")}

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), dp("1050")), ref)
	require.NoError(t, err)
	assert.Equal(t, ActionExited, out.Action)
	assert.Equal(t, StateClosed, out.State)
	require.NotNil(t, out.Settlement)
	assert.Equal(t, "1160.83", out.Settlement.ExitRate.StringFixed(2))

	homeOrders := h.venues.home.placed()
	require.Len(t, homeOrders, 1)
	assert.Equal(t, domain.OrderSideSell, homeOrders[0].Side)
	assert.True(t, homeOrders[0].Volume.Equal(d("0.00995")))

	foreignOrders := h.venues.foreign.placed()
	require.Len(t, foreignOrders, 1)
	assert.Equal(t, domain.OrderSideBuy, foreignOrders[0].Side)
	assert.True(t, foreignOrders[0].ReduceOnly)
	assert.True(t, foreignOrders[0].Volume.Equal(d("0.009")))

	require.Len(t, h.positions.appended, 1)
	closed := h.positions.appended[0]
	assert.Equal(t, domain.PositionClosed, closed.Status)
	assert.True(t, closed.Profit.Equal(out.Settlement.Profit))
	require.Len(t, h.strategies.exits, 1)
	assert.Equal(t, 0, h.strategies.cfg.OpenEntryCount)
	assert.Contains(t, h.notifier.events, notify.EventExit)
}

func TestExitBuyBackFailureIsUnhedged(t *testing.T) {
	cfg := baseConfig()
	cfg.RateMode = domain.ModeCustom
	cfg.EntryThreshold = d("900")
	cfg.ExitThreshold = d("1040")
	h := newHarness(t, cfg, []domain.Position{openRow("1111.11", "0.00995")})
	h.venues.foreign.placeErr = domain.ErrInsufficientBalance

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), dp("1050")), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnhedged)
	assert.Equal(t, StateExiting, out.State)
	assert.Empty(t, h.positions.appended)
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, StateNone, StateOf(nil))
	assert.Equal(t, StateOpen, StateOf([]domain.Position{openRow("1", "1")}))
	assert.Equal(t, StatePyramiding, StateOf([]domain.Position{openRow("1", "1"), openRow("1", "1")}))
}

func exitConfig() domain.StrategyConfig {
	cfg := baseConfig()
	cfg.RateMode = domain.ModeCustom
	cfg.EntryThreshold = d("900")
	cfg.ExitThreshold = d("1040")
	return cfg
}

func TestEntryWithUnconfirmedForeignFillIsRecorded(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	h.venues.foreign.fetchErr = errors.New("bybit: 503")
	h.venues.foreign.fetchFails = 1

	out, err := h.trader.Evaluate(context.Background(), baseConfig(), snapshot(dp("1005"), nil), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnconfirmedFill)
	assert.NotErrorIs(t, err, ErrUnhedged)
	assert.Equal(t, ActionEntered, out.Action)

	require.Len(t, h.positions.appended, 1, "a live hedged pair must be on the ledger")
	pos := h.positions.appended[0]
	assert.True(t, pos.Unconfirmed)
	assert.Equal(t, "foreign-1", pos.ForeignOrderID)
	assert.True(t, pos.ForeignVolume.Equal(d("0.009")), "requested short volume, got %s", pos.ForeignVolume)
	assert.Equal(t, "1005.00", pos.EntryRate.StringFixed(2))
	assert.True(t, pos.ForeignFunds.IsPositive())
	require.Len(t, h.strategies.entries, 1, "the division is taken")

	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, domain.SeverityCritical, h.notifier.alerts[0].Severity)

	// the next cycle sees the open lot and does not enter from scratch
	cfg := h.strategies.cfg
	cfg.AllowAverageDown = false
	out, err = h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), nil), ref)
	require.NoError(t, err)
	assert.Equal(t, ReasonAveragingDisabled, out.Reason)
	assert.Len(t, h.venues.home.placed(), 1)
}

func TestExitWithUnconfirmedHomeFillClosesLot(t *testing.T) {
	cfg := exitConfig()
	cfg.OpenEntryCount = 1
	h := newHarness(t, cfg, []domain.Position{openRow("1111.11", "0.00995")})
	h.venues.home.fill = domain.Fill{Volume: d("0.00995"), Funds: d("1044750"), Fee: d("522"), AvgPrice: d("105000000")}
	h.venues.home.fetchErr = errors.New("upbit: 503")
	h.venues.home.fetchFails = 1

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), dp("1050")), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnconfirmedFill)
	assert.Equal(t, ActionExited, out.Action)
	assert.Equal(t, StateClosed, out.State)

	require.Len(t, h.positions.appended, 1)
	closed := h.positions.appended[0]
	assert.Equal(t, domain.PositionClosed, closed.Status)
	assert.True(t, closed.Unconfirmed)
	assert.Equal(t, "home-1", closed.HomeOrderID)
	assert.Equal(t, "foreign-1", closed.ForeignOrderID)
	assert.True(t, closed.HomeVolume.Equal(d("0.00995")))
	assert.True(t, closed.ForeignFunds.Equal(d("900")), "the confirmed leg keeps its fill")
	assert.True(t, closed.Profit.IsZero())
	assert.Equal(t, []int{1}, h.strategies.released)
	assert.Equal(t, 0, h.strategies.cfg.OpenEntryCount)

	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, domain.SeverityCritical, h.notifier.alerts[0].Severity)

	out, err = h.trader.Evaluate(context.Background(), h.strategies.cfg, snapshot(nil, dp("1050")), ref)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, out.Action)
	assert.Len(t, h.venues.home.placed(), 1, "a closed lot is never sold twice")
}

func TestExitReleasesOnlyTheClosedLotsDivisions(t *testing.T) {
	cfg := exitConfig()
	// two BTC entries plus one division held by another asset's lot
	cfg.OpenEntryCount = 3
	lot := []domain.Position{openRow("1111.11", "0.00995"), openRow("1111.11", "0.00995")}
	lot[0].ID, lot[1].ID = 1, 2
	h := newHarness(t, cfg, lot)
	h.venues.home.fill = domain.Fill{Volume: d("0.0199"), Funds: d("2089500"), Fee: d("1044"), AvgPrice: d("105000000")}
	h.venues.foreign.fill = domain.Fill{Volume: d("0.018"), Funds: d("1800"), Fee: d("1"), AvgPrice: d("100000")}

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(nil, dp("1050")), ref)
	require.NoError(t, err)
	assert.Equal(t, ActionExited, out.Action)
	assert.Equal(t, []int{2}, h.strategies.released)
	assert.Equal(t, 1, h.strategies.cfg.OpenEntryCount, "the other lot keeps its division")
}

func TestEntryRechecksLotUnderLock(t *testing.T) {
	tests := []struct {
		name         string
		averageDown  bool
		rivalRate    string
		wantAction   Action
		wantReason   Reason
		wantAppended domain.PositionStatus
	}{
		{"averaging disabled", false, "900", ActionAborted, ReasonAveragingDisabled, ""},
		{"not below the new average", true, "900", ActionAborted, ReasonAboveAverage, ""},
		{"below the new average pyramids", true, "1100", ActionPyramided, ReasonNone, domain.PositionPyramiding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.AllowAverageDown = tt.averageDown
			h := newHarness(t, cfg, nil)
			h.trader.locks = racingLock{onAcquire: func() {
				rival := openRow(tt.rivalRate, "0.00995")
				rival.ID = 1
				h.positions.lot = []domain.Position{rival}
				h.strategies.cfg.OpenEntryCount = 1
			}}

			out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(dp("1005"), nil), ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, out.Action)
			assert.Equal(t, tt.wantReason, out.Reason)
			if tt.wantAppended == "" {
				assert.Empty(t, h.venues.home.placed())
				assert.Empty(t, h.positions.appended)
				return
			}
			require.Len(t, h.positions.appended, 1)
			assert.Equal(t, tt.wantAppended, h.positions.appended[0].Status)
		})
	}
}

func TestExitAbortsWhenLotChangedUnderLock(t *testing.T) {
	cfg := exitConfig()
	first := openRow("1111.11", "0.00995")
	first.ID = 1
	h := newHarness(t, cfg, []domain.Position{first})
	h.trader.locks = racingLock{onAcquire: func() {
		second := openRow("1000", "0.00995")
		second.ID = 2
		h.positions.lot = append(h.positions.lot, second)
	}}

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(nil, dp("1050")), ref)
	require.NoError(t, err)
	assert.Equal(t, ActionAborted, out.Action)
	assert.Equal(t, ReasonLotChanged, out.Reason)
	assert.Empty(t, h.venues.home.placed())
	assert.Empty(t, h.venues.foreign.placed())
}

func TestExitIgnoresClosedPnLOfAnotherOrder(t *testing.T) {
	cfg := exitConfig()
	lot := []domain.Position{openRow("1111.11", "0.00995")}
	h := newHarness(t, cfg, lot)
	h.venues.home.fill = domain.Fill{Volume: d("0.00995"), Funds: d("1044750"), Fee: d("522"), AvgPrice: d("105000000")}
	h.venues.foreign.pnlErr = nil
	h.venues.foreign.pnl = domain.ClosedPnL{OrderID: "foreign-0", Volume: d("0.5"), PnL: d("-400"), OpenFee: d("1"), CloseFee: d("1")}

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(nil, dp("1050")), ref)
	require.NoError(t, err)
	require.NotNil(t, out.Settlement)

	want, err := settlement.Settle(lot, settlement.ExitFill{Home: h.venues.home.fill, Foreign: h.venues.foreign.fill}, ref)
	require.NoError(t, err)
	assert.True(t, want.Profit.Equal(out.Settlement.Profit), "got %s want %s", out.Settlement.Profit, want.Profit)
}

func TestMissingHomeOrderIDOnExitAlertsOperator(t *testing.T) {
	cfg := exitConfig()
	h := newHarness(t, cfg, []domain.Position{openRow("1111.11", "0.00995")})
	h.venues.home.orderID = ""

	out, err := h.trader.Evaluate(context.Background(), cfg, snapshot(nil, dp("1050")), ref)
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingOrderID, out.Reason)
	assert.Empty(t, h.venues.foreign.placed())
	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, domain.SeverityCritical, h.notifier.alerts[0].Severity)
}

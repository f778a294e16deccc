package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/karbit/internal/codec"
	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/trading"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeMarket struct {
	venue domain.Venue
	fail  map[string]error
	calls atomic.Int32
}

func (f *fakeMarket) Venue() domain.Venue { return f.venue }

func (f *fakeMarket) FetchOrderBook(_ context.Context, asset string) (domain.OrderBook, error) {
	f.calls.Add(1)
	if err := f.fail[asset]; err != nil {
		return domain.OrderBook{}, err
	}
	lvl := []domain.Level{{Price: d("100000"), Size: d("1000")}}
	if f.venue == domain.VenueBybit {
		lvl = []domain.Level{{Price: d("75"), Size: d("1000")}}
	}
	return domain.OrderBook{Venue: f.venue, Asset: asset, Asks: lvl, Bids: lvl}, nil
}

func (f *fakeMarket) LotSizeStep(context.Context, string) (decimal.Decimal, error) {
	return d("0.001"), nil
}

func (f *fakeMarket) ListTradableAssets(context.Context) ([]domain.VenueAsset, error) {
	return nil, nil
}

type fakeVenues map[domain.Venue]*fakeMarket

func (v fakeVenues) MarketData(venue domain.Venue) (domain.MarketData, error) {
	m, ok := v[venue]
	if !ok {
		return nil, domain.ErrUnknownVenue
	}
	return m, nil
}

type scriptedPrices struct {
	errs  []error
	calls atomic.Int32
}

func (s *scriptedPrices) ReferencePrice(context.Context) (decimal.Decimal, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return decimal.Zero, s.errs[n]
	}
	return d("1400"), nil
}

type captureBus struct {
	mu       sync.Mutex
	channel  string
	payloads [][]byte
}

func (b *captureBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = channel
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *captureBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

type memSnapshots struct{ snaps []domain.ArbitrageSnapshot }

func (m *memSnapshots) PutSnapshots(_ context.Context, snaps []domain.ArbitrageSnapshot) error {
	m.snaps = append(m.snaps, snaps...)
	return nil
}

func (m *memSnapshots) LatestSnapshots(context.Context) ([]domain.ArbitrageSnapshot, error) {
	return m.snaps, nil
}

type staticStrategies []domain.StrategyConfig

func (s staticStrategies) ListActive(context.Context, domain.Venue, domain.Venue) ([]domain.StrategyConfig, error) {
	return s, nil
}

func (s staticStrategies) Get(context.Context, int64) (domain.StrategyConfig, error) {
	return domain.StrategyConfig{}, domain.ErrNotFound
}

func (staticStrategies) RecordEntry(context.Context, int64, decimal.Decimal) error { return nil }

func (staticStrategies) RecordExit(context.Context, int64, int, decimal.Decimal, decimal.Decimal) error {
	return nil
}

type recTrader struct {
	mu     sync.Mutex
	calls  []string
	panics bool
	err    error
}

func (r *recTrader) Evaluate(_ context.Context, cfg domain.StrategyConfig, snap domain.ArbitrageSnapshot, _ decimal.Decimal) (trading.Outcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, snap.Asset)
	r.mu.Unlock()
	if r.panics {
		panic("boom")
	}
	return trading.Outcome{Action: trading.ActionNone, Reason: trading.ReasonNoSignal, UserID: cfg.UserID}, r.err
}

func (r *recTrader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *recAlerts) Alert(_ context.Context, a domain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recAlerts) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type countPinger struct{ n atomic.Int32 }

func (p *countPinger) Ping(context.Context) error {
	p.n.Add(1)
	return nil
}

type fixture struct {
	w      *Worker
	venues fakeVenues
	prices *scriptedPrices
	bus    *captureBus
	cache  *memSnapshots
	trader *recTrader
	alerts *recAlerts
	pinger *countPinger
}

func newFixture(t *testing.T, users int) *fixture {
	t.Helper()
	var strategies staticStrategies
	for i := 1; i <= users; i++ {
		strategies = append(strategies, domain.StrategyConfig{UserID: int64(i), StrategyID: int64(i * 10), Active: true})
	}
	f := &fixture{
		venues: fakeVenues{
			domain.VenueUpbit: {venue: domain.VenueUpbit},
			domain.VenueBybit: {venue: domain.VenueBybit},
		},
		prices: &scriptedPrices{},
		bus:    &captureBus{},
		cache:  &memSnapshots{},
		trader: &recTrader{},
		alerts: &recAlerts{},
		pinger: &countPinger{},
	}
	f.w = New(Config{
		MaxRetries:     3,
		RetryBackoff:   time.Millisecond,
		TradingEnabled: true,
	}, Deps{
		Venues:     f.venues,
		Prices:     f.prices,
		Bus:        f.bus,
		Snapshots:  f.cache,
		Strategies: strategies,
		Trader:     f.trader,
		Alerts:     f.alerts,
		Pingers:    []domain.Pinger{f.pinger},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func batchOf(assets ...string) domain.Batch {
	b := domain.Batch{ID: "batch-1", EnqueuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	for _, a := range assets {
		b.Triples = append(b.Triples, domain.Triple{Home: domain.VenueUpbit, Foreign: domain.VenueBybit, Asset: a})
	}
	return b
}

func TestProcessPublishesAndTrades(t *testing.T) {
	f := newFixture(t, 2)

	require.NoError(t, f.w.Process(context.Background(), batchOf("BTC", "ETH")))

	require.Len(t, f.bus.payloads, 1, "one publish per batch")
	assert.Equal(t, "exchange_rate", f.bus.channel)
	snaps, err := codec.JSON{}.Decode(f.bus.payloads[0])
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "BTC", snaps[0].Asset)
	assert.NotEmpty(t, snaps[0].Quotes)

	assert.Len(t, f.cache.snaps, 2)
	assert.Equal(t, 4, f.trader.count(), "every user evaluates every snapshot")
}

func TestProcessSkipsFailedTriple(t *testing.T) {
	f := newFixture(t, 1)
	f.venues[domain.VenueBybit].fail = map[string]error{"XRP": domain.ErrNotFound}

	require.NoError(t, f.w.Process(context.Background(), batchOf("BTC", "XRP")))

	snaps, err := codec.JSON{}.Decode(f.bus.payloads[0])
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "BTC", snaps[0].Asset)
	assert.Equal(t, 1, f.trader.count())
}

func TestProcessTradingDisabled(t *testing.T) {
	f := newFixture(t, 3)
	f.w.cfg.TradingEnabled = false

	require.NoError(t, f.w.Process(context.Background(), batchOf("BTC")))
	assert.Len(t, f.bus.payloads, 1)
	assert.Zero(t, f.trader.count())
}

func TestHandleRetriesTransient(t *testing.T) {
	f := newFixture(t, 0)
	f.prices.errs = []error{domain.ErrTransient, domain.ErrTransient}

	require.NoError(t, f.w.Handle(context.Background(), batchOf("BTC")))
	assert.Equal(t, int32(3), f.prices.calls.Load())
	assert.Equal(t, int32(2), f.pinger.n.Load(), "reconnect before every retry")
	assert.Zero(t, f.alerts.len())
}

func TestHandleDropsAfterMaxRetries(t *testing.T) {
	f := newFixture(t, 0)
	f.prices.errs = []error{domain.ErrTransient, domain.ErrTransient, domain.ErrTransient, domain.ErrTransient, domain.ErrTransient}

	err := f.w.Handle(context.Background(), batchOf("BTC"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, int32(4), f.prices.calls.Load(), "first attempt plus three retries")
	assert.Equal(t, 1, f.alerts.len())
	assert.Empty(t, f.bus.payloads)
}

func TestHandleDoesNotRetryPermanentErrors(t *testing.T) {
	f := newFixture(t, 0)
	f.prices.errs = []error{domain.ErrNoLiquidity}

	err := f.w.Handle(context.Background(), batchOf("BTC"))
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)
	assert.Equal(t, int32(1), f.prices.calls.Load())
}

func TestHandleDiscardsExpired(t *testing.T) {
	f := newFixture(t, 1)
	b := batchOf("BTC")
	b.ExpiresAt = time.Now().Add(-time.Second)

	err := f.w.Handle(context.Background(), b)
	assert.ErrorIs(t, err, domain.ErrTaskExpired)
	assert.Zero(t, f.prices.calls.Load())
	assert.Zero(t, f.venues[domain.VenueUpbit].calls.Load())
}

func TestTraderPanicIsIsolated(t *testing.T) {
	f := newFixture(t, 2)
	f.trader.panics = true

	require.NoError(t, f.w.Process(context.Background(), batchOf("BTC", "ETH")))
	assert.Equal(t, 4, f.trader.count(), "a panicking decision does not stop the others")
	assert.Equal(t, 4, f.alerts.len(), "one alert per user and triple")
}

func TestUnhedgedNotAlertedTwice(t *testing.T) {
	f := newFixture(t, 1)
	f.trader.err = trading.ErrUnhedged

	require.NoError(t, f.w.Process(context.Background(), batchOf("BTC")))
	assert.Zero(t, f.alerts.len())

	f.trader.err = errors.New("venue exploded")
	require.NoError(t, f.w.Process(context.Background(), batchOf("ETH")))
	assert.Equal(t, 1, f.alerts.len())
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/server/handler"
	"github.com/alanyoungcy/karbit/internal/service"
	"github.com/alanyoungcy/karbit/internal/settlement"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubSnapshots struct {
	snaps []domain.ArbitrageSnapshot
	err   error
}

func (s *stubSnapshots) PutSnapshots(_ context.Context, snaps []domain.ArbitrageSnapshot) error {
	s.snaps = snaps
	return nil
}

func (s *stubSnapshots) LatestSnapshots(context.Context) ([]domain.ArbitrageSnapshot, error) {
	return s.snaps, s.err
}

type stubPositions struct {
	rows     []domain.Position
	lot      service.LotView
	lastPair domain.VenuePair
	lastUser int64
}

func (s *stubPositions) ListByUser(_ context.Context, userID int64, _ domain.ListOpts) ([]domain.Position, error) {
	s.lastUser = userID
	return s.rows, nil
}

func (s *stubPositions) Lot(_ context.Context, userID int64, _ string, pair domain.VenuePair) (service.LotView, error) {
	s.lastUser = userID
	s.lastPair = pair
	return s.lot, nil
}

type stubAlerts struct {
	alerts []domain.Alert
	opts   domain.ListOpts
}

func (s *stubAlerts) Insert(context.Context, domain.Alert) error { return nil }

func (s *stubAlerts) List(_ context.Context, opts domain.ListOpts) ([]domain.Alert, error) {
	s.opts = opts
	return s.alerts, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type countingLimiter struct {
	allowed int
	calls   int
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	l.calls++
	return l.calls <= l.allowed, nil
}

func (l *countingLimiter) Wait(context.Context, string, int, time.Duration) error { return nil }

var upbitBybit = domain.VenuePair{Home: domain.VenueUpbit, Foreign: domain.VenueBybit}

func snapshot(asset string) domain.ArbitrageSnapshot {
	rate := decimal.RequireFromString("1350.5")
	return domain.ArbitrageSnapshot{
		HomeExchange:    domain.VenueUpbit,
		ForeignExchange: domain.VenueBybit,
		Asset:           asset,
		ComputedAt:      time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
		Quotes: []domain.RateQuote{{
			HomeExchange:    domain.VenueUpbit,
			ForeignExchange: domain.VenueBybit,
			Asset:           asset,
			NotionalHome:    decimal.NewFromInt(1_000_000),
			EntryRate:       &rate,
		}},
	}
}

type fixture struct {
	snaps     *stubSnapshots
	positions *stubPositions
	alerts    *stubAlerts
	pingers   map[string]domain.Pinger
	cfg       Config
	limiter   domain.RateLimiter
}

func newFixture() *fixture {
	return &fixture{
		snaps:     &stubSnapshots{},
		positions: &stubPositions{},
		alerts:    &stubAlerts{},
		pingers:   map[string]domain.Pinger{"redis": stubPinger{}},
	}
}

func (f *fixture) handlers() Handlers {
	return Handlers{
		Health:    handler.NewHealthHandler(f.pingers, testLogger),
		Snapshots: handler.NewSnapshotHandler(f.snaps, testLogger),
		Positions: handler.NewPositionHandler(f.positions, upbitBybit, testLogger),
		Alerts:    handler.NewAlertHandler(f.alerts, testLogger),
	}
}

func (f *fixture) handler() http.Handler {
	return Routes(f.cfg, f.handlers(), nil, f.limiter, testLogger)
}

func (f *fixture) get(t *testing.T, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rec := f.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	f.pingers["postgres"] = stubPinger{err: errors.New("refused")}
	rec = f.get(t, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "down", checks["postgres"].(map[string]any)["status"])
	assert.NotContains(t, rec.Body.String(), "refused", "errors stay in the logs")
	assert.Equal(t, "ok", checks["redis"].(map[string]any)["status"])
}

func TestLatestSnapshotsFilters(t *testing.T) {
	f := newFixture()
	f.snaps.snaps = []domain.ArbitrageSnapshot{snapshot("BTC"), snapshot("ETH")}

	rec := f.get(t, "/api/snapshots/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = f.get(t, "/api/snapshots/latest?asset=eth&home=upbit")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	first := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "ETH", first["name"])
	assert.Equal(t, "UPBIT", first["korean_ex"])

	rec = f.get(t, "/api/snapshots/latest?home=binance")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestSnapshotsEmptyCache(t *testing.T) {
	f := newFixture()
	f.snaps.err = domain.ErrNotFound

	rec := f.get(t, "/api/snapshots/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["count"])
}

func TestListPositions(t *testing.T) {
	f := newFixture()
	f.positions.rows = []domain.Position{{
		ID:              7,
		UserID:          42,
		Asset:           "BTC",
		Status:          domain.PositionOpen,
		HomeExchange:    domain.VenueUpbit,
		ForeignExchange: domain.VenueBybit,
		EntryRate:       decimal.RequireFromString("1111.11"),
	}}

	rec := f.get(t, "/api/users/42/positions?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 42, f.positions.lastUser)

	body := decode(t, rec)
	assert.EqualValues(t, 10, body["limit"])
	row := body["positions"].([]any)[0].(map[string]any)
	assert.Equal(t, "OPEN", row["status"])
	assert.Equal(t, "1111.11", row["entry_rate"])
	assert.Equal(t, "BYBIT", row["foreign_exchange"])

	rec = f.get(t, "/api/users/abc/positions")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLot(t *testing.T) {
	f := newFixture()
	f.positions.lot = service.LotView{
		Rows: []domain.Position{{ID: 1, Asset: "BTC", Status: domain.PositionOpen,
			HomeExchange: domain.VenueUpbit, ForeignExchange: domain.VenueBybit}},
		Summary: &settlement.LotSummary{Entries: 1, WeightedRate: decimal.RequireFromString("1105")},
	}

	rec := f.get(t, "/api/users/3/lot/btc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, upbitBybit, f.positions.lastPair)

	body := decode(t, rec)
	assert.Equal(t, "BTC", body["asset"])
	assert.Equal(t, true, body["open"])
	assert.Equal(t, "1105", body["summary"].(map[string]any)["weighted_rate"])

	rec = f.get(t, "/api/users/3/lot/BTC?home=bybit")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAlerts(t *testing.T) {
	f := newFixture()
	f.alerts.alerts = []domain.Alert{{ID: 1, Severity: domain.SeverityCritical, Component: "trading", Message: "unhedged"}}

	rec := f.get(t, "/api/alerts?since=2026-10-17T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.alerts.opts.Since)
	assert.Equal(t, 2026, f.alerts.opts.Since.Year())
	assert.EqualValues(t, 50, f.alerts.opts.Limit)

	row := decode(t, rec)["alerts"].([]any)[0].(map[string]any)
	assert.Equal(t, "critical", row["severity"])

	rec = f.get(t, "/api/alerts?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/api/alerts?limit=9999")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 500, f.alerts.opts.Limit)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	for _, q := range []string{"limit=abc", "limit=0", "offset=-1", "since=2026-10-17T00:00:00Z&until=2026-10-16T00:00:00Z"} {
		assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/alerts?"+q).Code, q)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture()
	f.cfg.APIKey = "s3cret"

	rec := f.get(t, "/api/alerts")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Equal(t, "missing authentication token", decode(t, rec)["error"])
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/alerts", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/alerts", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/alerts", "X-API-Key", "s3cret").Code)

	// probes and scrapes stay open
	assert.Equal(t, http.StatusOK, f.get(t, "/api/health").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/metrics").Code)

	// rotation: old and new keys both work
	f.cfg.APIKey = "old-key, new-key"
	assert.Equal(t, http.StatusOK, f.get(t, "/api/alerts", "X-API-Key", "old-key").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/alerts", "Authorization", "bearer new-key").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/alerts", "X-API-Key", "old-key, new-key").Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture()
	lim := &countingLimiter{allowed: 2}
	f.limiter = lim
	f.cfg.RequestsPerMin = 2

	assert.Equal(t, http.StatusOK, f.get(t, "/api/alerts").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/alerts").Code)
	rec := f.get(t, "/api/alerts")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture()
	f.cfg.CORSOrigins = []string{"http://localhost:5173"}

	req := httptest.NewRequest(http.MethodOptions, "/api/alerts", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	f.handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = f.get(t, "/api/alerts", "Origin", "https://evil.example")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	f := newFixture()

	rec := f.get(t, "/api/health")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	rec = f.get(t, "/api/health", "X-Request-ID", "trace-42")
	assert.Equal(t, "trace-42", rec.Header().Get("X-Request-ID"))
}

func TestRunReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	f := newFixture()
	f.cfg.Port = ln.Addr().(*net.TCPAddr).Port
	srv := NewServer(f.cfg, f.handlers(), nil, nil, testLogger)

	err = srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestRunDrainsOnCancel(t *testing.T) {
	f := newFixture()
	srv := NewServer(f.cfg, f.handlers(), nil, nil, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

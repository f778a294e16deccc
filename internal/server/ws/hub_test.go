package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/karbit/internal/codec"
	"github.com/alanyoungcy/karbit/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(ctx context.Context, _ string, payload []byte) error {
	select {
	case b.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

type cachedSnapshots []domain.ArbitrageSnapshot

func (c cachedSnapshots) PutSnapshots(context.Context, []domain.ArbitrageSnapshot) error { return nil }

func (c cachedSnapshots) LatestSnapshots(context.Context) ([]domain.ArbitrageSnapshot, error) {
	return c, nil
}

func snap(asset string) domain.ArbitrageSnapshot {
	return domain.ArbitrageSnapshot{
		HomeExchange:    domain.VenueUpbit,
		ForeignExchange: domain.VenueBybit,
		Asset:           asset,
		Quotes: []domain.RateQuote{{
			HomeExchange:    domain.VenueUpbit,
			ForeignExchange: domain.VenueBybit,
			Asset:           asset,
			NotionalHome:    decimal.NewFromInt(1_000_000),
		}},
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHubRelaysDecodedSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &chanBus{ch: make(chan []byte, 1)}
	c := codec.Protowire{}
	hub := NewHub(bus, c, cachedSnapshots{snap("XRP")}, "exchange_rate",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// cached snapshots arrive first
	first := readFrame(t, conn)
	assert.Equal(t, "exchange_rate", first.Type)
	require.Len(t, first.Results, 1)
	assert.Equal(t, "XRP", first.Results[0].Asset)

	payload, err := c.Encode([]domain.ArbitrageSnapshot{snap("BTC"), snap("ETH")})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "exchange_rate", payload))

	next := readFrame(t, conn)
	require.Len(t, next.Results, 2)
	assert.Equal(t, "BTC", next.Results[0].Asset)
	assert.Equal(t, domain.VenueBybit, next.Results[1].ForeignExchange)
}

func TestHubHonoursSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &chanBus{ch: make(chan []byte, 1)}
	c := codec.JSON{}
	hub := NewHub(bus, c, nil, "exchange_rate", slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(filterMsg{Action: "subscribe", Assets: []string{"eth"}}))
	ack := readFrame(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []string{"ETH"}, ack.Assets)

	payload, err := c.Encode([]domain.ArbitrageSnapshot{snap("BTC"), snap("ETH")})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "exchange_rate", payload))

	next := readFrame(t, conn)
	require.Len(t, next.Results, 1)
	assert.Equal(t, "ETH", next.Results[0].Asset)
}

func TestHubShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &chanBus{ch: make(chan []byte)}
	hub := NewHub(bus, codec.JSON{}, nil, "exchange_rate", slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// an ack proves the client is registered
	require.NoError(t, conn.WriteJSON(filterMsg{Action: "subscribe", Assets: []string{"BTC"}}))
	assert.Equal(t, "subscribed", readFrame(t, conn).Type)

	cancel()
	require.NoError(t, <-done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.False(t, hub.add(newClient(hub, nil, "late")), "no clients after shutdown")
}

func TestClientFilter(t *testing.T) {
	c := &client{assets: map[string]bool{}}
	snaps := []domain.ArbitrageSnapshot{snap("BTC"), snap("ETH"), snap("XRP")}

	_, ok := c.filter(snaps)
	assert.False(t, ok)

	assert.Equal(t, []string{"ETH", "XRP"}, c.applyFilter(filterMsg{Action: "subscribe", Assets: []string{" eth", "xrp", ""}}))
	got, ok := c.filter(snaps)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "ETH", got[0].Asset)
	assert.Len(t, snaps, 3)

	c.applyFilter(filterMsg{Action: "unsubscribe", Assets: []string{"ETH", "XRP"}})
	_, ok = c.filter(snaps)
	assert.False(t, ok)
}

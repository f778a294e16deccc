package upbit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/karbit/internal/crypto"
	"github.com/alanyoungcy/karbit/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "ak", "sk", time.Second)
}

func parseToken(t *testing.T, r *http.Request) jwt.MapClaims {
	t.Helper()
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte("sk"), nil
	}, jwt.WithValidMethods([]string{"HS512"}))
	require.NoError(t, err)
	require.True(t, tok.Valid)
	return claims
}

func TestFetchOrderBook(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orderbook", r.URL.Path)
		assert.Equal(t, "KRW-BTC", r.URL.Query().Get("markets"))
		_, _ = w.Write([]byte(`[{"market":"KRW-BTC","timestamp":1700000000000,"orderbook_units":[
			{"ask_price":100,"bid_price":99,"ask_size":1.5,"bid_size":2},
			{"ask_price":101,"bid_price":98,"ask_size":3,"bid_size":4}]}]`))
	})

	ob, err := c.FetchOrderBook(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.VenueUpbit, ob.Venue)
	assert.Equal(t, int64(1700000000000), ob.TimestampMillis)
	require.Len(t, ob.Asks, 2)
	assert.True(t, ob.Asks[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, ob.Asks[0].Size.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, ob.Bids[1].Price.Equal(decimal.NewFromInt(98)))
}

func TestReferencePriceUsesBestAsk(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "KRW-USDT", r.URL.Query().Get("markets"))
		_, _ = w.Write([]byte(`[{"market":"KRW-USDT","timestamp":1,"orderbook_units":[{"ask_price":1380,"bid_price":1379,"ask_size":10,"bid_size":10}]}]`))
	})
	p, err := c.ReferencePrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1380", p.String())
}

func TestPlaceBuyOrderSignsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bid", body["side"])
		assert.Equal(t, "price", body["ord_type"])
		assert.Equal(t, "1000000", body["price"])

		claims := parseToken(t, r)
		assert.Equal(t, "ak", claims["access_key"])
		assert.Equal(t, "SHA512", claims["query_hash_alg"])
		want := "identifier=" + body["identifier"] + "&market=KRW-BTC&ord_type=price&price=1000000&side=bid"
		assert.Equal(t, crypto.SHA512Hex(want), claims["query_hash"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"uuid":"u-1","state":"wait"}`))
	})

	id, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Asset: "BTC", Side: domain.OrderSideBuy, Notional: decimal.NewFromInt(1_000_000),
	})
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)
}

func TestPlaceSellRequiresVolume(t *testing.T) {
	c := NewClient("http://unused", "ak", "sk", time.Second)
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Asset: "BTC", Side: domain.OrderSideSell})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestFetchOrderSumsTrades(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u-1", r.URL.Query().Get("uuid"))
		_, _ = w.Write([]byte(`{"uuid":"u-1","state":"cancel","executed_volume":"0.01","paid_fee":"500",
			"trades":[{"price":"50000000","volume":"0.004","funds":"200000"},{"price":"50000000","volume":"0.006","funds":"300000"}]}`))
	})

	f, err := c.FetchOrder(context.Background(), "BTC", "u-1")
	require.NoError(t, err)
	assert.True(t, f.Done)
	assert.Equal(t, "0.01", f.Volume.String())
	assert.Equal(t, "500000", f.Funds.String())
	assert.Equal(t, "500", f.Fee.String())
	assert.Equal(t, "50000000", f.AvgPrice.String())
}

func TestListTradableAssetsMergesWalletState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/market/all":
			_, _ = w.Write([]byte(`[{"market":"KRW-BTC"},{"market":"BTC-ETH"},{"market":"KRW-XRP"}]`))
		case "/v1/status/wallet":
			_, _ = w.Write([]byte(`[{"currency":"BTC","wallet_state":"working"},{"currency":"XRP","wallet_state":"withdraw_only"}]`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	assets, err := c.ListTradableAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "BTC", assets[0].Asset)
	assert.True(t, assets[0].Transferable())
	assert.Equal(t, "XRP", assets[1].Asset)
	assert.False(t, assets[1].DepositEnabled)
	assert.True(t, assets[1].WithdrawEnabled)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		name   string
		want   error
	}{
		{http.StatusTooManyRequests, "too_many_requests", domain.ErrRateLimited},
		{http.StatusUnauthorized, "invalid_access_key", domain.ErrUnauthorized},
		{http.StatusBadRequest, "insufficient_funds_bid", domain.ErrInsufficientBalance},
		{http.StatusInternalServerError, "", domain.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"name":"` + tc.name + `","message":"x"}}`))
			})
			_, err := c.FetchBalance(context.Background())
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSignedCallWithoutKeys(t *testing.T) {
	c := NewClient("http://unused", "", "", time.Second)
	_, err := c.FetchBalance(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

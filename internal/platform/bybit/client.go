// Package bybit is the REST adapter for Bybit v5 USDT linear perpetuals,
// the foreign venue. The hedge leg is a short opened and closed at market.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/crypto"
	"github.com/alanyoungcy/karbit/internal/domain"
)

// DefaultBaseURL is the production REST root.
const DefaultBaseURL = "https://api.bybit.com"

const (
	settleCoin = "USDT"
	bookDepth  = 50
)

// Client is the REST client for Bybit. Market endpoints work without keys.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow string
	category   string
	httpClient *http.Client

	mu    *sync.RWMutex
	steps map[string]decimal.Decimal
}

// NewClient creates a new Bybit REST client.
func NewClient(baseURL, apiKey, apiSecret string, recvWindow int, category string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if recvWindow <= 0 {
		recvWindow = 5000
	}
	if category == "" {
		category = "linear"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: strconv.Itoa(recvWindow),
		category:   category,
		httpClient: &http.Client{Timeout: timeout},
		mu:         &sync.RWMutex{},
		steps:      make(map[string]decimal.Decimal),
	}
}

// WithCredentials returns a copy of the client authenticated as another
// account. The transport and lot-step cache are shared.
func (c *Client) WithCredentials(apiKey, apiSecret string) *Client {
	cp := *c
	cp.apiKey = apiKey
	cp.apiSecret = apiSecret
	return &cp
}

// Venue implements domain.MarketData.
func (c *Client) Venue() domain.Venue { return domain.VenueBybit }

func symbol(asset string) string { return asset + settleCoin }

// FetchOrderBook returns the linear book for asset, best prices first.
func (c *Client) FetchOrderBook(ctx context.Context, asset string) (domain.OrderBook, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol(asset))
	q.Set("limit", strconv.Itoa(bookDepth))

	var res apiOrderbook
	if err := c.do(ctx, http.MethodGet, "/v5/market/orderbook", q, nil, false, &res); err != nil {
		return domain.OrderBook{}, fmt.Errorf("bybit: orderbook %s: %w", asset, err)
	}
	return domain.OrderBook{
		Venue:           domain.VenueBybit,
		Asset:           asset,
		TimestampMillis: res.TS,
		Asks:            levels(res.Asks),
		Bids:            levels(res.Bids),
	}, nil
}

// LotSizeStep returns the contract quantity step. Steps are cached for the
// life of the client.
func (c *Client) LotSizeStep(ctx context.Context, asset string) (decimal.Decimal, error) {
	c.mu.RLock()
	step, ok := c.steps[asset]
	c.mu.RUnlock()
	if ok {
		return step, nil
	}

	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol(asset))

	var res apiInstruments
	if err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", q, nil, false, &res); err != nil {
		return decimal.Zero, fmt.Errorf("bybit: instrument %s: %w", asset, err)
	}
	if len(res.List) == 0 || !res.List[0].LotSizeFilter.QtyStep.IsPositive() {
		return decimal.Zero, fmt.Errorf("bybit: instrument %s: %w", asset, domain.ErrNotFound)
	}

	step = res.List[0].LotSizeFilter.QtyStep
	c.mu.Lock()
	c.steps[asset] = step
	c.mu.Unlock()
	return step, nil
}

// ListTradableAssets lists USDT-settled perpetuals. With credentials the
// coin's chain status decides deposit and withdraw flags; otherwise every
// asset is reported transferable.
func (c *Client) ListTradableAssets(ctx context.Context) ([]domain.VenueAsset, error) {
	q := url.Values{}
	q.Set("category", c.category)

	var tickers apiTickers
	if err := c.do(ctx, http.MethodGet, "/v5/market/tickers", q, nil, false, &tickers); err != nil {
		return nil, fmt.Errorf("bybit: tickers: %w", err)
	}

	type flags struct{ dep, wd bool }
	chains := map[string]flags{}
	if c.apiKey != "" {
		var info apiCoinInfo
		if err := c.do(ctx, http.MethodGet, "/v5/asset/coin/query-info", nil, nil, true, &info); err != nil {
			return nil, fmt.Errorf("bybit: coin info: %w", err)
		}
		for _, r := range info.Rows {
			var f flags
			for _, ch := range r.Chains {
				f.dep = f.dep || ch.ChainDeposit == "1"
				f.wd = f.wd || ch.ChainWithdraw == "1"
			}
			chains[r.Coin] = f
		}
	}

	now := time.Now().UTC()
	out := make([]domain.VenueAsset, 0, len(tickers.List))
	for _, t := range tickers.List {
		asset, ok := strings.CutSuffix(t.Symbol, settleCoin)
		if !ok || asset == "" {
			continue
		}
		f := flags{dep: true, wd: true}
		if c.apiKey != "" {
			f = chains[asset]
		}
		out = append(out, domain.VenueAsset{
			Venue:           domain.VenueBybit,
			Asset:           asset,
			DepositEnabled:  f.dep,
			WithdrawEnabled: f.wd,
			UpdatedAt:       now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// FetchBalance returns the available USDT margin of the unified account.
func (c *Client) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	q.Set("coin", settleCoin)

	var res apiWallet
	if err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, true, &res); err != nil {
		return decimal.Zero, fmt.Errorf("bybit: wallet balance: %w", err)
	}
	if len(res.List) == 0 {
		return decimal.Zero, nil
	}
	acct := res.List[0]
	if acct.TotalAvailableBalance != "" {
		return num(acct.TotalAvailableBalance), nil
	}
	for _, coin := range acct.Coin {
		if coin.Coin == settleCoin {
			if coin.AvailableToWithdraw != "" {
				return num(coin.AvailableToWithdraw), nil
			}
			return num(coin.WalletBalance), nil
		}
	}
	return decimal.Zero, nil
}

// PlaceOrder submits a market order sized by Volume. The returned id is
// empty if the venue accepted the request without assigning one.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if !req.Volume.IsPositive() {
		return "", fmt.Errorf("bybit: place order: %w: non-positive volume", domain.ErrInvalidOrder)
	}
	side := "Buy"
	if req.Side == domain.OrderSideSell {
		side = "Sell"
	}
	body := map[string]any{
		"category":    c.category,
		"symbol":      symbol(req.Asset),
		"side":        side,
		"orderType":   "Market",
		"qty":         req.Volume.String(),
		"timeInForce": "IOC",
		"positionIdx": 0,
		"reduceOnly":  req.ReduceOnly,
	}

	var res apiOrderCreated
	if err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &res); err != nil {
		return "", fmt.Errorf("bybit: place order %s: %w", req.Asset, err)
	}
	return res.OrderID, nil
}

// FetchOrder returns the execution state of an order.
func (c *Client) FetchOrder(ctx context.Context, asset, orderID string) (domain.Fill, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol(asset))
	q.Set("orderId", orderID)

	var res apiOrders
	if err := c.do(ctx, http.MethodGet, "/v5/order/realtime", q, nil, true, &res); err != nil {
		return domain.Fill{}, fmt.Errorf("bybit: order %s: %w", orderID, err)
	}
	if len(res.List) == 0 {
		return domain.Fill{OrderID: orderID}, nil
	}

	o := res.List[0]
	f := domain.Fill{
		OrderID:  o.OrderID,
		Volume:   num(o.CumExecQty),
		Funds:    num(o.CumExecValue),
		Fee:      num(o.CumExecFee),
		AvgPrice: num(o.AvgPrice),
	}
	switch o.OrderStatus {
	case "Filled", "Cancelled", "PartiallyFilledCanceled", "Rejected", "Deactivated":
		f.Done = true
	}
	if f.AvgPrice.IsZero() && f.Volume.IsPositive() {
		f.AvgPrice = f.Funds.Div(f.Volume)
	}
	return f, nil
}

// SetLeverage sets both sides of the position to multiplier. An unchanged
// leverage is not an error.
func (c *Client) SetLeverage(ctx context.Context, asset string, multiplier int) error {
	lev := strconv.Itoa(multiplier)
	body := map[string]any{
		"category":     c.category,
		"symbol":       symbol(asset),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := c.do(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, true, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetCode == codeLeverageNotChanged {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bybit: set leverage %s: %w", asset, err)
	}
	return nil
}

// closedPnLWindow is how many recent records are searched for the closing
// order. Records are published with a delay and newest first.
const closedPnLWindow = 20

// ClosedPnL finds the closed-PnL record of the closing order orderID among the
// asset's most recent records.
func (c *Client) ClosedPnL(ctx context.Context, asset, orderID string) (domain.ClosedPnL, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol(asset))
	q.Set("limit", strconv.Itoa(closedPnLWindow))

	var res apiClosedPnL
	if err := c.do(ctx, http.MethodGet, "/v5/position/closed-pnl", q, nil, true, &res); err != nil {
		return domain.ClosedPnL{}, fmt.Errorf("bybit: closed pnl %s: %w", asset, err)
	}
	for _, r := range res.List {
		if r.OrderID != orderID {
			continue
		}
		vol := num(r.ClosedSize)
		if vol.IsZero() {
			vol = num(r.Qty)
		}
		return domain.ClosedPnL{
			OrderID:      r.OrderID,
			Asset:        asset,
			Volume:       vol,
			EntryValue:   num(r.CumEntryValue),
			ExitValue:    num(r.CumExitValue),
			AvgExitPrice: num(r.AvgExitPrice),
			PnL:          num(r.ClosedPnL),
			OpenFee:      num(r.OpenFee),
			CloseFee:     num(r.CloseFee),
		}, nil
	}
	return domain.ClosedPnL{}, fmt.Errorf("bybit: closed pnl %s order %s: %w", asset, orderID, domain.ErrNotFound)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do sends a request and decodes the v5 result into out. GET requests sign
// the query string; POST requests sign the JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body map[string]any, signed bool, out any) error {
	fullURL := c.baseURL + path
	var payload string
	if len(query) > 0 {
		payload = query.Encode()
		fullURL += "?" + payload
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = string(data)
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.apiKey == "" || c.apiSecret == "" {
			return fmt.Errorf("bybit: %w: credentials not configured", domain.ErrUnauthorized)
		}
		ts := crypto.TimestampMillis()
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
		req.Header.Set("X-BAPI-SIGN", crypto.HMACSHA256Hex(c.apiSecret, ts+c.apiKey+c.recvWindow+payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w: %w", domain.ErrTransient, err)
	}

	var env envelope[json.RawMessage]
	decodeErr := json.Unmarshal(respBody, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, RetCode: env.RetCode, RetMsg: env.RetMsg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if env.RetCode != codeOK {
		return &APIError{Status: resp.StatusCode, RetCode: env.RetCode, RetMsg: env.RetMsg}
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

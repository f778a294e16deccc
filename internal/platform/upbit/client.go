// Package upbit is the REST adapter for the Upbit spot exchange, the home
// venue. Prices and balances are quoted in KRW.
package upbit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/crypto"
	"github.com/alanyoungcy/karbit/internal/domain"
)

// DefaultBaseURL is the production REST root.
const DefaultBaseURL = "https://api.upbit.com"

const (
	quoteCurrency = "KRW"
	// ReferenceAsset is the stablecoin whose KRW price converts USDT notionals.
	ReferenceAsset = "USDT"
	bookDepth      = 30
)

// volumeStep is the finest sell quantity Upbit accepts.
var volumeStep = decimal.New(1, -8)

// Client is the REST client for Upbit. Public endpoints work without keys.
type Client struct {
	baseURL    string
	accessKey  string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a new Upbit REST client.
func NewClient(baseURL, accessKey, secretKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accessKey:  accessKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithCredentials returns a copy of the client authenticated as another
// account. The HTTP transport is shared.
func (c *Client) WithCredentials(accessKey, secretKey string) *Client {
	cp := *c
	cp.accessKey = accessKey
	cp.secretKey = secretKey
	return &cp
}

// Venue implements domain.MarketData.
func (c *Client) Venue() domain.Venue { return domain.VenueUpbit }

func market(asset string) string { return quoteCurrency + "-" + asset }

// FetchOrderBook returns the KRW book for asset, best prices first.
func (c *Client) FetchOrderBook(ctx context.Context, asset string) (domain.OrderBook, error) {
	q := url.Values{}
	q.Set("markets", market(asset))
	q.Set("count", fmt.Sprint(bookDepth))

	var books []apiOrderbook
	if err := c.do(ctx, http.MethodGet, "/v1/orderbook", q, nil, false, &books); err != nil {
		return domain.OrderBook{}, fmt.Errorf("upbit: orderbook %s: %w", asset, err)
	}
	if len(books) == 0 {
		return domain.OrderBook{}, fmt.Errorf("upbit: orderbook %s: %w", asset, domain.ErrNotFound)
	}

	b := books[0]
	ob := domain.OrderBook{
		Venue:           domain.VenueUpbit,
		Asset:           asset,
		TimestampMillis: b.Timestamp,
		Asks:            make([]domain.Level, 0, len(b.Units)),
		Bids:            make([]domain.Level, 0, len(b.Units)),
	}
	for _, u := range b.Units {
		ob.Asks = append(ob.Asks, domain.Level{Price: u.AskPrice, Size: u.AskSize})
		ob.Bids = append(ob.Bids, domain.Level{Price: u.BidPrice, Size: u.BidSize})
	}
	return ob, nil
}

// LotSizeStep returns the sell quantity precision. Buys are sized by KRW
// notional and have no lot constraint.
func (c *Client) LotSizeStep(context.Context, string) (decimal.Decimal, error) {
	return volumeStep, nil
}

// ReferencePrice returns the best KRW ask for USDT.
func (c *Client) ReferencePrice(ctx context.Context) (decimal.Decimal, error) {
	ob, err := c.FetchOrderBook(ctx, ReferenceAsset)
	if err != nil {
		return decimal.Zero, err
	}
	for _, l := range ob.Asks {
		if l.Price.IsPositive() {
			return l.Price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("upbit: reference price: %w", domain.ErrNoLiquidity)
}

// ListTradableAssets lists KRW markets with their wallet state. Without
// credentials the wallet endpoint is unavailable and every market is
// reported transferable.
func (c *Client) ListTradableAssets(ctx context.Context) ([]domain.VenueAsset, error) {
	var markets []apiMarket
	if err := c.do(ctx, http.MethodGet, "/v1/market/all", nil, nil, false, &markets); err != nil {
		return nil, fmt.Errorf("upbit: list markets: %w", err)
	}

	states := map[string]string{}
	if c.accessKey != "" {
		var wallets []apiWalletStatus
		if err := c.do(ctx, http.MethodGet, "/v1/status/wallet", nil, nil, true, &wallets); err != nil {
			return nil, fmt.Errorf("upbit: wallet status: %w", err)
		}
		for _, w := range wallets {
			states[w.Currency] = w.WalletState
		}
	}

	now := time.Now().UTC()
	out := make([]domain.VenueAsset, 0, len(markets))
	for _, m := range markets {
		asset, ok := strings.CutPrefix(m.Market, quoteCurrency+"-")
		if !ok {
			continue
		}
		dep, wd := true, true
		if c.accessKey != "" {
			dep, wd = walletFlags(states[asset])
		}
		out = append(out, domain.VenueAsset{
			Venue:           domain.VenueUpbit,
			Asset:           asset,
			DepositEnabled:  dep,
			WithdrawEnabled: wd,
			UpdatedAt:       now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func walletFlags(state string) (deposit, withdraw bool) {
	switch state {
	case "working":
		return true, true
	case "deposit_only":
		return true, false
	case "withdraw_only":
		return false, true
	}
	return false, false
}

// FetchBalance returns the orderable KRW balance.
func (c *Client) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	var accounts []apiAccount
	if err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, nil, true, &accounts); err != nil {
		return decimal.Zero, fmt.Errorf("upbit: accounts: %w", err)
	}
	for _, a := range accounts {
		if a.Currency == quoteCurrency {
			return a.Balance, nil
		}
	}
	return decimal.Zero, nil
}

// PlaceOrder submits a market order. Buys spend Notional KRW; sells
// dispose of Volume units.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	params := map[string]string{
		"market":     market(req.Asset),
		"identifier": uuid.NewString(),
	}
	switch req.Side {
	case domain.OrderSideBuy:
		if !req.Notional.IsPositive() {
			return "", fmt.Errorf("upbit: place order: %w: non-positive notional", domain.ErrInvalidOrder)
		}
		params["side"] = "bid"
		params["ord_type"] = "price"
		params["price"] = req.Notional.String()
	case domain.OrderSideSell:
		if !req.Volume.IsPositive() {
			return "", fmt.Errorf("upbit: place order: %w: non-positive volume", domain.ErrInvalidOrder)
		}
		params["side"] = "ask"
		params["ord_type"] = "market"
		params["volume"] = req.Volume.String()
	default:
		return "", fmt.Errorf("upbit: place order: %w: side %q", domain.ErrInvalidOrder, req.Side)
	}

	var resp apiOrder
	if err := c.do(ctx, http.MethodPost, "/v1/orders", nil, params, true, &resp); err != nil {
		return "", fmt.Errorf("upbit: place order %s: %w", req.Asset, err)
	}
	return resp.UUID, nil
}

// FetchOrder returns the execution state of an order.
func (c *Client) FetchOrder(ctx context.Context, _ string, orderID string) (domain.Fill, error) {
	q := url.Values{}
	q.Set("uuid", orderID)

	var resp apiOrder
	if err := c.do(ctx, http.MethodGet, "/v1/order", q, nil, true, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("upbit: order %s: %w", orderID, err)
	}
	return resp.toFill(), nil
}

// SetLeverage is a no-op; Upbit is a spot venue.
func (c *Client) SetLeverage(context.Context, string, int) error {
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do sends a request and decodes a 2xx JSON body into out. Signed requests
// carry a JWT whose query_hash covers the query or body parameters.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body map[string]string, signed bool, out any) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		hashed := query
		if body != nil {
			hashed = url.Values{}
			for k, v := range body {
				hashed.Set(k, v)
			}
		}
		token, err := c.token(hashed)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
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

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Name    string `json:"name"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		return &APIError{Status: resp.StatusCode, Name: apiErr.Error.Name, Message: apiErr.Error.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// token builds the HS512 bearer token. The query hash is taken over the
// unescaped, key-sorted parameter string.
func (c *Client) token(params url.Values) (string, error) {
	if c.accessKey == "" || c.secretKey == "" {
		return "", fmt.Errorf("upbit: %w: credentials not configured", domain.ErrUnauthorized)
	}
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}
	if len(params) > 0 {
		qs, err := url.QueryUnescape(params.Encode())
		if err != nil {
			return "", fmt.Errorf("upbit: encode query: %w", err)
		}
		claims["query_hash"] = crypto.SHA512Hex(qs)
		claims["query_hash_alg"] = "SHA512"
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("upbit: %w: %w", domain.ErrSigningFailed, err)
	}
	return signed, nil
}

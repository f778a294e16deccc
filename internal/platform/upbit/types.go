package upbit

import (
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// Wire types for the Upbit REST API. Numeric fields arrive either as JSON
// numbers or as strings; decimal.Decimal accepts both.

type apiOrderbook struct {
	Market    string `json:"market"`
	Timestamp int64  `json:"timestamp"`
	Units     []struct {
		AskPrice decimal.Decimal `json:"ask_price"`
		BidPrice decimal.Decimal `json:"bid_price"`
		AskSize  decimal.Decimal `json:"ask_size"`
		BidSize  decimal.Decimal `json:"bid_size"`
	} `json:"orderbook_units"`
}

type apiMarket struct {
	Market      string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
}

type apiWalletStatus struct {
	Currency    string `json:"currency"`
	WalletState string `json:"wallet_state"`
	NetType     string `json:"net_type"`
}

type apiAccount struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Locked   decimal.Decimal `json:"locked"`
}

type apiOrder struct {
	UUID           string          `json:"uuid"`
	Side           string          `json:"side"`
	OrdType        string          `json:"ord_type"`
	State          string          `json:"state"`
	Market         string          `json:"market"`
	ExecutedVolume decimal.Decimal `json:"executed_volume"`
	PaidFee        decimal.Decimal `json:"paid_fee"`
	Trades         []struct {
		Price  decimal.Decimal `json:"price"`
		Volume decimal.Decimal `json:"volume"`
		Funds  decimal.Decimal `json:"funds"`
	} `json:"trades"`
}

// toFill normalizes an order. Funds are summed from the trade list; the
// average price is derived from them.
func (o apiOrder) toFill() domain.Fill {
	funds := decimal.Zero
	volume := decimal.Zero
	for _, t := range o.Trades {
		funds = funds.Add(t.Funds)
		volume = volume.Add(t.Volume)
	}
	if o.ExecutedVolume.IsPositive() {
		volume = o.ExecutedVolume
	}
	f := domain.Fill{
		OrderID: o.UUID,
		Volume:  volume,
		Funds:   funds,
		Fee:     o.PaidFee,
		Done:    o.State == "done" || o.State == "cancel",
	}
	if volume.IsPositive() {
		f.AvgPrice = funds.Div(volume)
	}
	return f
}

// APIError is a non-2xx response from Upbit.
type APIError struct {
	Status  int
	Name    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upbit: HTTP %d: %s (%s)", e.Status, e.Message, e.Name)
}

// Unwrap maps the response onto the domain error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.Name == "insufficient_funds_bid" || e.Name == "insufficient_funds_ask":
		return domain.ErrInsufficientBalance
	case e.Status == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case e.Status == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Status == http.StatusBadRequest:
		return domain.ErrInvalidOrder
	case e.Status >= 500:
		return domain.ErrTransient
	}
	return nil
}

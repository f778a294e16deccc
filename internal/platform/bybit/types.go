package bybit

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// envelope is the v5 response wrapper. Result is decoded separately.
type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
	Time    int64  `json:"time"`
}

type apiOrderbook struct {
	Symbol string      `json:"s"`
	Asks   [][2]string `json:"a"`
	Bids   [][2]string `json:"b"`
	TS     int64       `json:"ts"`
}

type apiInstruments struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		QuoteCoin     string `json:"quoteCoin"`
		BaseCoin      string `json:"baseCoin"`
		LotSizeFilter struct {
			QtyStep     decimal.Decimal `json:"qtyStep"`
			MinOrderQty decimal.Decimal `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type apiTickers struct {
	List []struct {
		Symbol string `json:"symbol"`
	} `json:"list"`
}

type apiCoinInfo struct {
	Rows []struct {
		Coin   string `json:"coin"`
		Chains []struct {
			ChainDeposit  string `json:"chainDeposit"`
			ChainWithdraw string `json:"chainWithdraw"`
		} `json:"chains"`
	} `json:"rows"`
}

type apiWallet struct {
	List []struct {
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		Coin                  []struct {
			Coin                string `json:"coin"`
			WalletBalance       string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

type apiOrderCreated struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type apiOrders struct {
	List []struct {
		OrderID      string `json:"orderId"`
		OrderStatus  string `json:"orderStatus"`
		CumExecQty   string `json:"cumExecQty"`
		CumExecValue string `json:"cumExecValue"`
		CumExecFee   string `json:"cumExecFee"`
		AvgPrice     string `json:"avgPrice"`
	} `json:"list"`
}

type apiClosedPnL struct {
	List []struct {
		Symbol        string `json:"symbol"`
		OrderID       string `json:"orderId"`
		Qty           string `json:"qty"`
		ClosedSize    string `json:"closedSize"`
		CumEntryValue string `json:"cumEntryValue"`
		CumExitValue  string `json:"cumExitValue"`
		AvgExitPrice  string `json:"avgExitPrice"`
		ClosedPnL     string `json:"closedPnl"`
		OpenFee       string `json:"openFee"`
		CloseFee      string `json:"closeFee"`
	} `json:"list"`
}

// num parses a decimal string, treating "" as zero. Bybit leaves fields
// empty rather than omitting them.
func num(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func levels(raw [][2]string) []domain.Level {
	out := make([]domain.Level, 0, len(raw))
	for _, l := range raw {
		out = append(out, domain.Level{Price: num(l[0]), Size: num(l[1])})
	}
	return out
}

// Return codes with a dedicated mapping.
const (
	codeOK                 = 0
	codeInvalidParam       = 10001
	codeAuthFailed         = 10003
	codeBadSignature       = 10004
	codePermissionDenied   = 10005
	codeRateLimited        = 10006
	codeInsufficientFunds  = 110007
	codeLeverageNotChanged = 110043
)

// APIError is a non-zero retCode or non-2xx status from Bybit.
type APIError struct {
	Status  int
	RetCode int
	RetMsg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: HTTP %d retCode %d: %s", e.Status, e.RetCode, e.RetMsg)
}

// Unwrap maps the response onto the domain error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.RetCode == codeRateLimited || e.Status == 429:
		return domain.ErrRateLimited
	case e.RetCode == codeAuthFailed || e.RetCode == codeBadSignature || e.RetCode == codePermissionDenied || e.Status == 401:
		return domain.ErrUnauthorized
	case e.RetCode == codeInsufficientFunds:
		return domain.ErrInsufficientBalance
	case e.RetCode == codeInvalidParam:
		return domain.ErrInvalidOrder
	case e.Status >= 500:
		return domain.ErrTransient
	}
	return nil
}

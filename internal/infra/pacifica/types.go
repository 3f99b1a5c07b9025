package pacifica

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// apiEnvelope is the outer object of every REST response:
// {"success": true, "data": ..., "error": "..."}.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    int             `json:"code"`
}

// APIError is a non-2xx or success=false response from the exchange.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pacifica api error: status=%d code=%d msg=%q", e.StatusCode, e.Code, e.Message)
}

// IsRateLimited reports whether the exchange asked us to back off.
func (e *APIError) IsRateLimited() bool { return e.StatusCode == 429 }

// IsBusinessReject reports a request the exchange understood and refused,
// such as a reduce-only order with no position behind it.
func (e *APIError) IsBusinessReject() bool {
	return e.StatusCode == 400 || e.StatusCode == 422
}

// IsAuthError reports a signature or key problem. Retrying cannot help.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsTransient reports a server-side or gateway failure worth retrying.
func (e *APIError) IsTransient() bool { return e.StatusCode >= 500 }

// createOrderData is the data object of POST /orders/create.
type createOrderData struct {
	OrderID int64 `json:"order_id"`
}

// wsTokenData is the data object of POST /ws/token.
type wsTokenData struct {
	Token string `json:"token"`
}

// marketInfo is one entry of GET /info.
type marketInfo struct {
	Symbol       string          `json:"symbol"`
	TickSize     decimal.Decimal `json:"tick_size"`
	LotSize      decimal.Decimal `json:"lot_size"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	MaxLeverage  int             `json:"max_leverage"`
}

// accountData is the data object of GET /account.
type accountData struct {
	Balance          decimal.Decimal `json:"balance"`
	AvailableToSpend decimal.Decimal `json:"available_to_spend"`
	AccountEquity    decimal.Decimal `json:"account_equity"`
}

// positionData is one entry of GET /positions. Side is "bid" for long and
// "ask" for short; Amount is unsigned.
type positionData struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// openOrderData is one entry of GET /orders.
type openOrderData struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"initial_amount"`
	FilledAmount  decimal.Decimal `json:"filled_amount"`
	ReduceOnly    bool            `json:"reduce_only"`
}

// wsSubscribe is the subscription request for one stream source.
type wsSubscribe struct {
	Method string            `json:"method"`
	Params wsSubscribeParams `json:"params"`
}

type wsSubscribeParams struct {
	Source  string `json:"source"`
	Account string `json:"account,omitempty"`
}

// wsFrame is the common shape of inbound stream messages:
// {"channel": "...", "data": ...}. Subscription confirmations carry no
// channel and are matched on their type field instead.
type wsFrame struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// wsPriceEntry is one element of a prices frame.
type wsPriceEntry struct {
	Symbol string          `json:"symbol"`
	Mid    decimal.Decimal `json:"mid"`
	Mark   decimal.Decimal `json:"mark"`
}

// wsOrderEntry is one element of an account_orders frame. The stream uses
// compact keys: i=order id, I=client id, s=symbol, d=side, p=price,
// a=original amount, f=cumulative filled, ap=average fill price.
type wsOrderEntry struct {
	OrderID       int64           `json:"i"`
	ClientOrderID string          `json:"I"`
	Symbol        string          `json:"s"`
	Side          string          `json:"d"`
	Price         decimal.Decimal `json:"p"`
	Amount        decimal.Decimal `json:"a"`
	FilledAmount  decimal.Decimal `json:"f"`
	AvgPrice      decimal.Decimal `json:"ap"`
	Status        string          `json:"os"`
}

// wsPositionEntry is one element of an account_positions frame:
// s=symbol, a=unsigned amount, p=entry price, d=direction.
type wsPositionEntry struct {
	Symbol     string          `json:"s"`
	Amount     decimal.Decimal `json:"a"`
	EntryPrice decimal.Decimal `json:"p"`
	Side       string          `json:"d"`
}

// wsAccountInfo is the data of an account_info frame. "as" is the balance
// available to spend.
type wsAccountInfo struct {
	AvailableToSpend decimal.Decimal `json:"as"`
	Balance          decimal.Decimal `json:"b"`
}

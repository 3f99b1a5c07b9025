package pacifica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/infra"
)

// ErrCircuitOpen is returned when the order-submission breaker refuses a
// request without hitting the network.
var ErrCircuitOpen = errors.New("order submission circuit open")

const (
	maxRetries     = 3
	requestTimeout = 10 * time.Second
	// Cooldown applied when the exchange answers 429. The breaker opens for
	// this long regardless of its failure counter.
	rateLimitCooldown = 5 * time.Second
)

// Client is the signed REST client. Creates are guarded by a circuit
// breaker; cancels are not, so a degraded venue can still be flattened.
type Client struct {
	baseURL string
	signer  *Signer
	http    *http.Client
	limiter *infra.RateLimiter
	breaker *infra.CircuitBreaker
	logger  *slog.Logger
}

// NewClient builds a client for the given REST endpoint.
func NewClient(baseURL string, signer *Signer, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		signer:  signer,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: infra.NewRateLimiter(10, 10),
		breaker: infra.NewCircuitBreaker("orders", 5, 2, 30*time.Second),
		logger:  logger,
	}
}

// Account returns the base58 account address derived from the signing key.
func (c *Client) Account() string { return c.signer.Account() }

// CreateOrder places a GTC post-style limit order and returns the exchange
// order id.
func (c *Client) CreateOrder(ctx context.Context, symbol string, side domain.Side,
	price, amount decimal.Decimal, reduceOnly bool, clientOrderID string) (string, error) {

	if !c.breaker.Allow() {
		return "", ErrCircuitOpen
	}

	op := CreateOrderOp{
		Amount:        amount.String(),
		ClientOrderID: clientOrderID,
		Price:         price.String(),
		ReduceOnly:    reduceOnly,
		Side:          string(side),
		Symbol:        symbol,
		TIF:           "GTC",
	}

	var data createOrderData
	err := c.postSigned(ctx, "/orders/create", op, &data)
	c.recordOrderOutcome(err)
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	return strconv.FormatInt(data.OrderID, 10), nil
}

// CreateMarketOrder places a market order, used to flatten a desynced
// position during reconciliation.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side domain.Side,
	amount decimal.Decimal, reduceOnly bool, clientOrderID string) (string, error) {

	if !c.breaker.Allow() {
		return "", ErrCircuitOpen
	}

	op := CreateMarketOrderOp{
		Amount:          amount.String(),
		ClientOrderID:   clientOrderID,
		ReduceOnly:      reduceOnly,
		Side:            string(side),
		SlippagePercent: "0.5",
		Symbol:          symbol,
	}

	var data createOrderData
	err := c.postSigned(ctx, "/orders/create_market", op, &data)
	c.recordOrderOutcome(err)
	if err != nil {
		return "", fmt.Errorf("create market order: %w", err)
	}
	return strconv.FormatInt(data.OrderID, 10), nil
}

// CancelOrder cancels one order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel order: bad id %q: %w", orderID, err)
	}
	op := CancelOrderOp{OrderID: id, Symbol: symbol}
	if err := c.postSigned(ctx, "/orders/cancel", op, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelOrderByClientID cancels one order by client order id. Used when the
// create response was lost and only the local id is known.
func (c *Client) CancelOrderByClientID(ctx context.Context, symbol, clientOrderID string) error {
	op := CancelOrderOp{ClientOrderID: clientOrderID, Symbol: symbol}
	if err := c.postSigned(ctx, "/orders/cancel", op, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order for the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	op := CancelAllOrdersOp{AllSymbols: false, ExcludeReduceOnly: false, Symbol: symbol}
	if err := c.postSigned(ctx, "/orders/cancel_all", op, nil); err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	return nil
}

// WSAuthToken requests a websocket auth token with a signed request. The
// account stream fetches one before subscribing, which doubles as a
// credentials check: a bad key fails here instead of yielding a silently
// empty private stream.
func (c *Client) WSAuthToken(ctx context.Context) (string, error) {
	var data wsTokenData
	if err := c.postSigned(ctx, "/ws/token", SubscribeAuthOp{}, &data); err != nil {
		return "", fmt.Errorf("ws auth token: %w", err)
	}
	if data.Token == "" {
		return "", fmt.Errorf("ws auth token: empty token in response")
	}
	return data.Token, nil
}

// SetLeverage sets the account leverage for the symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := SetLeverageOp{Leverage: strconv.Itoa(leverage), Symbol: symbol}
	if err := c.postSigned(ctx, "/account/leverage", op, nil); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

// OpenOrders returns the open orders for the symbol as seen by the exchange.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	var entries []openOrderData
	params := url.Values{"account": {c.signer.Account()}}
	if err := c.get(ctx, "/orders", params, &entries); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		status := domain.StatusOpen
		if e.FilledAmount.IsPositive() {
			status = domain.StatusPartiallyFilled
		}
		orders = append(orders, domain.Order{
			ExchangeOrderID: strconv.FormatInt(e.OrderID, 10),
			ClientOrderID:   e.ClientOrderID,
			Symbol:          e.Symbol,
			Side:            domain.Side(e.Side),
			Price:           e.Price,
			Amount:          e.Amount,
			FilledAmount:    e.FilledAmount,
			ReduceOnly:      e.ReduceOnly,
			Status:          status,
		})
	}
	return orders, nil
}

// AvailableBalance returns the balance available to spend.
func (c *Client) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	var data accountData
	params := url.Values{"account": {c.signer.Account()}}
	if err := c.get(ctx, "/account", params, &data); err != nil {
		return decimal.Zero, fmt.Errorf("account: %w", err)
	}
	return data.AvailableToSpend, nil
}

// Position returns the current position for the symbol, or nil when flat.
func (c *Client) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	var entries []positionData
	params := url.Values{"account": {c.signer.Account()}}
	if err := c.get(ctx, "/positions", params, &entries); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	for _, e := range entries {
		if e.Symbol != symbol {
			continue
		}
		net := e.Amount.Abs()
		if e.Side == "ask" {
			net = net.Neg()
		}
		return &domain.Position{
			Symbol:     e.Symbol,
			NetAmount:  net,
			EntryPrice: e.EntryPrice,
			UpdatedAt:  time.Now(),
		}, nil
	}
	return nil, nil
}

// SymbolFilters fetches the exchange trading rules for the symbol.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	var markets []marketInfo
	if err := c.get(ctx, "/info", nil, &markets); err != nil {
		return domain.SymbolFilters{}, fmt.Errorf("market info: %w", err)
	}

	for _, m := range markets {
		if m.Symbol == symbol {
			return domain.SymbolFilters{
				Symbol:      m.Symbol,
				TickSize:    m.TickSize,
				LotSize:     m.LotSize,
				MinNotional: m.MinOrderSize,
			}, nil
		}
	}
	return domain.SymbolFilters{}, fmt.Errorf("symbol %q not listed", symbol)
}

// recordOrderOutcome feeds the submission breaker. Business rejects count as
// a working venue; 429 trips the breaker for the exchange-mandated cooldown.
func (c *Client) recordOrderOutcome(err error) {
	if err == nil {
		c.breaker.RecordSuccess()
		return
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimited():
			c.breaker.Trip(rateLimitCooldown)
		case apiErr.IsBusinessReject():
			c.breaker.RecordSuccess()
		default:
			c.breaker.RecordFailure()
		}
		return
	}
	c.breaker.RecordFailure()
}

func (c *Client) postSigned(ctx context.Context, path string, op Operation, out any) error {
	req, err := c.signer.Sign(op, time.Now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.doWithRetry(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	return c.doWithRetry(ctx, http.MethodGet, path, params, nil, out)
}

// doWithRetry retries transient failures with backoff. Rate-limit and
// business errors surface immediately: the caller decides what a 429 or 422
// means for its state.
func (c *Client) doWithRetry(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(infra.CalculateBackoff(attempt - 1)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.do(ctx, method, path, params, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.IsTransient() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		c.logger.Warn("Request failed, retrying", "method", method, "path", path,
			"attempt", attempt+1, "err", err)
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
	}

	var env apiEnvelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("malformed response: %w", jsonErr)
	}

	if resp.StatusCode != http.StatusOK || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = string(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: msg}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("malformed response data: %w", err)
		}
	}
	return nil
}

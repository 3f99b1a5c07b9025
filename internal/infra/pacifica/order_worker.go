package pacifica

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/event"
)

// AccountStreamHandler normalizes the private account streams: own-order
// updates, position snapshots, and balance updates. One connection carries
// all three sources.
type AccountStreamHandler struct {
	wsURL   string
	symbol  string
	account string
	auth    func(ctx context.Context) (string, error)
	seq     *event.Sequence
	publish func(event.Event)
	logger  *slog.Logger
}

// NewAccountStreamHandler creates the handler for the account streams. auth
// (optional) fetches a websocket auth token before every subscription pass,
// so bad credentials fail the connect instead of yielding a stream that
// never delivers.
func NewAccountStreamHandler(wsURL, symbol, account string,
	auth func(ctx context.Context) (string, error), seq *event.Sequence,
	publish func(event.Event), logger *slog.Logger) *AccountStreamHandler {

	return &AccountStreamHandler{
		wsURL:   wsURL,
		symbol:  symbol,
		account: account,
		auth:    auth,
		seq:     seq,
		publish: publish,
		logger:  logger,
	}
}

func (h *AccountStreamHandler) ID() string  { return "orders" }
func (h *AccountStreamHandler) URL() string { return h.wsURL }

func (h *AccountStreamHandler) Subscribe(ctx context.Context, send func([]byte) error) error {
	if h.auth != nil {
		if _, err := h.auth(ctx); err != nil {
			return err
		}
	}
	for _, source := range []string{"account_orders", "account_positions", "account_info"} {
		msg, err := json.Marshal(wsSubscribe{
			Method: "subscribe",
			Params: wsSubscribeParams{Source: source, Account: h.account},
		})
		if err != nil {
			return err
		}
		if err := send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *AccountStreamHandler) Heartbeat() []byte { return pingFrame }

func (h *AccountStreamHandler) OnMessage(ctx context.Context, msg []byte) bool {
	var frame wsFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		h.logger.Warn("Undecodable account frame", "err", err)
		return false
	}

	if frame.Error != "" {
		h.logger.Error("Account stream error", "err", frame.Error)
		return true
	}

	switch frame.Channel {
	case "account_orders":
		h.handleOrders(frame.Data)
	case "account_positions":
		h.handlePositions(frame.Data)
	case "account_info":
		h.handleAccountInfo(frame.Data)
	}
	return true
}

func (h *AccountStreamHandler) handleOrders(data json.RawMessage) {
	var entries []wsOrderEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		h.logger.Warn("Undecodable account_orders payload", "err", err)
		return
	}

	for _, e := range entries {
		if e.Symbol != h.symbol {
			continue
		}
		h.publish(event.OrderUpdateEvent{
			BaseEvent:       h.seq.Next(time.Now()),
			Kind:            orderKind(e),
			ExchangeOrderID: strconv.FormatInt(e.OrderID, 10),
			ClientOrderID:   e.ClientOrderID,
			Symbol:          e.Symbol,
			Side:            domain.Side(e.Side),
			Price:           e.Price,
			FilledAmount:    e.FilledAmount,
			AvgFillPrice:    e.AvgPrice,
		})
	}
}

// orderKind maps a stream entry to an event kind, preferring the explicit
// status when the exchange sends one and falling back to the fill amounts.
func orderKind(e wsOrderEntry) event.OrderEventKind {
	switch e.Status {
	case "filled":
		return event.OrderFilled
	case "partially_filled":
		return event.OrderPartiallyFilled
	case "cancelled", "expired":
		return event.OrderCancelled
	case "rejected":
		return event.OrderRejected
	case "open", "placed":
		if e.FilledAmount.IsPositive() {
			return event.OrderPartiallyFilled
		}
		return event.OrderPlaced
	}

	if e.Amount.IsPositive() && e.FilledAmount.GreaterThanOrEqual(e.Amount) {
		return event.OrderFilled
	}
	if e.FilledAmount.IsPositive() {
		return event.OrderPartiallyFilled
	}
	return event.OrderPlaced
}

func (h *AccountStreamHandler) handlePositions(data json.RawMessage) {
	var entries []wsPositionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		h.logger.Warn("Undecodable account_positions payload", "err", err)
		return
	}

	for _, e := range entries {
		if e.Symbol != h.symbol {
			continue
		}
		net := e.Amount.Abs()
		if e.Side == "ask" {
			net = net.Neg()
		}
		h.publish(event.AccountUpdateEvent{
			BaseEvent: h.seq.Next(time.Now()),
			Position: &domain.Position{
				Symbol:     e.Symbol,
				NetAmount:  net,
				EntryPrice: e.EntryPrice,
				UpdatedAt:  time.Now(),
			},
		})
		return
	}

	// A snapshot without our symbol means the position is confirmed flat.
	h.publish(event.AccountUpdateEvent{
		BaseEvent:      h.seq.Next(time.Now()),
		PositionAbsent: true,
	})
}

func (h *AccountStreamHandler) handleAccountInfo(data json.RawMessage) {
	var info wsAccountInfo
	if err := json.Unmarshal(data, &info); err != nil {
		h.logger.Warn("Undecodable account_info payload", "err", err)
		return
	}
	if !info.AvailableToSpend.IsPositive() {
		return
	}
	available := info.AvailableToSpend
	h.publish(event.AccountUpdateEvent{
		BaseEvent:        h.seq.Next(time.Now()),
		AvailableBalance: &available,
	})
}

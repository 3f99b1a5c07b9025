package pacifica

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/event"
)

// estimatedHalfSpread derives best bid/ask from the mid when the feed only
// carries mid and mark prices. 0.02% each side.
var estimatedHalfSpread = decimal.NewFromFloat(0.0002)

var pingFrame = []byte(`{"method":"ping"}`)

// PriceStreamHandler normalizes the public prices stream into PriceTickEvents
// for one symbol. Frames for other symbols still count as connection
// activity.
type PriceStreamHandler struct {
	wsURL   string
	symbol  string
	seq     *event.Sequence
	publish func(event.Event)
	logger  *slog.Logger
}

// NewPriceStreamHandler creates the handler for the prices source.
func NewPriceStreamHandler(wsURL, symbol string, seq *event.Sequence,
	publish func(event.Event), logger *slog.Logger) *PriceStreamHandler {

	return &PriceStreamHandler{
		wsURL:   wsURL,
		symbol:  symbol,
		seq:     seq,
		publish: publish,
		logger:  logger,
	}
}

func (h *PriceStreamHandler) ID() string  { return "prices" }
func (h *PriceStreamHandler) URL() string { return h.wsURL }

func (h *PriceStreamHandler) Subscribe(ctx context.Context, send func([]byte) error) error {
	msg, err := json.Marshal(wsSubscribe{
		Method: "subscribe",
		Params: wsSubscribeParams{Source: "prices"},
	})
	if err != nil {
		return err
	}
	return send(msg)
}

func (h *PriceStreamHandler) Heartbeat() []byte { return pingFrame }

func (h *PriceStreamHandler) OnMessage(ctx context.Context, msg []byte) bool {
	var frame wsFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		h.logger.Warn("Undecodable prices frame", "err", err)
		return false
	}

	if frame.Channel != "prices" {
		// Subscription acks and pongs keep the connection alive but carry
		// no data.
		return true
	}

	var entries []wsPriceEntry
	if err := json.Unmarshal(frame.Data, &entries); err != nil {
		h.logger.Warn("Undecodable prices payload", "err", err)
		return true
	}

	for _, e := range entries {
		if e.Symbol != h.symbol || !e.Mid.IsPositive() {
			continue
		}
		half := e.Mid.Mul(estimatedHalfSpread)
		h.publish(event.PriceTickEvent{
			BaseEvent: h.seq.Next(time.Now()),
			Tick: domain.PriceTick{
				Symbol:    e.Symbol,
				Mid:       e.Mid,
				BestBid:   e.Mid.Sub(half),
				BestAsk:   e.Mid.Add(half),
				Timestamp: time.Now(),
			},
		})
	}
	return true
}

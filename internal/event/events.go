// Package event defines the tagged union drained by the engine's single
// event loop. Everything that can mutate engine state (market data, order
// updates, timers, parameter refreshes, REST completions, stream health)
// enters through this union, in order. No other mutation path exists.
package event

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
)

// Type identifies the concrete event variant.
type Type uint16

const (
	EvPriceTick Type = iota + 1
	EvOrderUpdate
	EvTimerTick
	EvSpreadUpdate
	EvTrendUpdate
	EvCommandResult
	EvStreamState
	EvAccountUpdate
)

// Event is the interface for all engine inbox events.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
}

// BaseEvent carries the fields common to all events.
type BaseEvent struct {
	Seq uint64
	Ts  time.Time
}

func (e BaseEvent) GetSeq() uint64   { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }

// PriceTickEvent is a normalized mid-price update from the market feed.
type PriceTickEvent struct {
	BaseEvent
	Tick domain.PriceTick
}

func (e PriceTickEvent) GetType() Type { return EvPriceTick }

// OrderEventKind mirrors the exchange's own-order event types.
type OrderEventKind string

const (
	OrderPlaced          OrderEventKind = "placed"
	OrderPartiallyFilled OrderEventKind = "partially-filled"
	OrderFilled          OrderEventKind = "filled"
	OrderCancelled       OrderEventKind = "cancelled"
	OrderRejected        OrderEventKind = "rejected"
)

// OrderUpdateEvent is a normalized own-order update from the account stream.
// FilledAmount is cumulative, as delivered by the exchange.
type OrderUpdateEvent struct {
	BaseEvent
	Kind            OrderEventKind
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            domain.Side
	Price           decimal.Decimal
	FilledAmount    decimal.Decimal
	AvgFillPrice    decimal.Decimal
}

func (e OrderUpdateEvent) GetType() Type { return EvOrderUpdate }

// TimerTickEvent fires at the configured refresh interval and drives the
// requote evaluation.
type TimerTickEvent struct {
	BaseEvent
}

func (e TimerTickEvent) GetType() Type { return EvTimerTick }

// SpreadUpdateEvent replaces the cached spread snapshot. It never triggers a
// requote by itself; the new value is picked up at the next timer tick.
type SpreadUpdateEvent struct {
	BaseEvent
	Params domain.SpreadParameters
}

func (e SpreadUpdateEvent) GetType() Type { return EvSpreadUpdate }

// TrendUpdateEvent replaces the cached trend snapshot.
type TrendUpdateEvent struct {
	BaseEvent
	Signal domain.TrendSignal
}

func (e TrendUpdateEvent) GetType() Type { return EvTrendUpdate }

// CommandKind identifies the REST command a result belongs to.
type CommandKind string

const (
	CmdCreate    CommandKind = "create"
	CmdCancel    CommandKind = "cancel"
	CmdCancelAll CommandKind = "cancel_all"
	CmdSnapshot  CommandKind = "snapshot"
)

// CommandResultEvent re-enters the loop when an asynchronous REST call
// completes. REST calls are fire-and-forget from the loop's perspective;
// this is the only way their outcome reaches engine state.
type CommandResultEvent struct {
	BaseEvent
	Kind CommandKind
	// Side is the quote side that issued the command. Results are routed by
	// side, not by order id: the order may already be gone when the result
	// arrives, and the side's in-flight latch must be released regardless.
	Side            domain.Side
	LocalID         string
	ClientOrderID   string
	ExchangeOrderID string
	Err             error
	// OpenOrders is populated for snapshot results used in reconciliation.
	OpenOrders []domain.Order
}

func (e CommandResultEvent) GetType() Type { return EvCommandResult }

// StreamName identifies which feed a stream-state transition belongs to.
type StreamName string

const (
	StreamPrices StreamName = "prices"
	StreamOrders StreamName = "orders"
)

// StreamStateEvent reports a connectivity transition from the supervisor.
type StreamStateEvent struct {
	BaseEvent
	Stream     StreamName
	Subscribed bool
}

func (e StreamStateEvent) GetType() Type { return EvStreamState }

// AccountUpdateEvent carries balance and position snapshots from the account
// stream or from a REST reconciliation poll. Nil fields mean "unchanged".
type AccountUpdateEvent struct {
	BaseEvent
	AvailableBalance *decimal.Decimal
	Position         *domain.Position
	// PositionAbsent is set when a positions snapshot arrived and did not
	// include our symbol: the position is confirmed flat, not unknown.
	PositionAbsent bool
}

func (e AccountUpdateEvent) GetType() Type { return EvAccountUpdate }

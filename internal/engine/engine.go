// Package engine contains the order lifecycle engine: the single-threaded
// event loop that owns the authoritative view of resting orders and decides
// what to create and cancel. All mutation happens by draining one ordered
// inbox; every other component communicates by posting events into it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/event"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/infra"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/infra/pacifica"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/position"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/strategy"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/pkg/quant"
)

// Transport is the engine's view of the exchange REST surface.
type Transport interface {
	CreateOrder(ctx context.Context, symbol string, side domain.Side,
		price, amount decimal.Decimal, reduceOnly bool, clientOrderID string) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelOrderByClientID(ctx context.Context, symbol, clientOrderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)
}

// Journal records order placements and fills for audit and recovery. A
// journal failure never stops trading.
type Journal interface {
	RecordOrder(o domain.Order) error
	RecordOrderStatus(clientOrderID string, status domain.Status, at time.Time) error
	RecordFill(clientOrderID string, side domain.Side, price, amount decimal.Decimal, at time.Time) error
}

// CommandGate defers commands while a stream is down. The supervisor
// implements it. discard runs instead of run when the gate drops the
// command as stale; it must release whatever state the command latched.
type CommandGate interface {
	Execute(kind string, run, discard func())
}

// ErrAuthFatal wraps signature and key failures: the configuration is wrong
// and retrying would hammer the venue.
var ErrAuthFatal = errors.New("authentication failure")

// errCommandDiscarded marks a command dropped by the gate after an outage.
// The intent it carried is stale; the engine re-derives from current state.
var errCommandDiscarded = errors.New("command discarded after stream outage")

const (
	maxCreateRetries = 3
	// How long an order event for an unknown order is buffered before the
	// engine declares a desync and reconciles from the exchange.
	pendingEventTTL = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Config is the engine's static configuration.
type Config struct {
	Symbol          string
	RefreshInterval time.Duration
	// Partial fills with at least this notional flip the quote as if the
	// order had filled completely.
	SignificantNotional decimal.Decimal
	UseTrendSignal      bool
}

type opKind int

const (
	opNone opKind = iota
	opCreate
	opCancel
)

// quoteSlot tracks one side's resting order and its single in-flight
// operation. The one-operation-per-side rule lives here: nothing is sent
// for a side while inflight is not opNone.
type quoteSlot struct {
	order    *domain.Order
	inflight opKind
	retries  int
	// flipFrom/flipAmount hold a deferred flip: a fill wants this side but
	// it was occupied, so the resting order is being cancelled first.
	// flipAmount accumulates across fills deferred while the slot stays
	// occupied.
	flipFrom   domain.Side
	flipAmount decimal.Decimal
	// hedged is how much of the current order's filled amount has already
	// been sent to the opposite side as a flip. Fills are cumulative on the
	// wire; flips must cover only the unhedged part.
	hedged decimal.Decimal
}

type pendingEntry struct {
	events    []event.OrderUpdateEvent
	expiresAt time.Time
}

// Engine is the order lifecycle engine.
type Engine struct {
	cfg       Config
	policy    *strategy.Policy
	tracker   *position.Tracker
	transport Transport
	journal   Journal
	gate      CommandGate
	filters   domain.SymbolFilters
	seq       *event.Sequence
	logger    *slog.Logger

	inbox chan event.Event

	// State below is owned by the Run goroutine.
	slots       map[domain.Side]*quoteSlot
	tick        domain.PriceTick
	spreads     domain.SpreadParameters
	trend       domain.TrendSignal
	pending     map[string]*pendingEntry
	reconciling bool

	localSeq atomic.Uint64
	fatal    error

	// Async seams, overridable in tests for deterministic execution.
	spawn func(func())
	after func(time.Duration, func())
}

// New creates an engine. Filters must already be fetched; the engine never
// quotes a symbol it has no trading rules for.
func New(cfg Config, policy *strategy.Policy, tracker *position.Tracker,
	transport Transport, journal Journal, gate CommandGate,
	filters domain.SymbolFilters, seq *event.Sequence, logger *slog.Logger) *Engine {

	return &Engine{
		cfg:       cfg,
		policy:    policy,
		tracker:   tracker,
		transport: transport,
		journal:   journal,
		gate:      gate,
		filters:   filters,
		seq:       seq,
		logger:    logger,
		inbox:     make(chan event.Event, 1024),
		slots: map[domain.Side]*quoteSlot{
			domain.SideBid: {},
			domain.SideAsk: {},
		},
		pending: make(map[string]*pendingEntry),
		spawn:   func(f func()) { go f() },
		after:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Publish posts an event into the engine inbox. Safe for concurrent use by
// feed workers and REST completion goroutines.
func (e *Engine) Publish(ev event.Event) {
	e.inbox <- ev
}

// Run drains the inbox until the context is cancelled, then cancels all
// open orders. Returns a non-nil error only for fatal conditions.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return e.fatal
		case <-ticker.C:
			e.handle(ctx, event.TimerTickEvent{BaseEvent: e.seq.Next(time.Now())})
		case ev := <-e.inbox:
			e.handle(ctx, ev)
		}
		if e.fatal != nil {
			e.shutdown()
			return e.fatal
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev event.Event) {
	switch v := ev.(type) {
	case event.PriceTickEvent:
		e.onPriceTick(ctx, v)
	case event.OrderUpdateEvent:
		e.onOrderUpdate(ctx, v)
	case event.TimerTickEvent:
		e.onTimerTick(ctx, v)
	case event.SpreadUpdateEvent:
		e.spreads = v.Params
	case event.TrendUpdateEvent:
		e.onTrendUpdate(v)
	case event.CommandResultEvent:
		e.onCommandResult(ctx, v)
	case event.AccountUpdateEvent:
		e.onAccountUpdate(v)
	case event.StreamStateEvent:
		e.onStreamState(ctx, v)
	default:
		e.logger.Warn("Unhandled event type", "type", fmt.Sprintf("%T", ev))
	}
}

// onPriceTick refreshes the cached mid and requotes early only when a
// resting order has drifted past the price-change threshold. Routine drift
// waits for the timer.
func (e *Engine) onPriceTick(ctx context.Context, ev event.PriceTickEvent) {
	if ev.Tick.Symbol != e.cfg.Symbol {
		return
	}
	e.tick = ev.Tick

	for side, slot := range e.slots {
		if slot.order == nil || slot.inflight != opNone {
			continue
		}
		desired, ok := e.desiredQuote(side, ev.GetTs())
		if ok && e.policy.ShouldReplace(slot.order.Price, desired.Price) {
			e.evaluateSide(ctx, side, ev.GetTs())
		}
	}
}

func (e *Engine) onTimerTick(ctx context.Context, ev event.TimerTickEvent) {
	e.expirePending(ctx, ev.GetTs())
	e.evaluateSide(ctx, domain.SideBid, ev.GetTs())
	e.evaluateSide(ctx, domain.SideAsk, ev.GetTs())
}

// onTrendUpdate swaps the directional bias. The bias decides which side
// opens inventory; switching it mid-position would turn a hedge into a
// doubling, so it only applies while flat.
func (e *Engine) onTrendUpdate(ev event.TrendUpdateEvent) {
	if !e.cfg.UseTrendSignal {
		return
	}
	if !e.tracker.Net().IsZero() {
		e.logger.Info("Trend change deferred until flat", "direction", int(ev.Signal.Direction))
		return
	}
	e.trend = ev.Signal
}

func (e *Engine) onAccountUpdate(ev event.AccountUpdateEvent) {
	if ev.AvailableBalance != nil {
		e.tracker.SetBalance(*ev.AvailableBalance, ev.GetTs())
	}
	if ev.Position != nil {
		e.tracker.ApplySnapshot(*ev.Position, ev.GetTs())
	} else if ev.PositionAbsent {
		e.tracker.SetFlat(ev.GetTs())
	}
}

// onStreamState reconciles after the order stream recovers: fills delivered
// during the outage are gone for good, only the exchange knows the truth.
func (e *Engine) onStreamState(ctx context.Context, ev event.StreamStateEvent) {
	if ev.Stream == event.StreamOrders && ev.Subscribed {
		e.requestSnapshot(ctx)
	}
}

// desiredQuote assembles the policy inputs from current engine state.
func (e *Engine) desiredQuote(side domain.Side, now time.Time) (strategy.QuoteIntent, bool) {
	if !e.tick.Mid.IsPositive() {
		return strategy.QuoteIntent{}, false
	}

	reducing := e.tracker.AboveThreshold(e.tick.Mid)
	in := strategy.Inputs{
		Now:      now,
		Mid:      e.tick.Mid,
		Filters:  e.filters,
		Spreads:  e.spreads,
		Balance:  e.tracker.Balance(),
		Net:      e.tracker.Net(),
		Reducing: reducing,
		Closing:  e.tracker.ClosingSide(),
	}

	// While flat, only the trend-selected opening side quotes first; the
	// other side joins once inventory exists to close.
	if e.cfg.UseTrendSignal && !reducing && e.tracker.Net().IsZero() &&
		side != e.policy.OpeningSide(e.trend) {
		return strategy.QuoteIntent{}, false
	}

	return e.policy.DesiredQuote(side, in)
}

// evaluateSide is the requote decision for one side. Never acts while an
// operation is in flight on that side.
func (e *Engine) evaluateSide(ctx context.Context, side domain.Side, now time.Time) {
	slot := e.slots[side]
	if slot.inflight != opNone {
		return
	}

	if slot.order == nil && slot.flipAmount.IsPositive() {
		// A deferred flip outranks a fresh quote on this side.
		from, amount := slot.flipFrom, slot.flipAmount
		slot.flipFrom, slot.flipAmount = "", decimal.Zero
		e.placeFlip(ctx, from, amount, now)
		return
	}

	desired, ok := e.desiredQuote(side, now)

	if slot.order == nil {
		if ok {
			e.submitCreate(ctx, side, desired, now)
		}
		return
	}

	if !ok {
		// The side should no longer quote (gate flipped, balance gone).
		e.submitCancel(ctx, side, now)
		return
	}

	aged := now.Sub(slot.order.CreatedAt) >= e.cfg.RefreshInterval &&
		slot.order.FilledAmount.IsZero()
	if e.policy.ShouldReplace(slot.order.Price, desired.Price) || aged {
		// Replacement is two steps: the create happens only after the
		// cancel confirms, so the side never carries double exposure.
		e.submitCancel(ctx, side, now)
	}
}

func (e *Engine) nextClientOrderID() string {
	return fmt.Sprintf("mm-%d-%d", time.Now().UnixNano(), e.localSeq.Add(1))
}

func (e *Engine) submitCreate(ctx context.Context, side domain.Side, intent strategy.QuoteIntent, now time.Time) {
	slot := e.slots[side]
	clientID := e.nextClientOrderID()

	order := &domain.Order{
		LocalID:       clientID,
		ClientOrderID: clientID,
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Price:         intent.Price,
		Amount:        intent.Amount,
		ReduceOnly:    intent.ReduceOnly,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		LastTouchedAt: now,
	}
	slot.order = order
	slot.inflight = opCreate
	slot.hedged = decimal.Zero

	e.logger.Info("Submitting order",
		"side", side, "price", intent.Price, "amount", intent.Amount,
		"reduce_only", intent.ReduceOnly, "client_order_id", clientID)

	symbol := e.cfg.Symbol
	e.gate.Execute(string(event.CmdCreate), func() {
		e.spawn(func() {
			exchangeID, err := e.transport.CreateOrder(ctx, symbol, side,
				intent.Price, intent.Amount, intent.ReduceOnly, clientID)
			e.Publish(event.CommandResultEvent{
				BaseEvent:       e.seq.Next(time.Now()),
				Kind:            event.CmdCreate,
				Side:            side,
				LocalID:         clientID,
				ClientOrderID:   clientID,
				ExchangeOrderID: exchangeID,
				Err:             err,
			})
		})
	}, func() {
		e.Publish(event.CommandResultEvent{
			BaseEvent:     e.seq.Next(time.Now()),
			Kind:          event.CmdCreate,
			Side:          side,
			LocalID:       clientID,
			ClientOrderID: clientID,
			Err:           errCommandDiscarded,
		})
	})
}

func (e *Engine) submitCancel(ctx context.Context, side domain.Side, now time.Time) {
	slot := e.slots[side]
	if slot.order == nil || slot.inflight != opNone {
		return
	}
	order := slot.order
	if !order.Status.CanTransition(domain.StatusCancelling) {
		return
	}
	order.Status = domain.StatusCancelling
	order.LastTouchedAt = now
	slot.inflight = opCancel

	e.logger.Info("Cancelling order",
		"side", side, "exchange_order_id", order.ExchangeOrderID,
		"client_order_id", order.ClientOrderID)

	symbol := e.cfg.Symbol
	exchangeID := order.ExchangeOrderID
	clientID := order.ClientOrderID
	e.gate.Execute(string(event.CmdCancel), func() {
		e.spawn(func() {
			var err error
			if exchangeID != "" {
				err = e.transport.CancelOrder(ctx, symbol, exchangeID)
			} else {
				err = e.transport.CancelOrderByClientID(ctx, symbol, clientID)
			}
			e.Publish(event.CommandResultEvent{
				BaseEvent:     e.seq.Next(time.Now()),
				Kind:          event.CmdCancel,
				Side:          side,
				LocalID:       clientID,
				ClientOrderID: clientID,
				Err:           err,
			})
		})
	}, func() {
		e.Publish(event.CommandResultEvent{
			BaseEvent:     e.seq.Next(time.Now()),
			Kind:          event.CmdCancel,
			Side:          side,
			LocalID:       clientID,
			ClientOrderID: clientID,
			Err:           errCommandDiscarded,
		})
	})
}

func (e *Engine) onCommandResult(ctx context.Context, ev event.CommandResultEvent) {
	switch ev.Kind {
	case event.CmdCreate:
		e.onCreateResult(ctx, ev)
	case event.CmdCancel:
		e.onCancelResult(ctx, ev)
	case event.CmdSnapshot:
		e.onSnapshotResult(ctx, ev)
	}
}

// onCreateResult releases the side's in-flight latch before anything else:
// the order may already be terminal (a fast fill can beat the REST
// acknowledgement), and a latch keyed to a dead order would wedge the side.
func (e *Engine) onCreateResult(ctx context.Context, ev event.CommandResultEvent) {
	side := ev.Side
	slot := e.slots[side]
	if slot == nil {
		return
	}
	slot.inflight = opNone

	if slot.order == nil || slot.order.ClientOrderID != ev.ClientOrderID {
		// The stream already resolved this order. The side is free; a
		// deferred flip or a fresh quote can go out now.
		e.evaluateSide(ctx, side, ev.GetTs())
		return
	}

	if ev.Err != nil {
		e.handleCreateError(ctx, side, slot, ev)
		return
	}

	slot.retries = 0
	order := slot.order
	order.ExchangeOrderID = ev.ExchangeOrderID
	if order.Status.CanTransition(domain.StatusOpen) {
		order.Status = domain.StatusOpen
	}
	e.journalOrder(*order)
	e.logger.Info("Order confirmed",
		"side", side, "exchange_order_id", ev.ExchangeOrderID,
		"client_order_id", ev.ClientOrderID)

	e.replayPending(ctx, ev.ClientOrderID, ev.ExchangeOrderID)

	if slot.flipAmount.IsPositive() && slot.inflight == opNone && slot.order != nil {
		// A fill on the other side arrived while this create was in
		// flight; the confirmed order must make way for the flip.
		e.submitCancel(ctx, side, ev.GetTs())
	}
}

func (e *Engine) handleCreateError(ctx context.Context, side domain.Side, slot *quoteSlot, ev event.CommandResultEvent) {
	reduceOnly := slot.order != nil && slot.order.ReduceOnly

	var apiErr *pacifica.APIError
	switch {
	case errors.Is(ev.Err, errCommandDiscarded):
		// Never sent: the gate dropped it as stale after an outage. The
		// next tick re-derives the quote from current prices.
		e.logger.Warn("Create discarded after outage", "side", side)
		slot.order = nil
		return

	case errors.As(ev.Err, &apiErr) && apiErr.IsAuthError():
		e.fatal = fmt.Errorf("%w: %v", ErrAuthFatal, ev.Err)
		return

	case errors.As(ev.Err, &apiErr) && apiErr.IsBusinessReject():
		e.logger.Warn("Order rejected by venue", "side", side, "err", ev.Err)
		slot.order.Status = domain.StatusRejected
		slot.order = nil
		slot.retries = 0
		if reduceOnly {
			// A refused reduce-only order means the position we think we
			// hold does not exist. Trust the venue and resync.
			e.logger.Warn("Reduce-only rejected, resetting position state")
			e.tracker.SetFlat(ev.GetTs())
			e.requestSnapshot(ctx)
		}
		return
	}

	// Transient failure, rate-limit cooldown, or network error.
	slot.retries++
	slot.order = nil
	if slot.retries >= maxCreateRetries {
		e.logger.Warn("Create retries exhausted, side idle until next tick",
			"side", side, "err", ev.Err)
		slot.retries = 0
		return
	}

	retries := slot.retries
	e.logger.Warn("Create failed, backing off", "side", side, "retry", retries, "err", ev.Err)
	e.after(infra.CalculateBackoff(retries-1), func() {
		e.Publish(event.TimerTickEvent{BaseEvent: e.seq.Next(time.Now())})
	})
}

func (e *Engine) onCancelResult(ctx context.Context, ev event.CommandResultEvent) {
	slot := e.slots[ev.Side]
	if slot == nil {
		return
	}
	slot.inflight = opNone

	if slot.order == nil || slot.order.ClientOrderID != ev.ClientOrderID {
		// The order resolved via the stream while the cancel was in flight.
		e.evaluateSide(ctx, ev.Side, ev.GetTs())
		return
	}

	if ev.Err != nil {
		var apiErr *pacifica.APIError
		if errors.As(ev.Err, &apiErr) && apiErr.IsAuthError() {
			e.fatal = fmt.Errorf("%w: %v", ErrAuthFatal, ev.Err)
			return
		}
		// The order may already be gone, or the venue is degraded. Revert
		// to Open so the next evaluation can retry the cancel, and ask the
		// venue for the truth.
		e.logger.Warn("Cancel failed", "client_order_id", ev.ClientOrderID, "err", ev.Err)
		if slot.order != nil && slot.order.Status == domain.StatusCancelling {
			slot.order.Status = domain.StatusOpen
		}
		e.requestSnapshot(ctx)
		return
	}
	// Confirmation arrives via the order stream; nothing more to do here.
}

// onOrderUpdate applies a stream event to the owning slot, or buffers it
// when the order is not known yet (the create confirmation may still be in
// flight).
func (e *Engine) onOrderUpdate(ctx context.Context, ev event.OrderUpdateEvent) {
	if ev.Symbol != e.cfg.Symbol {
		return
	}

	side, slot := e.matchOrder(ev)
	if slot == nil {
		e.bufferPending(ev)
		return
	}
	e.applyOrderUpdate(ctx, side, slot, ev)
}

func (e *Engine) matchOrder(ev event.OrderUpdateEvent) (domain.Side, *quoteSlot) {
	for side, slot := range e.slots {
		if slot.order == nil {
			continue
		}
		if ev.ExchangeOrderID != "" && slot.order.ExchangeOrderID == ev.ExchangeOrderID {
			return side, slot
		}
		if ev.ClientOrderID != "" && slot.order.ClientOrderID == ev.ClientOrderID {
			return side, slot
		}
	}
	return "", nil
}

func (e *Engine) applyOrderUpdate(ctx context.Context, side domain.Side, slot *quoteSlot, ev event.OrderUpdateEvent) {
	order := slot.order
	if order.ExchangeOrderID == "" && ev.ExchangeOrderID != "" {
		order.ExchangeOrderID = ev.ExchangeOrderID
	}

	switch ev.Kind {
	case event.OrderPlaced:
		if order.Status.CanTransition(domain.StatusOpen) {
			order.Status = domain.StatusOpen
			order.LastTouchedAt = ev.GetTs()
		}

	case event.OrderPartiallyFilled, event.OrderFilled:
		e.applyFill(ctx, side, slot, ev)

	case event.OrderCancelled:
		if order.Status.CanTransition(domain.StatusCancelled) {
			order.Status = domain.StatusCancelled
		}
		e.journalStatus(order.ClientOrderID, domain.StatusCancelled, ev.GetTs())
		slot.order = nil
		slot.hedged = decimal.Zero
		if slot.flipAmount.IsPositive() {
			// The cancel was making room for a flip; place it now.
			from, amount := slot.flipFrom, slot.flipAmount
			slot.flipFrom, slot.flipAmount = "", decimal.Zero
			e.placeFlip(ctx, from, amount, ev.GetTs())
			return
		}
		// The replacement quote was deferred until this confirmation.
		e.evaluateSide(ctx, side, ev.GetTs())

	case event.OrderRejected:
		order.Status = domain.StatusRejected
		e.journalStatus(order.ClientOrderID, domain.StatusRejected, ev.GetTs())
		slot.order = nil
		slot.hedged = decimal.Zero
	}
}

// applyFill is the latency-sensitive path: fills update position and, when
// complete (or significant), flip the quote to the opposite side without
// waiting for the timer.
func (e *Engine) applyFill(ctx context.Context, side domain.Side, slot *quoteSlot, ev event.OrderUpdateEvent) {
	order := slot.order

	delta := order.ApplyFill(ev.FilledAmount, ev.GetTs())
	if delta.IsZero() && ev.Kind != event.OrderFilled {
		// Duplicate delivery.
		return
	}
	if delta.IsPositive() {
		e.tracker.ApplyFill(side, delta, ev.GetTs())
		fillPrice := ev.AvgFillPrice
		if !fillPrice.IsPositive() {
			fillPrice = order.Price
		}
		e.journalFill(order.ClientOrderID, side, fillPrice, delta, ev.GetTs())
	}

	filled := ev.Kind == event.OrderFilled ||
		order.FilledAmount.GreaterThanOrEqual(order.Amount)

	significant := false
	if !filled && e.cfg.SignificantNotional.IsPositive() {
		refPrice := ev.AvgFillPrice
		if !refPrice.IsPositive() {
			refPrice = order.Price
		}
		significant = quant.Notional(refPrice, order.FilledAmount).
			GreaterThanOrEqual(e.cfg.SignificantNotional)
	}

	switch {
	case filled:
		if order.Status.CanTransition(domain.StatusFilled) {
			order.Status = domain.StatusFilled
		}
		e.journalStatus(order.ClientOrderID, domain.StatusFilled, ev.GetTs())
		// Flip only what an earlier significant-partial flip has not
		// already covered.
		flipAmount := order.FilledAmount.Sub(slot.hedged)
		slot.order = nil
		slot.retries = 0
		slot.hedged = decimal.Zero
		e.logger.Info("Order filled", "side", side, "amount", order.FilledAmount)
		if flipAmount.IsPositive() {
			e.placeFlip(ctx, side, flipAmount, ev.GetTs())
		}

	case significant:
		// Enough filled to act on: drop the remainder and flip.
		if order.Status.CanTransition(domain.StatusPartiallyFilled) {
			order.Status = domain.StatusPartiallyFilled
		}
		flipAmount := order.FilledAmount.Sub(slot.hedged)
		slot.hedged = order.FilledAmount
		e.logger.Info("Partial fill significant, flipping",
			"side", side, "filled", order.FilledAmount)
		e.submitCancel(ctx, side, ev.GetTs())
		if flipAmount.IsPositive() {
			e.placeFlip(ctx, side, flipAmount, ev.GetTs())
		}

	default:
		if order.Status.CanTransition(domain.StatusPartiallyFilled) {
			order.Status = domain.StatusPartiallyFilled
		}
	}
}

// placeFlip submits the opposite-side closing order for a fill, bypassing
// the refresh timer. An occupied opposite slot is cancelled first and the
// flip placed once the cancel confirms.
func (e *Engine) placeFlip(ctx context.Context, filledSide domain.Side, filledAmount decimal.Decimal, now time.Time) {
	flipSide := filledSide.Opposite()
	slot := e.slots[flipSide]
	if slot.order != nil || slot.inflight != opNone {
		// Fills deferred while the slot stays occupied add up; the eventual
		// closing order must cover all of them.
		slot.flipFrom = filledSide
		slot.flipAmount = slot.flipAmount.Add(filledAmount)
		if slot.order != nil && slot.inflight == opNone {
			e.submitCancel(ctx, flipSide, now)
		}
		return
	}

	in := strategy.Inputs{
		Now:     now,
		Mid:     e.tick.Mid,
		Filters: e.filters,
		Spreads: e.spreads,
	}
	intent, ok := e.policy.FlipQuote(filledSide, filledAmount, in)
	if !ok {
		e.logger.Warn("Flip suppressed", "filled_side", filledSide, "amount", filledAmount)
		return
	}
	e.submitCreate(ctx, flipSide, intent, now)
}

// bufferPending stores an order event that references an order the engine
// does not know yet, keyed by whichever id can later match it.
func (e *Engine) bufferPending(ev event.OrderUpdateEvent) {
	key := ev.ClientOrderID
	if key == "" {
		key = ev.ExchangeOrderID
	}
	if key == "" {
		return
	}
	entry, ok := e.pending[key]
	if !ok {
		entry = &pendingEntry{expiresAt: ev.GetTs().Add(pendingEventTTL)}
		e.pending[key] = entry
	}
	entry.events = append(entry.events, ev)
	e.logger.Debug("Buffered order event for unknown order", "key", key, "kind", ev.Kind)
}

// replayPending re-applies events that arrived before the create
// confirmation bound the exchange id.
func (e *Engine) replayPending(ctx context.Context, clientID, exchangeID string) {
	for _, key := range []string{clientID, exchangeID} {
		if key == "" {
			continue
		}
		entry, ok := e.pending[key]
		if !ok {
			continue
		}
		delete(e.pending, key)
		for _, ev := range entry.events {
			e.onOrderUpdate(ctx, ev)
		}
	}
}

// expirePending drops buffered events past their TTL. An expiry means an
// order exists at the venue that the engine cannot account for: reconcile.
func (e *Engine) expirePending(ctx context.Context, now time.Time) {
	expired := false
	for key, entry := range e.pending {
		if now.After(entry.expiresAt) {
			delete(e.pending, key)
			expired = true
			e.logger.Warn("Order event buffer expired", "key", key)
		}
	}
	if expired {
		e.requestSnapshot(ctx)
	}
}

// requestSnapshot asks the exchange for the open-orders truth. At most one
// snapshot is in flight at a time.
func (e *Engine) requestSnapshot(ctx context.Context) {
	if e.reconciling {
		return
	}
	e.reconciling = true

	symbol := e.cfg.Symbol
	e.gate.Execute(string(event.CmdSnapshot), func() {
		e.spawn(func() {
			orders, err := e.transport.OpenOrders(ctx, symbol)
			e.Publish(event.CommandResultEvent{
				BaseEvent:  e.seq.Next(time.Now()),
				Kind:       event.CmdSnapshot,
				Err:        err,
				OpenOrders: orders,
			})
		})
	}, func() {
		e.Publish(event.CommandResultEvent{
			BaseEvent: e.seq.Next(time.Now()),
			Kind:      event.CmdSnapshot,
			Err:       errCommandDiscarded,
		})
	})
}

// onSnapshotResult rebuilds slot state from the exchange's open-orders
// list, favoring exchange truth over local assumption. Unrecognized venue
// orders on an occupied side are cancelled.
func (e *Engine) onSnapshotResult(ctx context.Context, ev event.CommandResultEvent) {
	e.reconciling = false
	if ev.Err != nil {
		e.logger.Warn("Open-orders snapshot failed", "err", ev.Err)
		return
	}

	seen := map[domain.Side]bool{}
	for i := range ev.OpenOrders {
		venue := ev.OpenOrders[i]
		slot, known := e.slots[venue.Side]
		if !known {
			e.logger.Warn("Snapshot order with unknown side skipped",
				"side", venue.Side, "exchange_order_id", venue.ExchangeOrderID)
			continue
		}

		switch {
		case slot.order != nil && (slot.order.ClientOrderID == venue.ClientOrderID ||
			slot.order.ExchangeOrderID == venue.ExchangeOrderID):
			// Ours: adopt the venue's view of fill progress and id.
			slot.order.ExchangeOrderID = venue.ExchangeOrderID
			slot.order.FilledAmount = venue.FilledAmount
			if slot.order.Status == domain.StatusPending {
				slot.order.Status = venue.Status
			}
			seen[venue.Side] = true

		case slot.order == nil && slot.inflight == opNone && !seen[venue.Side]:
			// An order we lost track of; adopt it rather than strand it.
			// Fills that predate adoption are covered by the position
			// snapshot, not by a flip.
			adopted := venue
			adopted.LocalID = venue.ClientOrderID
			adopted.CreatedAt = ev.GetTs()
			adopted.LastTouchedAt = ev.GetTs()
			slot.order = &adopted
			slot.hedged = adopted.FilledAmount
			seen[venue.Side] = true
			e.logger.Info("Adopted venue order",
				"side", venue.Side, "exchange_order_id", venue.ExchangeOrderID)

		default:
			// Duplicate exposure on this side: keep ours, cancel theirs.
			e.logger.Warn("Cancelling unrecognized venue order",
				"side", venue.Side, "exchange_order_id", venue.ExchangeOrderID)
			symbol := e.cfg.Symbol
			orderID := venue.ExchangeOrderID
			// No engine state is latched on a stray cancel; dropping it as
			// stale needs no release.
			e.gate.Execute(string(event.CmdCancel), func() {
				e.spawn(func() {
					if err := e.transport.CancelOrder(ctx, symbol, orderID); err != nil {
						e.logger.Warn("Stray cancel failed", "order_id", orderID, "err", err)
					}
				})
			}, nil)
		}
	}

	// Local orders the venue no longer has are gone: filled or cancelled
	// while we were out of sync. The position snapshot settles which.
	for side, slot := range e.slots {
		if slot.order == nil || seen[side] || slot.inflight != opNone {
			continue
		}
		if slot.order.Status == domain.StatusPending {
			// Create confirmation still in flight; leave it be.
			continue
		}
		e.logger.Warn("Local order missing at venue, dropping",
			"side", side, "client_order_id", slot.order.ClientOrderID)
		slot.order = nil
	}
}

func (e *Engine) journalOrder(o domain.Order) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOrder(o); err != nil {
		e.logger.Warn("Journal write failed", "err", err)
	}
}

func (e *Engine) journalStatus(clientID string, status domain.Status, at time.Time) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOrderStatus(clientID, status, at); err != nil {
		e.logger.Warn("Journal write failed", "err", err)
	}
}

func (e *Engine) journalFill(clientID string, side domain.Side, price, amount decimal.Decimal, at time.Time) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordFill(clientID, side, price, amount, at); err != nil {
		e.logger.Warn("Journal write failed", "err", err)
	}
}

// shutdown cancels every open order with a fresh context; the run context
// is already done.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	e.logger.Info("Shutting down, cancelling open orders", "symbol", e.cfg.Symbol)
	if err := e.transport.CancelAllOrders(ctx, e.cfg.Symbol); err != nil {
		e.logger.Error("Shutdown cancel-all failed, orders may rest at venue", "err", err)
		return
	}
	e.logger.Info("All open orders cancelled")
}

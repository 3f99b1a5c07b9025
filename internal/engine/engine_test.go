package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/event"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/infra/pacifica"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/position"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/strategy"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type createCall struct {
	side       domain.Side
	price      decimal.Decimal
	amount     decimal.Decimal
	reduceOnly bool
	clientID   string
}

type fakeTransport struct {
	creates    []createCall
	cancels    []string
	cancelAlls int
	snapshots  int

	createErr  error
	cancelErr  error
	openOrders []domain.Order
	openErr    error
	nextID     int
}

func (f *fakeTransport) CreateOrder(_ context.Context, _ string, side domain.Side,
	price, amount decimal.Decimal, reduceOnly bool, clientID string) (string, error) {
	f.creates = append(f.creates, createCall{side, price, amount, reduceOnly, clientID})
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	return fmt.Sprintf("%d", f.nextID), nil
}

func (f *fakeTransport) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.cancels = append(f.cancels, orderID)
	return f.cancelErr
}

func (f *fakeTransport) CancelOrderByClientID(_ context.Context, _ string, clientID string) error {
	f.cancels = append(f.cancels, clientID)
	return f.cancelErr
}

func (f *fakeTransport) CancelAllOrders(context.Context, string) error {
	f.cancelAlls++
	return nil
}

func (f *fakeTransport) OpenOrders(context.Context, string) ([]domain.Order, error) {
	f.snapshots++
	return f.openOrders, f.openErr
}

type passGate struct{}

func (passGate) Execute(_ string, run, _ func()) { run() }

// discardGate drops commands the way the supervisor does after an outage:
// run never happens, discard does.
type discardGate struct{ drop bool }

func (g *discardGate) Execute(_ string, run, discard func()) {
	if g.drop {
		if discard != nil {
			discard()
		}
		return
	}
	run()
}

// harness drives the engine synchronously: spawned REST calls and backoff
// timers queue up and run only on flush, mimicking in-flight operations.
type harness struct {
	t       *testing.T
	e       *Engine
	tr      *fakeTransport
	tracker *position.Tracker
	now     time.Time
	seq     uint64
	async   []func()
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Symbol == "" {
		cfg.Symbol = "BTC"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.SignificantNotional.IsZero() {
		cfg.SignificantNotional = d("15")
	}

	policy := strategy.NewPolicy(strategy.Config{
		FallbackBuySpread:    d("0.01"),
		FallbackSellSpread:   d("0.01"),
		BalanceFraction:      d("0.2"),
		PriceChangeThreshold: d("0.001"),
		MaxParamAge:          15 * time.Minute,
	})
	tracker := position.NewTracker(cfg.Symbol, d("15"))
	tr := &fakeTransport{}
	filters := domain.SymbolFilters{
		Symbol:      cfg.Symbol,
		TickSize:    d("0.1"),
		LotSize:     d("0.001"),
		MinNotional: d("10"),
	}

	h := &harness{t: t, tr: tr, tracker: tracker, now: time.Unix(1700000000, 0)}
	h.e = New(cfg, policy, tracker, tr, nil, passGate{}, filters, &event.Sequence{}, slog.Default())
	h.e.spawn = func(f func()) { h.async = append(h.async, f) }
	h.e.after = func(_ time.Duration, f func()) { h.async = append(h.async, f) }
	return h
}

func (h *harness) base() event.BaseEvent {
	h.seq++
	return event.BaseEvent{Seq: h.seq, Ts: h.now}
}

func (h *harness) step(ev event.Event) {
	h.e.handle(context.Background(), ev)
	h.drain()
}

// flush runs the queued async work (REST calls, backoff timers) and applies
// the results that re-enter the inbox.
func (h *harness) flush() {
	for len(h.async) > 0 {
		pending := h.async
		h.async = nil
		for _, f := range pending {
			f()
		}
		h.drain()
	}
}

func (h *harness) drain() {
	for {
		select {
		case ev := <-h.e.inbox:
			h.e.handle(context.Background(), ev)
		default:
			return
		}
	}
}

func (h *harness) seedMarket(balance string) {
	bal := d(balance)
	h.step(event.AccountUpdateEvent{BaseEvent: h.base(), AvailableBalance: &bal})
	h.step(event.PriceTickEvent{BaseEvent: h.base(), Tick: domain.PriceTick{
		Symbol: "BTC", Mid: d("100"), BestBid: d("99.98"), BestAsk: d("100.02"), Timestamp: h.now,
	}})
}

func (h *harness) timer() {
	h.step(event.TimerTickEvent{BaseEvent: h.base()})
}

func TestEngine_QuotesBothSidesAroundMid(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")
	h.timer()
	h.flush()

	if len(h.tr.creates) != 2 {
		t.Fatalf("creates = %d, want 2", len(h.tr.creates))
	}
	bySide := map[domain.Side]createCall{}
	for _, c := range h.tr.creates {
		bySide[c.side] = c
	}

	bid := bySide[domain.SideBid]
	if !bid.price.Equal(d("99")) {
		t.Errorf("bid price = %s, want 99", bid.price)
	}
	// 20% of 60 at 99, floored to lot.
	if !bid.amount.Equal(d("0.121")) {
		t.Errorf("bid amount = %s, want 0.121", bid.amount)
	}
	ask := bySide[domain.SideAsk]
	if !ask.price.Equal(d("101")) {
		t.Errorf("ask price = %s, want 101", ask.price)
	}
}

func TestEngine_NoDoubleCreateWhileInflight(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")

	h.timer()
	h.timer()
	h.timer()

	h.flush()
	if len(h.tr.creates) != 2 {
		t.Errorf("creates = %d, want 2 (one per side despite repeated ticks)", len(h.tr.creates))
	}
}

func TestEngine_FlipOnFillBypassesTimer(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")
	h.timer()
	h.flush()

	// Trend neutral: only the opening bid quotes while flat.
	if len(h.tr.creates) != 1 || h.tr.creates[0].side != domain.SideBid {
		t.Fatalf("creates = %+v, want single bid", h.tr.creates)
	}

	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderFilled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            domain.SideBid,
		FilledAmount:    d("0.121"),
		AvgFillPrice:    d("99"),
	})
	h.flush()

	// No timer tick in between: the flip is the latency-sensitive path.
	if len(h.tr.creates) != 2 {
		t.Fatalf("creates = %d, want flip ask", len(h.tr.creates))
	}
	flip := h.tr.creates[1]
	if flip.side != domain.SideAsk || !flip.reduceOnly {
		t.Errorf("flip = %+v, want reduce-only ask", flip)
	}
	if !flip.amount.Equal(d("0.121")) {
		t.Errorf("flip amount = %s, want filled amount", flip.amount)
	}
	if !flip.price.Equal(d("101")) {
		t.Errorf("flip price = %s, want 101", flip.price)
	}
}

func TestEngine_FlipReplacesRestingOpposite(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")
	h.timer()
	h.flush()

	askID := ""
	for i, c := range h.tr.creates {
		if c.side == domain.SideAsk {
			askID = fmt.Sprintf("%d", i+1)
		}
	}

	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderFilled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            h.tr.creates[0].side,
		FilledAmount:    h.tr.creates[0].amount,
		AvgFillPrice:    h.tr.creates[0].price,
	})
	h.flush()

	// The resting opposite quote is cancelled to make room.
	if len(h.tr.cancels) != 1 {
		t.Fatalf("cancels = %v, want the resting opposite order", h.tr.cancels)
	}

	filledSide := h.tr.creates[0].side
	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderCancelled,
		ExchangeOrderID: askID,
		Symbol:          "BTC",
		Side:            filledSide.Opposite(),
	})
	h.flush()

	last := h.tr.creates[len(h.tr.creates)-1]
	if last.side != filledSide.Opposite() || !last.reduceOnly {
		t.Errorf("replacement = %+v, want reduce-only flip", last)
	}
}

func TestEngine_GateBlocksOpeningSide(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")

	// Long 0.2 at mid 100 = $20 notional, above the $15 threshold.
	h.step(event.AccountUpdateEvent{BaseEvent: h.base(), Position: &domain.Position{
		Symbol: "BTC", NetAmount: d("0.2"), EntryPrice: d("100"),
	}})

	h.timer()
	h.timer()
	h.flush()

	for _, c := range h.tr.creates {
		if c.side == domain.SideBid {
			t.Fatalf("bid created while above threshold: %+v", c)
		}
	}
	if len(h.tr.creates) != 1 {
		t.Fatalf("creates = %d, want single closing ask", len(h.tr.creates))
	}
	closing := h.tr.creates[0]
	if !closing.reduceOnly || !closing.amount.Equal(d("0.2")) {
		t.Errorf("closing = %+v, want reduce-only for full position", closing)
	}
}

func TestEngine_DuplicateFillIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")
	h.timer()
	h.flush()

	fill := event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderFilled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            domain.SideBid,
		FilledAmount:    d("0.121"),
		AvgFillPrice:    d("99"),
	}
	h.step(fill)
	h.flush()
	h.step(fill)
	h.flush()

	if !h.tracker.Net().Equal(d("0.121")) {
		t.Errorf("net = %s, want 0.121 (no double count)", h.tracker.Net())
	}
	// Initial bid + exactly one flip.
	if len(h.tr.creates) != 2 {
		t.Errorf("creates = %d, want 2 (no double flip)", len(h.tr.creates))
	}
}

func TestEngine_StaleSpreadsFallBack(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")

	h.step(event.SpreadUpdateEvent{BaseEvent: h.base(), Params: domain.SpreadParameters{
		BuySpread: d("0.002"), SellSpread: d("0.002"),
		ComputedAt: h.now.Add(-16 * time.Minute), Source: domain.SpreadDynamic,
	}})
	h.timer()
	h.flush()

	if len(h.tr.creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(h.tr.creates))
	}
	// Stale dynamic 0.2% is ignored; fallback 1% prices the bid at 99.
	if !h.tr.creates[0].price.Equal(d("99")) {
		t.Errorf("price = %s, want fallback-spread 99", h.tr.creates[0].price)
	}
}

func TestEngine_FreshSpreadsUsed(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")

	h.step(event.SpreadUpdateEvent{BaseEvent: h.base(), Params: domain.SpreadParameters{
		BuySpread: d("0.002"), SellSpread: d("0.002"),
		ComputedAt: h.now, Source: domain.SpreadDynamic,
	}})
	h.timer()
	h.flush()

	// 100 * (1 - 0.002) = 99.8.
	if !h.tr.creates[0].price.Equal(d("99.8")) {
		t.Errorf("price = %s, want 99.8", h.tr.creates[0].price)
	}
}

func TestEngine_ReplacementWaitsForCancelConfirm(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")
	h.timer()
	h.flush()

	// Mid moves 2%: the resting bid at 99 is far off target.
	h.step(event.PriceTickEvent{BaseEvent: h.base(), Tick: domain.PriceTick{
		Symbol: "BTC", Mid: d("102"), Timestamp: h.now,
	}})

	if len(h.tr.cancels) != 0 {
		t.Fatal("cancel sent before flush")
	}
	h.flush()
	if len(h.tr.cancels) != 1 {
		t.Fatalf("cancels = %d, want 1", len(h.tr.cancels))
	}
	// Cancel acknowledged by REST but not yet confirmed by the stream: no
	// replacement create may exist.
	if len(h.tr.creates) != 1 {
		t.Fatalf("creates = %d, want still 1 before cancel confirm", len(h.tr.creates))
	}

	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderCancelled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            domain.SideBid,
	})
	h.flush()

	if len(h.tr.creates) != 2 {
		t.Fatalf("creates = %d, want replacement after confirm", len(h.tr.creates))
	}
	// 102 * 0.99 = 100.98, rounded to tick 0.1.
	if !h.tr.creates[1].price.Equal(d("101")) {
		t.Errorf("replacement price = %s, want 101", h.tr.creates[1].price)
	}
}

func TestEngine_EventBeforeCreateConfirmationIsBuffered(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")
	h.timer() // create queued, not yet flushed: order is Pending without id

	// The stream reports the fill before the REST response binds the id.
	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderFilled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            domain.SideBid,
		FilledAmount:    d("0.121"),
		AvgFillPrice:    d("99"),
	})

	if !h.tracker.Net().IsZero() {
		t.Fatal("fill applied before order was known")
	}

	h.flush() // create result arrives, buffered event replays

	if !h.tracker.Net().Equal(d("0.121")) {
		t.Errorf("net = %s, want 0.121 after replay", h.tracker.Net())
	}
	if len(h.tr.creates) != 2 {
		t.Errorf("creates = %d, want flip after replay", len(h.tr.creates))
	}
}

func TestEngine_CreateRetriesBounded(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.tr.createErr = &pacifica.APIError{StatusCode: 502, Message: "bad gateway"}

	h.seedMarket("60")
	h.timer()
	h.flush()

	if len(h.tr.creates) != maxCreateRetries {
		t.Errorf("creates = %d, want %d bounded attempts", len(h.tr.creates), maxCreateRetries)
	}
}

func TestEngine_AuthErrorIsFatal(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.tr.createErr = &pacifica.APIError{StatusCode: 401, Message: "bad signature"}

	h.seedMarket("60")
	h.timer()
	h.flush()

	if !errors.Is(h.e.fatal, ErrAuthFatal) {
		t.Errorf("fatal = %v, want ErrAuthFatal", h.e.fatal)
	}
}

func TestEngine_ReduceOnlyRejectResetsPosition(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")

	h.step(event.AccountUpdateEvent{BaseEvent: h.base(), Position: &domain.Position{
		Symbol: "BTC", NetAmount: d("0.2"), EntryPrice: d("100"),
	}})

	h.tr.createErr = &pacifica.APIError{StatusCode: 422, Message: "No position found"}
	h.timer()
	h.flush()

	if !h.tracker.Net().IsZero() {
		t.Errorf("net = %s, want reset to flat", h.tracker.Net())
	}
	if h.tr.snapshots != 1 {
		t.Errorf("snapshots = %d, want reconciliation query", h.tr.snapshots)
	}
}

func TestEngine_SnapshotAdoptsVenueOrders(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")

	h.step(event.CommandResultEvent{
		BaseEvent: h.base(),
		Kind:      event.CmdSnapshot,
		OpenOrders: []domain.Order{{
			ExchangeOrderID: "55", ClientOrderID: "mm-x", Symbol: "BTC",
			Side: domain.SideBid, Price: d("98"), Amount: d("0.1"),
			Status: domain.StatusOpen,
		}},
	})

	slot := h.e.slots[domain.SideBid]
	if slot.order == nil || slot.order.ExchangeOrderID != "55" {
		t.Fatalf("venue order not adopted: %+v", slot.order)
	}
}

func TestEngine_SnapshotCancelsDuplicateExposure(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")
	h.timer()
	h.flush() // our bid, exchange id "1"

	h.step(event.CommandResultEvent{
		BaseEvent: h.base(),
		Kind:      event.CmdSnapshot,
		OpenOrders: []domain.Order{
			{ExchangeOrderID: "1", ClientOrderID: h.tr.creates[0].clientID, Symbol: "BTC",
				Side: domain.SideBid, Price: d("99"), Amount: d("0.121"), Status: domain.StatusOpen},
			{ExchangeOrderID: "99", ClientOrderID: "stranger", Symbol: "BTC",
				Side: domain.SideBid, Price: d("97"), Amount: d("0.5"), Status: domain.StatusOpen},
		},
	})
	h.flush()

	if len(h.tr.cancels) != 1 || h.tr.cancels[0] != "99" {
		t.Errorf("cancels = %v, want the stray order 99", h.tr.cancels)
	}
}

func TestEngine_OrderStreamRecoveryTriggersSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")

	h.step(event.StreamStateEvent{BaseEvent: h.base(), Stream: event.StreamOrders, Subscribed: true})
	h.flush()

	if h.tr.snapshots != 1 {
		t.Errorf("snapshots = %d, want 1 after recovery", h.tr.snapshots)
	}
}

func TestEngine_AgedOrderRefreshed(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")
	h.timer()
	h.flush()

	// Same price target, but the order sat unfilled past the refresh
	// interval.
	h.now = h.now.Add(31 * time.Second)
	h.timer()
	h.flush()

	if len(h.tr.cancels) != 1 {
		t.Errorf("cancels = %d, want aged order refreshed", len(h.tr.cancels))
	}
}

func TestEngine_SignificantPartialFillFlips(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("200") // bid sized 0.404 at 99 ≈ $40
	h.timer()
	h.flush()

	// $19.8 filled of a $40 order: above the $15 significance bar.
	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderPartiallyFilled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            domain.SideBid,
		FilledAmount:    d("0.2"),
		AvgFillPrice:    d("99"),
	})
	h.flush()

	// Remainder cancelled, flip created for the filled amount.
	if len(h.tr.cancels) != 1 {
		t.Fatalf("cancels = %d, want remainder cancelled", len(h.tr.cancels))
	}
	flip := h.tr.creates[len(h.tr.creates)-1]
	if flip.side != domain.SideAsk || !flip.amount.Equal(d("0.2")) || !flip.reduceOnly {
		t.Errorf("flip = %+v, want reduce-only ask for 0.2", flip)
	}
}

func TestEngine_InsignificantPartialFillHolds(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("200")
	h.timer()
	h.flush()

	// $4.95 filled: below the significance bar, keep resting.
	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderPartiallyFilled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            domain.SideBid,
		FilledAmount:    d("0.05"),
		AvgFillPrice:    d("99"),
	})
	h.flush()

	if len(h.tr.cancels) != 0 || len(h.tr.creates) != 1 {
		t.Errorf("cancels = %d creates = %d, want order left resting",
			len(h.tr.cancels), len(h.tr.creates))
	}
	if !h.tracker.Net().Equal(d("0.05")) {
		t.Errorf("net = %s, want partial fill tracked", h.tracker.Net())
	}
}

func TestEngine_FillBeforeCreateAckFreesSide(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")
	h.timer() // create queued but the REST acknowledgement has not landed

	// The stream fills the order by client id while the create is in flight.
	clientID := h.e.slots[domain.SideBid].order.ClientOrderID
	h.step(event.OrderUpdateEvent{
		BaseEvent:     h.base(),
		Kind:          event.OrderFilled,
		ClientOrderID: clientID,
		Symbol:        "BTC",
		Side:          domain.SideBid,
		FilledAmount:  d("0.121"),
		AvgFillPrice:  d("99"),
	})
	h.flush() // late acknowledgement arrives for an order already gone

	if got := h.e.slots[domain.SideBid].inflight; got != opNone {
		t.Fatalf("bid inflight = %v, want released after late acknowledgement", got)
	}
	// Initial bid, the flip ask, and a fresh bid: the side keeps quoting.
	if len(h.tr.creates) != 3 {
		t.Fatalf("creates = %d, want 3 (side not wedged)", len(h.tr.creates))
	}
	if last := h.tr.creates[2]; last.side != domain.SideBid {
		t.Errorf("last create = %+v, want requoted bid", last)
	}
}

func TestEngine_FillDuringCancelFreesSide(t *testing.T) {
	h := newHarness(t, Config{UseTrendSignal: true})
	h.seedMarket("60")
	h.timer()
	h.flush() // bid resting with exchange id "1"

	// Mid moves 2%: a cancel goes out for the drifted bid.
	h.step(event.PriceTickEvent{BaseEvent: h.base(), Tick: domain.PriceTick{
		Symbol: "BTC", Mid: d("102"), Timestamp: h.now,
	}})

	// The order fills before the cancel reaches the venue.
	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderFilled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            domain.SideBid,
		FilledAmount:    d("0.121"),
		AvgFillPrice:    d("99"),
	})
	h.flush() // cancel acknowledgement lands after the fill resolved the order

	if got := h.e.slots[domain.SideBid].inflight; got != opNone {
		t.Fatalf("bid inflight = %v, want released after cancel acknowledgement", got)
	}
	if h.e.slots[domain.SideBid].order == nil {
		t.Fatal("bid not requoted after fill resolved the cancelled order")
	}
}

func TestEngine_DiscardedCommandsReleaseState(t *testing.T) {
	h := newHarness(t, Config{})
	gate := &discardGate{drop: true}
	h.e.gate = gate
	h.seedMarket("60")

	h.timer() // both creates dropped as stale
	h.flush()
	if len(h.tr.creates) != 0 {
		t.Fatalf("creates = %d, want none while the gate drops commands", len(h.tr.creates))
	}

	// Order stream recovers while still dropping: the snapshot is dropped too.
	h.step(event.StreamStateEvent{BaseEvent: h.base(), Stream: event.StreamOrders, Subscribed: true})
	h.flush()

	gate.drop = false
	h.timer()
	h.flush()
	if len(h.tr.creates) != 2 {
		t.Fatalf("creates = %d, want both sides quoting after recovery", len(h.tr.creates))
	}

	h.step(event.StreamStateEvent{BaseEvent: h.base(), Stream: event.StreamOrders, Subscribed: true})
	h.flush()
	if h.tr.snapshots != 1 {
		t.Errorf("snapshots = %d, want reconciliation once commands flow again", h.tr.snapshots)
	}
}

func TestEngine_DeferredFlipsAccumulate(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")
	h.timer()
	h.flush() // bid id "1", ask id "2"

	// First bid fills; the ask slot is occupied, so the flip is deferred
	// behind a cancel of order "2".
	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderFilled,
		ExchangeOrderID: "1",
		Symbol:          "BTC",
		Side:            domain.SideBid,
		FilledAmount:    d("0.121"),
		AvgFillPrice:    d("99"),
	})
	h.flush()
	if len(h.tr.cancels) != 1 || h.tr.cancels[0] != "2" {
		t.Fatalf("cancels = %v, want the resting ask", h.tr.cancels)
	}

	// A second bid goes out and also fills before the ask cancel confirms.
	h.timer()
	h.flush()
	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderFilled,
		ExchangeOrderID: "3",
		Symbol:          "BTC",
		Side:            domain.SideBid,
		FilledAmount:    d("0.121"),
		AvgFillPrice:    d("99"),
	})
	h.flush()

	// Cancel confirms: the closing order must cover both fills.
	h.step(event.OrderUpdateEvent{
		BaseEvent:       h.base(),
		Kind:            event.OrderCancelled,
		ExchangeOrderID: "2",
		Symbol:          "BTC",
		Side:            domain.SideAsk,
	})
	h.flush()

	flip := h.tr.creates[len(h.tr.creates)-1]
	if flip.side != domain.SideAsk || !flip.reduceOnly {
		t.Fatalf("flip = %+v, want reduce-only ask", flip)
	}
	if !flip.amount.Equal(d("0.242")) {
		t.Errorf("flip amount = %s, want 0.242 covering both fills", flip.amount)
	}
}

func TestEngine_SnapshotSkipsUnknownSide(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedMarket("60")

	h.step(event.CommandResultEvent{
		BaseEvent: h.base(),
		Kind:      event.CmdSnapshot,
		OpenOrders: []domain.Order{
			{ExchangeOrderID: "7", ClientOrderID: "mm-a", Symbol: "BTC",
				Side: domain.Side("buy"), Price: d("98"), Amount: d("0.1"),
				Status: domain.StatusOpen},
			{ExchangeOrderID: "8", ClientOrderID: "mm-b", Symbol: "BTC",
				Side: domain.SideBid, Price: d("97"), Amount: d("0.1"),
				Status: domain.StatusOpen},
		},
	})

	slot := h.e.slots[domain.SideBid]
	if slot.order == nil || slot.order.ExchangeOrderID != "8" {
		t.Fatalf("valid order not adopted past the malformed entry: %+v", slot.order)
	}
}

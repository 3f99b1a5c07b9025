// Package position tracks the net inventory and available balance for one
// symbol. The tracker is owned by the engine loop and never accessed
// concurrently; it is plain state with the risk arithmetic attached.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/pkg/quant"
)

// Tracker is the engine's view of inventory and spendable balance. Fills
// apply incrementally; exchange snapshots overwrite, since the venue is
// authoritative.
type Tracker struct {
	symbol    string
	threshold decimal.Decimal // notional above which inventory must be reduced

	net        decimal.Decimal
	entryPrice decimal.Decimal
	positionAt time.Time

	balance   decimal.Decimal
	balanceAt time.Time
}

// NewTracker creates a flat tracker with the given notional threshold.
func NewTracker(symbol string, thresholdUSD decimal.Decimal) *Tracker {
	return &Tracker{symbol: symbol, threshold: thresholdUSD}
}

// Net returns the signed net position. Positive is long.
func (t *Tracker) Net() decimal.Decimal { return t.net }

// EntryPrice returns the exchange-reported average entry price, zero when
// unknown or flat.
func (t *Tracker) EntryPrice() decimal.Decimal { return t.entryPrice }

// ApplyFill adjusts the net position by an incremental fill.
func (t *Tracker) ApplyFill(side domain.Side, delta decimal.Decimal, at time.Time) {
	if delta.IsZero() {
		return
	}
	if side == domain.SideBid {
		t.net = t.net.Add(delta)
	} else {
		t.net = t.net.Sub(delta)
	}
	t.positionAt = at
}

// ApplySnapshot overwrites local state with an exchange position snapshot.
func (t *Tracker) ApplySnapshot(pos domain.Position, at time.Time) {
	t.net = pos.NetAmount
	t.entryPrice = pos.EntryPrice
	t.positionAt = at
}

// SetFlat records a confirmed flat position, as after an empty positions
// snapshot or a reduce-only desync reset.
func (t *Tracker) SetFlat(at time.Time) {
	t.net = decimal.Zero
	t.entryPrice = decimal.Zero
	t.positionAt = at
}

// SetBalance records the balance available to spend.
func (t *Tracker) SetBalance(available decimal.Decimal, at time.Time) {
	t.balance = available
	t.balanceAt = at
}

// Balance returns the last known available balance.
func (t *Tracker) Balance() decimal.Decimal { return t.balance }

// BalanceFresh reports whether a balance has been seen within maxAge.
func (t *Tracker) BalanceFresh(now time.Time, maxAge time.Duration) bool {
	return !t.balanceAt.IsZero() && now.Sub(t.balanceAt) <= maxAge
}

// Notional returns the absolute position value at the reference price.
func (t *Tracker) Notional(refPrice decimal.Decimal) decimal.Decimal {
	return quant.Notional(refPrice, t.net)
}

// AboveThreshold reports whether inventory is large enough that the
// strategy must quote reduce-only on the closing side.
func (t *Tracker) AboveThreshold(refPrice decimal.Decimal) bool {
	return t.Notional(refPrice).GreaterThanOrEqual(t.threshold)
}

// ClosingSide returns the side that reduces the current position. For a
// flat book it mirrors longs: asks close.
func (t *Tracker) ClosingSide() domain.Side {
	if t.net.IsNegative() {
		return domain.SideBid
	}
	return domain.SideAsk
}

// CanOpen reports whether an opening order on the side is allowed: opening
// is blocked only when it would grow a position already above the
// threshold. Reducing is always allowed.
func (t *Tracker) CanOpen(side domain.Side, refPrice decimal.Decimal) bool {
	if !t.AboveThreshold(refPrice) {
		return true
	}
	// Above threshold, only the reducing side may quote.
	return side == t.ClosingSide()
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side in Pacifica's terms: "bid" buys, "ask" sells.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Status is the order lifecycle state machine.
//
//	Pending -> Open -> {PartiallyFilled -> Open|Filled, Filled, Cancelling -> Cancelled, Rejected}
//
// Pending means the create request was sent but no exchange order id has been
// confirmed yet. Filled, Cancelled and Rejected are terminal.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelling      Status = "CANCELLING"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

var validTransitions = map[Status][]Status{
	StatusPending:         {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelling},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelling, StatusCancelled, StatusRejected},
	StatusPartiallyFilled: {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelling, StatusCancelled},
	StatusCancelling:      {StatusCancelled, StatusFilled, StatusPartiallyFilled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is the engine's authoritative view of one exchange order.
// LocalID is engine-assigned and stable across reconnects; ExchangeOrderID is
// assigned asynchronously by the REST response and may arrive after a stream
// event that references it.
type Order struct {
	LocalID         string
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	FilledAmount    decimal.Decimal
	ReduceOnly      bool
	Status          Status
	CreatedAt       time.Time
	LastTouchedAt   time.Time
}

// IsOpen reports whether the order is resting (or presumed resting) at the
// exchange.
func (o *Order) IsOpen() bool {
	return o.Status == StatusPending || o.Status == StatusOpen ||
		o.Status == StatusPartiallyFilled || o.Status == StatusCancelling
}

// Remaining returns the unfilled amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// ApplyFill updates the filled amount from a stream event and returns the
// incremental delta. Exchange events report cumulative filled amounts, so
// replaying the same event yields a zero delta: fills are idempotent.
func (o *Order) ApplyFill(cumFilled decimal.Decimal, at time.Time) decimal.Decimal {
	if cumFilled.LessThanOrEqual(o.FilledAmount) {
		return decimal.Zero
	}
	delta := cumFilled.Sub(o.FilledAmount)
	o.FilledAmount = cumFilled
	o.LastTouchedAt = at
	return delta
}

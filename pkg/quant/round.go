// Package quant provides the numeric helpers shared between the quoting
// policy and the exchange boundary. All money math in this codebase is
// decimal.Decimal; float64 exists only at JSON boundaries.
package quant

import (
	"github.com/shopspring/decimal"
)

// RoundToTick rounds a price to the nearest multiple of tickSize.
// A zero tickSize returns the price unchanged.
func RoundToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Round(0).Mul(tickSize)
}

// FloorToStep truncates a quantity down to a multiple of stepSize.
// Quantities are always rounded down so an order can never exceed the
// balance it was sized from.
func FloorToStep(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// Notional returns |price * qty|.
func Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Abs()
}

// WithinPct reports whether b deviates from a by less than threshold,
// expressed as a fraction of a (|b-a|/a < threshold). A zero reference
// price never matches.
func WithinPct(a, b, threshold decimal.Decimal) bool {
	if a.IsZero() {
		return false
	}
	return b.Sub(a).Abs().Div(a.Abs()).LessThan(threshold)
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is a normalized mid-price update for one symbol.
// Last write wins; staleness is measured from Timestamp, never assumed.
type PriceTick struct {
	Symbol    string
	Mid       decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp time.Time
}

// SymbolFilters are the exchange trading rules a quote must conform to.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinNotional decimal.Decimal
}

// Position is the signed net inventory for one symbol. Owned exclusively by
// the position tracker; the quoting policy only ever reads copies.
type Position struct {
	Symbol      string
	NetAmount   decimal.Decimal // positive long, negative short
	EntryPrice  decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.NetAmount.IsPositive() }

// IsShort reports whether the position is short.
func (p *Position) IsShort() bool { return p.NetAmount.IsNegative() }

// Notional returns |net * ref| at a reference price, falling back to the
// entry price when no reference is given.
func (p *Position) Notional(ref decimal.Decimal) decimal.Decimal {
	if ref.IsZero() {
		ref = p.EntryPrice
	}
	return p.NetAmount.Mul(ref).Abs()
}

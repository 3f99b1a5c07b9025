// Package strategy holds the pure quoting policy: given market state,
// parameters and inventory, what should each side's resting quote look
// like. No I/O and no mutation; the engine owns all state.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/pkg/quant"
)

// QuoteIntent is the desired resting order for one side. Zero intents are
// expressed by ok=false from DesiredQuote, never by zero amounts.
type QuoteIntent struct {
	Side       domain.Side
	Price      decimal.Decimal
	Amount     decimal.Decimal
	ReduceOnly bool
}

// Config is the static strategy configuration.
type Config struct {
	FallbackBuySpread    decimal.Decimal
	FallbackSellSpread   decimal.Decimal
	BalanceFraction      decimal.Decimal
	PriceChangeThreshold decimal.Decimal
	MaxParamAge          time.Duration
}

// Inputs is the snapshot of everything a quoting decision reads.
type Inputs struct {
	Now      time.Time
	Mid      decimal.Decimal
	Filters  domain.SymbolFilters
	Spreads  domain.SpreadParameters
	Balance  decimal.Decimal
	Net      decimal.Decimal // signed position
	Reducing bool            // inventory above threshold: closing side quotes reduce-only
	Closing  domain.Side
}

// Policy computes desired quotes.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy with the given configuration.
func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// EffectiveSpreads returns the buy and sell spreads to quote with. A dynamic
// snapshot older than MaxParamAge degrades to the configured fallback
// instead of quoting on stale estimates.
func (p *Policy) EffectiveSpreads(spreads domain.SpreadParameters, now time.Time) (buy, sell decimal.Decimal, source domain.SpreadSource) {
	if spreads.Source == domain.SpreadDynamic && spreads.Age(now) <= p.cfg.MaxParamAge {
		return spreads.BuySpread, spreads.SellSpread, domain.SpreadDynamic
	}
	return p.cfg.FallbackBuySpread, p.cfg.FallbackSellSpread, domain.SpreadFallback
}

// DesiredQuote computes the target order for one side. ok is false when the
// side should not quote: blocked by the risk gate, unsized, or below the
// venue's minimum notional.
func (p *Policy) DesiredQuote(side domain.Side, in Inputs) (QuoteIntent, bool) {
	if !in.Mid.IsPositive() {
		return QuoteIntent{}, false
	}

	buySpread, sellSpread, _ := p.EffectiveSpreads(in.Spreads, in.Now)

	var price decimal.Decimal
	if side == domain.SideBid {
		price = in.Mid.Mul(decimal.NewFromInt(1).Sub(buySpread))
	} else {
		price = in.Mid.Mul(decimal.NewFromInt(1).Add(sellSpread))
	}
	price = quant.RoundToTick(price, in.Filters.TickSize)
	if !price.IsPositive() {
		return QuoteIntent{}, false
	}

	var amount decimal.Decimal
	reduceOnly := false
	if in.Reducing {
		if side != in.Closing {
			// Opening side is gated off while inventory is above threshold.
			return QuoteIntent{}, false
		}
		amount = in.Net.Abs()
		reduceOnly = true
	} else {
		if !in.Balance.IsPositive() {
			return QuoteIntent{}, false
		}
		amount = in.Balance.Mul(p.cfg.BalanceFraction).Div(price)
	}

	amount = quant.FloorToStep(amount, in.Filters.LotSize)
	if !amount.IsPositive() {
		return QuoteIntent{}, false
	}
	if quant.Notional(price, amount).LessThan(in.Filters.MinNotional) {
		return QuoteIntent{}, false
	}

	return QuoteIntent{Side: side, Price: price, Amount: amount, ReduceOnly: reduceOnly}, true
}

// FlipQuote sizes the opposite-side closing order after a fill: the amount
// that just filled, priced at the current mid plus that side's spread. The
// local position snapshot may lag the fill event, so sizing comes from the
// event, not the tracker.
func (p *Policy) FlipQuote(filledSide domain.Side, filledAmount decimal.Decimal, in Inputs) (QuoteIntent, bool) {
	if !in.Mid.IsPositive() {
		return QuoteIntent{}, false
	}
	side := filledSide.Opposite()
	buySpread, sellSpread, _ := p.EffectiveSpreads(in.Spreads, in.Now)

	var price decimal.Decimal
	if side == domain.SideBid {
		price = in.Mid.Mul(decimal.NewFromInt(1).Sub(buySpread))
	} else {
		price = in.Mid.Mul(decimal.NewFromInt(1).Add(sellSpread))
	}
	price = quant.RoundToTick(price, in.Filters.TickSize)
	if !price.IsPositive() {
		return QuoteIntent{}, false
	}

	amount := quant.FloorToStep(filledAmount, in.Filters.LotSize)
	if !amount.IsPositive() || quant.Notional(price, amount).LessThan(in.Filters.MinNotional) {
		return QuoteIntent{}, false
	}
	return QuoteIntent{Side: side, Price: price, Amount: amount, ReduceOnly: true}, true
}

// ShouldReplace reports whether an existing resting order is far enough
// from the target price to be worth the cancel/create round trip. Orders
// within the threshold are left alone to keep queue priority.
func (p *Policy) ShouldReplace(currentPrice, targetPrice decimal.Decimal) bool {
	return !quant.WithinPct(currentPrice, targetPrice, p.cfg.PriceChangeThreshold)
}

// OpeningSide returns the side used to build inventory for the given trend
// bias.
func (p *Policy) OpeningSide(trend domain.TrendSignal) domain.Side {
	return trend.OpeningSide()
}

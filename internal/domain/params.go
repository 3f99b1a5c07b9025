package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpreadSource records where a spread snapshot came from.
type SpreadSource string

const (
	SpreadDynamic  SpreadSource = "dynamic"
	SpreadFallback SpreadSource = "fallback"
)

// SpreadParameters is an immutable snapshot of the externally computed quoting
// spreads. The engine always reads the latest snapshot plus its age and never
// blocks waiting for a fresh one.
type SpreadParameters struct {
	BuySpread  decimal.Decimal // fraction below mid for bids
	SellSpread decimal.Decimal // fraction above mid for asks
	ComputedAt time.Time
	Source     SpreadSource
}

// Age returns how old the snapshot is at the given instant.
func (p SpreadParameters) Age(now time.Time) time.Duration {
	return now.Sub(p.ComputedAt)
}

// TrendDirection is the externally computed directional bias.
type TrendDirection int

const (
	TrendDown    TrendDirection = -1
	TrendNeutral TrendDirection = 0
	TrendUp      TrendDirection = 1
)

// TrendSignal is an immutable snapshot of the trend indicator.
type TrendSignal struct {
	Direction  TrendDirection
	ComputedAt time.Time
}

// Age returns how old the snapshot is at the given instant.
func (s TrendSignal) Age(now time.Time) time.Duration {
	return now.Sub(s.ComputedAt)
}

// OpeningSide maps the trend bias to the side used to open inventory: a
// downtrend opens with asks (short bias), anything else opens with bids.
func (s TrendSignal) OpeningSide() Side {
	if s.Direction == TrendDown {
		return SideAsk
	}
	return SideBid
}

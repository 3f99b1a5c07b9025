// Package params reads the externally computed strategy parameter files:
// Avellaneda spreads and the Supertrend direction. Both are produced by a
// separate research pipeline and dropped as JSON files; this package polls
// them and feeds snapshots into the engine inbox.
package params

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
)

// Spread bounds. Values outside this range are treated as a broken input
// file, not a trading decision.
var (
	spreadMin = decimal.NewFromFloat(0.00005)
	spreadMax = decimal.NewFromFloat(0.02)
)

const avellanedaFilePrefix = "avellaneda_parameters_"

// avellanedaFile is the subset of the research pipeline's output we consume.
// Spreads come either as percentages or as absolute price deltas that need
// the file's own mid price to convert.
type avellanedaFile struct {
	LimitOrders struct {
		DeltaA        *float64 `json:"delta_a"`
		DeltaAPercent *float64 `json:"delta_a_percent"`
		DeltaB        *float64 `json:"delta_b"`
		DeltaBPercent *float64 `json:"delta_b_percent"`
	} `json:"limit_orders"`
	MarketData struct {
		MidPrice *float64 `json:"mid_price"`
	} `json:"market_data"`
	CalculatedValues struct {
		ReservationPrice *float64 `json:"reservation_price"`
	} `json:"calculated_values"`
}

// SpreadLoader resolves the current quoting spreads for one symbol, falling
// back to the configured static spreads when no usable file exists.
type SpreadLoader struct {
	dir          string
	symbol       string
	fallbackBuy  decimal.Decimal
	fallbackSell decimal.Decimal
}

// NewSpreadLoader creates a loader rooted at the params directory.
func NewSpreadLoader(dir, symbol string, fallbackBuy, fallbackSell decimal.Decimal) *SpreadLoader {
	return &SpreadLoader{
		dir:          dir,
		symbol:       strings.ToUpper(symbol),
		fallbackBuy:  fallbackBuy,
		fallbackSell: fallbackSell,
	}
}

// Load returns the current spread snapshot. A missing or unusable file is
// not an error: the fallback spreads apply and the snapshot says so.
func (l *SpreadLoader) Load(now time.Time) domain.SpreadParameters {
	for _, candidate := range symbolCandidates(l.symbol) {
		path := filepath.Join(l.dir, avellanedaFilePrefix+candidate+".json")
		buy, sell, err := l.loadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				// Broken file: try the next candidate, then fall back.
				continue
			}
			continue
		}

		if buy == nil && sell == nil {
			continue
		}
		out := domain.SpreadParameters{
			BuySpread:  l.fallbackBuy,
			SellSpread: l.fallbackSell,
			ComputedAt: now,
			Source:     domain.SpreadDynamic,
		}
		if buy != nil {
			out.BuySpread = *buy
		}
		if sell != nil {
			out.SellSpread = *sell
		}
		return out
	}

	return domain.SpreadParameters{
		BuySpread:  l.fallbackBuy,
		SellSpread: l.fallbackSell,
		ComputedAt: now,
		Source:     domain.SpreadFallback,
	}
}

func (l *SpreadLoader) loadFile(path string) (buy, sell *decimal.Decimal, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var payload avellanedaFile
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	mid := payload.MarketData.MidPrice
	if mid == nil || *mid <= 0 {
		mid = payload.CalculatedValues.ReservationPrice
	}

	buy = extractSpread(payload.LimitOrders.DeltaBPercent, payload.LimitOrders.DeltaB, mid)
	sell = extractSpread(payload.LimitOrders.DeltaAPercent, payload.LimitOrders.DeltaA, mid)
	return buy, sell, nil
}

// extractSpread derives a fractional spread, preferring the percent form
// over the absolute delta. Out-of-bounds values are rejected.
func extractSpread(percent, delta, mid *float64) *decimal.Decimal {
	var spread decimal.Decimal
	switch {
	case percent != nil:
		spread = decimal.NewFromFloat(*percent / 100)
	case delta != nil && mid != nil && *mid > 0:
		spread = decimal.NewFromFloat(*delta / *mid)
	default:
		return nil
	}

	if spread.LessThan(spreadMin) || spread.GreaterThan(spreadMax) {
		return nil
	}
	return &spread
}

// symbolCandidates lists the file name stems to try: the symbol itself plus
// legacy forms with a quote-currency suffix stripped.
func symbolCandidates(symbol string) []string {
	candidates := []string{symbol}
	for _, suffix := range []string{"USDT", "USDC", "USDF", "USD1", "USD"} {
		if strings.HasSuffix(symbol, suffix) && len(symbol) > len(suffix) {
			stem := strings.TrimSuffix(symbol, suffix)
			if !contains(candidates, stem) {
				candidates = append(candidates, stem)
			}
		}
	}
	return candidates
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

package params

import (
	"context"
	"log/slog"
	"time"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/event"
)

// Poller periodically re-reads the parameter files and posts snapshots into
// the engine inbox. Every successful spread read is published, changed or
// not, because the engine tracks snapshot age for its staleness fallback.
// Trend reads publish on change only. A nil loader disables that concern.
type Poller struct {
	spreads        *SpreadLoader
	trend          *TrendLoader
	spreadInterval time.Duration
	trendInterval  time.Duration
	seq            *event.Sequence
	publish        func(event.Event)
	logger         *slog.Logger

	lastTrend *domain.TrendSignal
}

// NewPoller wires the loaders to the engine inbox.
func NewPoller(spreads *SpreadLoader, trend *TrendLoader,
	spreadInterval, trendInterval time.Duration,
	seq *event.Sequence, publish func(event.Event), logger *slog.Logger) *Poller {

	return &Poller{
		spreads:        spreads,
		trend:          trend,
		spreadInterval: spreadInterval,
		trendInterval:  trendInterval,
		seq:            seq,
		publish:        publish,
		logger:         logger,
	}
}

// Run polls until the context is cancelled. An immediate first read seeds
// the engine before the first tick.
func (p *Poller) Run(ctx context.Context) {
	p.pollSpreads()
	p.pollTrend()

	spreadTicker := time.NewTicker(p.spreadInterval)
	defer spreadTicker.Stop()
	trendTicker := time.NewTicker(p.trendInterval)
	defer trendTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-spreadTicker.C:
			p.pollSpreads()
		case <-trendTicker.C:
			p.pollTrend()
		}
	}
}

func (p *Poller) pollSpreads() {
	if p.spreads == nil {
		return
	}
	snapshot := p.spreads.Load(time.Now())
	p.publish(event.SpreadUpdateEvent{
		BaseEvent: p.seq.Next(time.Now()),
		Params:    snapshot,
	})
	p.logger.Debug("Spread snapshot",
		"buy", snapshot.BuySpread, "sell", snapshot.SellSpread, "source", snapshot.Source)
}

func (p *Poller) pollTrend() {
	if p.trend == nil {
		return
	}
	signal, err := p.trend.Load(time.Now())
	if err != nil {
		p.logger.Warn("Trend read failed, keeping previous signal", "err", err)
		return
	}

	if p.lastTrend != nil && p.lastTrend.Direction == signal.Direction {
		return
	}
	p.lastTrend = &signal

	p.logger.Info("Trend signal changed", "direction", int(signal.Direction))
	p.publish(event.TrendUpdateEvent{
		BaseEvent: p.seq.Next(time.Now()),
		Signal:    signal,
	})
}

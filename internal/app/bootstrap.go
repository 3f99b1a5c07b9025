// Package app wires the components together: config, journal, transport,
// feed workers, supervisor, parameter poller and the engine.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/engine"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/event"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/infra"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/infra/pacifica"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/params"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/position"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/storage"
	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/strategy"
)

// Bootstrap holds everything built during startup.
type Bootstrap struct {
	Config  *infra.Config
	Journal *storage.Journal
	Client  *pacifica.Client
	Engine  *engine.Engine

	seq        *event.Sequence
	supervisor *infra.ConnectionSupervisor
	priceWS    *infra.BaseWSWorker
	accountWS  *infra.BaseWSWorker
	poller     *params.Poller
	logger     *slog.Logger
}

// Initialize loads the config, opens the journal and builds the transport.
func Initialize(configPath string) (*Bootstrap, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("Starting", "app", cfg.App.Name, "version", cfg.App.Version, "symbol", cfg.Trading.Symbol)

	journalPath := cfg.Storage.JournalPath
	if journalPath == "" {
		journalPath = filepath.Join("data", "journal.db")
	}
	journal, err := storage.NewJournal(journalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	slog.Info("Journal opened (WAL-mode)", "path", journalPath)

	signer, err := pacifica.NewSigner(cfg.Exchange.PrivateKey)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("failed to build signer: %w", err)
	}
	client := pacifica.NewClient(cfg.Exchange.RestURL, signer, logger)
	slog.Info("Transport ready", "account", client.Account())

	return &Bootstrap{
		Config:  cfg,
		Journal: journal,
		Client:  client,
		seq:     &event.Sequence{},
		logger:  logger,
	}, nil
}

// Prepare runs the pre-trading startup sequence against the venue: fetch
// trading rules, cancel any leftover orders from a previous run, set the
// leverage, and seed the tracker with the current balance and position.
// The engine starts from a clean, known state or not at all.
func (b *Bootstrap) Prepare(ctx context.Context) (*position.Tracker, domain.SymbolFilters, error) {
	cfg := b.Config
	symbol := cfg.Trading.Symbol

	filters, err := b.Client.SymbolFilters(ctx, symbol)
	if err != nil {
		return nil, domain.SymbolFilters{}, fmt.Errorf("failed to fetch symbol filters: %w", err)
	}
	slog.Info("Symbol filters", "symbol", symbol,
		"tick", filters.TickSize.String(), "lot", filters.LotSize.String(),
		"min_notional", filters.MinNotional.String())

	if stale, err := b.Journal.OpenClientOrderIDs(); err == nil && len(stale) > 0 {
		slog.Warn("Journal has orders open from a previous run", "count", len(stale))
	}

	// Clean slate: anything resting at the venue predates this process.
	if err := b.Client.CancelAllOrders(ctx, symbol); err != nil {
		return nil, domain.SymbolFilters{}, fmt.Errorf("startup cancel-all failed: %w", err)
	}

	if cfg.Trading.Leverage > 0 {
		if err := b.Client.SetLeverage(ctx, symbol, cfg.Trading.Leverage); err != nil {
			// The venue rejects a leverage change while a position is open;
			// trading continues on whatever is already set.
			slog.Warn("Failed to set leverage", "err", err)
		}
	}

	tracker := position.NewTracker(symbol, cfg.PositionThreshold())
	now := time.Now()

	balance, err := b.Client.AvailableBalance(ctx)
	if err != nil {
		return nil, domain.SymbolFilters{}, fmt.Errorf("failed to fetch balance: %w", err)
	}
	tracker.SetBalance(balance, now)
	slog.Info("Account balance", "available", balance.String())

	pos, err := b.Client.Position(ctx, symbol)
	if err != nil {
		return nil, domain.SymbolFilters{}, fmt.Errorf("failed to fetch position: %w", err)
	}
	if pos != nil {
		tracker.ApplySnapshot(*pos, now)
		slog.Info("Existing position", "net", pos.NetAmount.String(), "entry", pos.EntryPrice.String())
	}

	return tracker, filters, nil
}

// Start builds the engine, the supervisor, the two stream workers and the
// parameter poller, and launches everything. Blocks until ctx is cancelled
// or the engine dies; the returned error is the engine's fatal error, if
// any.
func (b *Bootstrap) Start(ctx context.Context, tracker *position.Tracker, filters domain.SymbolFilters) error {
	cfg := b.Config
	symbol := cfg.Trading.Symbol

	fallbackBuy, fallbackSell := cfg.FallbackSpreads()
	policy := strategy.NewPolicy(strategy.Config{
		FallbackBuySpread:    fallbackBuy,
		FallbackSellSpread:   fallbackSell,
		BalanceFraction:      decimal.NewFromFloat(cfg.Trading.BalanceFraction),
		PriceChangeThreshold: decimal.NewFromFloat(cfg.Trading.PriceChangeThreshold),
		MaxParamAge:          cfg.MaxParamAge(),
	})

	b.supervisor = infra.NewConnectionSupervisor(
		[]string{string(event.StreamPrices), string(event.StreamOrders)},
		cfg.RefreshInterval(),
		func(id string, subscribed bool) {
			b.Engine.Publish(event.StreamStateEvent{
				BaseEvent:  b.seq.Next(time.Now()),
				Stream:     event.StreamName(id),
				Subscribed: subscribed,
			})
		},
		func(cmd infra.QueuedCommand) {
			slog.Warn("Dropped stale command after outage", "kind", cmd.Kind)
		},
	)

	b.Engine = engine.New(engine.Config{
		Symbol:              symbol,
		RefreshInterval:     cfg.RefreshInterval(),
		SignificantNotional: cfg.SignificantNotional(),
		UseTrendSignal:      cfg.Trading.UseTrendSignal,
	}, policy, tracker, b.Client, b.Journal, b.supervisor, filters, b.seq, b.logger)

	priceHandler := pacifica.NewPriceStreamHandler(
		cfg.Exchange.WSURL, symbol, b.seq, b.Engine.Publish, b.logger)
	accountHandler := pacifica.NewAccountStreamHandler(
		cfg.Exchange.WSURL, symbol, b.Client.Account(), b.Client.WSAuthToken,
		b.seq, b.Engine.Publish, b.logger)

	b.priceWS = infra.NewBaseWSWorker(priceHandler, b.supervisor.HandleStreamState)
	b.accountWS = infra.NewBaseWSWorker(accountHandler, b.supervisor.HandleStreamState)
	b.priceWS.OnDegraded = b.supervisor.MarkDegraded
	b.accountWS.OnDegraded = b.supervisor.MarkDegraded
	b.priceWS.Start(ctx)
	b.accountWS.Start(ctx)

	b.startPoller(ctx)

	return b.Engine.Run(ctx)
}

// startPoller launches the parameter file poller when dynamic spreads or the
// trend signal are in use.
func (b *Bootstrap) startPoller(ctx context.Context) {
	cfg := b.Config
	if !cfg.Trading.UseDynamicSpreads && !cfg.Trading.UseTrendSignal {
		return
	}

	paramsDir := cfg.Params.Dir
	if paramsDir == "" {
		paramsDir = "params"
	}
	spreadInterval := durationOrDefault(cfg.Params.SpreadPollIntervalSec, 30*time.Second)
	trendInterval := durationOrDefault(cfg.Params.TrendPollIntervalSec, 60*time.Second)

	var spreadLoader *params.SpreadLoader
	if cfg.Trading.UseDynamicSpreads {
		fallbackBuy, fallbackSell := cfg.FallbackSpreads()
		spreadLoader = params.NewSpreadLoader(paramsDir, cfg.Trading.Symbol, fallbackBuy, fallbackSell)
	}
	var trendLoader *params.TrendLoader
	if cfg.Trading.UseTrendSignal {
		trendLoader = params.NewTrendLoader(paramsDir, cfg.Trading.Symbol)
	}

	b.poller = params.NewPoller(spreadLoader, trendLoader,
		spreadInterval, trendInterval, b.seq, b.Engine.Publish, b.logger)
	go b.poller.Run(ctx)
	slog.Info("Parameter poller started", "dir", paramsDir,
		"dynamic_spreads", cfg.Trading.UseDynamicSpreads, "trend", cfg.Trading.UseTrendSignal)
}

// Close releases resources in reverse startup order. The engine has already
// cancelled open orders by the time Run returns.
func (b *Bootstrap) Close() {
	if b.priceWS != nil {
		b.priceWS.Stop()
	}
	if b.accountWS != nil {
		b.accountWS.Stop()
	}
	if b.Journal != nil {
		b.Journal.Close()
	}
}

func durationOrDefault(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

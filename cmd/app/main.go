package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	bootstrap, err := app.Initialize(*configPath)
	if err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prepCtx, prepCancel := context.WithTimeout(ctx, 30*time.Second)
	tracker, filters, err := bootstrap.Prepare(prepCtx)
	prepCancel()
	if err != nil {
		slog.Error("Startup sequence failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("Market maker running. Press Ctrl+C to exit.")

	if err := bootstrap.Start(ctx, tracker, filters); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Engine stopped", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("Shut down cleanly")
}

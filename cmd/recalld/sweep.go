package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/recall/internal/config"
	"github.com/basket/recall/internal/keystore"
	"github.com/basket/recall/internal/ledger"
)

// runSweepCommand connects to the store directly and runs one idle sweep.
// Useful for cron-driven deployments that do not keep the daemon running.
func runSweepCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: recalld sweep")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := keystore.Open(ctx, cfg.Redis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		return 1
	}
	defer store.Close()

	// Same summarizer wiring as the daemon: a close is the one shot at a
	// summary, so the offline path must not skip it.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	led := ledger.New(store.Redis(), ledger.Options{
		Namespace:        cfg.Ledger.Namespace,
		IdleWindow:       cfg.IdleWindow(),
		SummarizeTimeout: cfg.SummarizeTimeout(),
		Logger:           logger,
		Summarizer:       buildSummarizer(cfg, logger),
	})

	closed, err := led.CloseIfIdle(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	fmt.Printf("closed %d idle conversation(s)\n", closed)
	return 0
}

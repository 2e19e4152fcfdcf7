package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/recall/internal/config"
	"github.com/basket/recall/internal/gateway"
	"github.com/basket/recall/internal/keystore"
	"github.com/basket/recall/internal/ledger"
	otelPkg "github.com/basket/recall/internal/otel"
	"github.com/basket/recall/internal/reaper"
	"github.com/basket/recall/internal/summarizer"
	"github.com/basket/recall/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the ledger daemon

SUBCOMMANDS:
  %s status                   Show daemon health and ledger status
  %s sweep                    Run one idle sweep against the store and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RECALL_HOME             Data directory (default: ~/.recall)
  RECALL_REDIS_ADDR       Redis address override
  RECALL_AUTH_TOKEN       Extra accepted bearer token for the read API
  OPENROUTER_API_KEY      Enables the OpenRouter summarizer
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := keystore.Open(ctx, cfg.Redis)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_connected", "addr", cfg.Redis.Addr)

	led := ledger.New(store.Redis(), ledger.Options{
		Namespace:        cfg.Ledger.Namespace,
		IdleWindow:       cfg.IdleWindow(),
		SummarizeTimeout: cfg.SummarizeTimeout(),
		RecallLimit:      cfg.Ledger.RecallLimit,
		MessageLimit:     cfg.Ledger.MessageLimit,
		Logger:           logger,
		Metrics:          metrics,
		Summarizer:       buildSummarizer(cfg, logger),
	})

	var sweeper *reaper.Reaper
	if cfg.Reaper.Enabled {
		sweeper, err = reaper.New(reaper.Config{
			Ledger:   led,
			Logger:   logger,
			Schedule: cfg.Reaper.Schedule,
		})
		if err != nil {
			fatalStartup(logger, "E_REAPER_INIT", err)
		}
		sweeper.Start(ctx)
	}

	server := gateway.New(gateway.Config{
		Ledger:      led,
		Logger:      logger,
		Gateway:     cfg.Gateway,
		Fingerprint: cfg.Fingerprint(),
		Healthy:     store.Healthy,
	})
	server.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
	} else {
		go reloadLoop(ctx, watcher, led, logger, cfg.Fingerprint())
	}

	logger.Info("startup phase", "phase", "ready", "bind_addr", cfg.Gateway.BindAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first, then the sweeper, so no sweep starts against a
	// store we are about to close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if sweeper != nil {
		sweeper.Stop()
	}
	logger.Info("shutdown complete")
}

// buildSummarizer picks OpenRouter when a key is configured, otherwise the
// static fallback. A misconfigured OpenRouter block degrades to static with
// a warning rather than refusing to start.
func buildSummarizer(cfg config.Config, logger *slog.Logger) ledger.Summarizer {
	key := cfg.SummarizerAPIKey()
	wantsOpenRouter := cfg.Summarizer.Provider == "openrouter" || (cfg.Summarizer.Provider == "" && key != "")
	if wantsOpenRouter {
		s, err := summarizer.NewOpenRouter(summarizer.OpenRouterConfig{
			BaseURL: cfg.Summarizer.BaseURL,
			APIKey:  key,
			Model:   cfg.Summarizer.Model,
		}, logger)
		if err != nil {
			logger.Warn("openrouter summarizer unavailable, using static", "error", err)
			return summarizer.Static{}
		}
		logger.Info("summarizer configured", "provider", "openrouter", "model", cfg.Summarizer.Model)
		return s
	}
	return summarizer.Static{}
}

// reloadLoop applies hot-reloadable tunables when config.yaml changes.
// Structural settings (bind address, redis, namespace) still need a restart.
func reloadLoop(ctx context.Context, watcher *config.Watcher, led *ledger.Ledger, logger *slog.Logger, fingerprint string) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				continue
			}
			next := cfg.Fingerprint()
			if next == fingerprint {
				continue
			}
			fingerprint = next
			led.SetIdleWindow(cfg.IdleWindow())
			telemetry.SetLevel(cfg.LogLevel)
			logger.Info("config reloaded",
				"fingerprint", next,
				"idle_window_minutes", cfg.Ledger.IdleWindowMinutes,
				"log_level", cfg.LogLevel)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"ledger","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

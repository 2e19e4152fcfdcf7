// Package reaper runs the idle-window sweep on a cron schedule. The
// schedule decides when to sweep; the sweep itself lives on the ledger and
// stays directly callable for tests and on-demand use.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/recall/internal/ledger"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the reaper.
type Config struct {
	Ledger *ledger.Ledger
	Logger *slog.Logger

	// Schedule is a cron expression; defaults to every minute.
	Schedule string

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Reaper periodically closes conversations that exceeded the idle window.
type Reaper struct {
	ledger   *ledger.Ledger
	logger   *slog.Logger
	schedule cronlib.Schedule
	clock    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper with the given config.
func New(cfg Config) (*Reaper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "* * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reaper{
		ledger:   cfg.Ledger,
		logger:   logger,
		schedule: schedule,
		clock:    clock,
	}, nil
}

// Start begins the sweep loop in a background goroutine. It fires once
// immediately, then follows the cron schedule.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started")
}

// Stop cancels the loop and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	r.sweep(ctx)

	for {
		now := r.clock()
		next := r.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.sweep(ctx)
		}
	}
}

// Sweep runs one idle sweep immediately, outside the schedule.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	return r.ledger.CloseIfIdle(ctx, r.clock())
}

func (r *Reaper) sweep(ctx context.Context) {
	closed, err := r.ledger.CloseIfIdle(ctx, r.clock())
	if err != nil {
		r.logger.Error("idle sweep failed", "error", err)
		return
	}
	if closed > 0 {
		r.logger.Info("idle sweep finished", "closed", closed)
	}
}

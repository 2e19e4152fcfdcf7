package reaper_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/basket/recall/internal/ledger"
	"github.com/basket/recall/internal/reaper"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) (*ledger.Ledger, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ck := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	led := ledger.New(rdb, ledger.Options{
		IdleWindow: 30 * time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      ck.Now,
	})
	return led, ck
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	led, _ := newFixture(t)
	if _, err := reaper.New(reaper.Config{Ledger: led, Schedule: "not a cron"}); err == nil {
		t.Fatal("expected parse error for bad schedule")
	}
}

func TestNew_DefaultSchedule(t *testing.T) {
	led, _ := newFixture(t)
	if _, err := reaper.New(reaper.Config{Ledger: led}); err != nil {
		t.Fatalf("default schedule rejected: %v", err)
	}
}

func TestSweep_ClosesIdleConversations(t *testing.T) {
	led, ck := newFixture(t)
	ctx := context.Background()

	res, err := led.StartRequest(ctx, "tok-a", "m1", ledger.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ck.Advance(time.Hour)

	r, err := reaper.New(reaper.Config{Ledger: led, Clock: ck.Now})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	closed, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 closed, got %d", closed)
	}

	conv, _ := led.GetConversation(ctx, res.ConversationID)
	if conv.Status != ledger.StatusClosed || conv.CloseReason != "idle" {
		t.Fatalf("unexpected state after sweep: %+v", conv)
	}
}

func TestStartStop_RunsImmediateSweep(t *testing.T) {
	led, ck := newFixture(t)
	ctx := context.Background()

	if _, err := led.StartRequest(ctx, "tok-a", "m1", ledger.StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ck.Advance(time.Hour)

	r, err := reaper.New(reaper.Config{Ledger: led, Clock: ck.Now})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := led.CountConversations(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts.Closed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("immediate sweep never ran")
}

func TestStop_IsIdempotentlySafe(t *testing.T) {
	led, ck := newFixture(t)
	r, err := reaper.New(reaper.Config{Ledger: led, Clock: ck.Now})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	r.Start(context.Background())
	r.Stop()
	// A second Stop must not hang or panic.
	r.Stop()
}

// Package ledger implements the Redis-backed conversation ledger: the
// conversation index, request/turn tracking, durable metric counters, the
// idle-window sweep, the message log, and recall queries.
package ledger

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/recall/internal/otel"
)

// Summarizer compresses a conversation's message log at close time.
// Failures are non-fatal: the ledger records a summary_error flag and
// closes anyway.
type Summarizer interface {
	Summarize(ctx context.Context, conversationID string, messages []Message) (SummaryResult, error)
}

// Options configures a Ledger. Zero values fall back to defaults.
type Options struct {
	Namespace        string
	IdleWindow       time.Duration
	SummarizeTimeout time.Duration
	RecallLimit      int
	MessageLimit     int

	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Summarizer Summarizer

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Ledger is the single explicit handle to all conversation state. It is
// constructed once at process start and passed to every call site; there
// is no ambient global.
type Ledger struct {
	rdb  *redis.Client
	keys keySpace
	log  *slog.Logger
	met  *otel.Metrics
	sum  Summarizer
	now  func() time.Time

	// idleWindow is hot-reloadable from config, stored as nanoseconds.
	idleWindow atomic.Int64

	summarizeTimeout time.Duration
	recallLimit      int
	messageLimit     int
}

func New(rdb *redis.Client, opts Options) *Ledger {
	ns := opts.Namespace
	if ns == "" {
		ns = "rk"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	idle := opts.IdleWindow
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	st := opts.SummarizeTimeout
	if st <= 0 {
		st = 20 * time.Second
	}
	rl := opts.RecallLimit
	if rl <= 0 {
		rl = 20
	}
	ml := opts.MessageLimit
	if ml <= 0 {
		ml = 50
	}

	l := &Ledger{
		rdb:              rdb,
		keys:             keySpace{ns: ns},
		log:              logger,
		met:              opts.Metrics,
		sum:              opts.Summarizer,
		now:              clock,
		summarizeTimeout: st,
		recallLimit:      rl,
		messageLimit:     ml,
	}
	l.idleWindow.Store(int64(idle))
	return l
}

// IdleWindow returns the current idle window.
func (l *Ledger) IdleWindow() time.Duration {
	return time.Duration(l.idleWindow.Load())
}

// SetIdleWindow updates the idle window; used by config hot-reload.
func (l *Ledger) SetIdleWindow(d time.Duration) {
	if d > 0 {
		l.idleWindow.Store(int64(d))
	}
}

// touch advances the conversation's last-touch time and refreshes every
// index that scores by it. Appended to the caller's pipeline so the write
// lands atomically with whatever else the caller is committing.
func (l *Ledger) touch(ctx context.Context, pipe redis.Pipeliner, c *Conversation, now time.Time) {
	// lastTouchedAt never goes backwards.
	if now.Before(c.LastTouchedAt) {
		now = c.LastTouchedAt
	}
	c.LastTouchedAt = now
	score := float64(now.UnixMilli())

	pipe.HSet(ctx, l.keys.conv(c.ID), fieldLastTouchedAt, now.UnixMilli())
	if c.Status == StatusOpen {
		pipe.ZAdd(ctx, l.keys.active(), redis.Z{Score: score, Member: c.ID})
	}
	for _, tok := range c.TokenSet {
		pipe.ZAdd(ctx, l.keys.tokenConvs(tok), redis.Z{Score: score, Member: c.ID})
		pipe.ZAdd(ctx, l.keys.activeTokens(), redis.Z{Score: score, Member: tok})
	}
}

// pruneStale drops a conversation id whose backing hash has vanished from
// the indices that referenced it. Self-healing, never an error.
func (l *Ledger) pruneStale(ctx context.Context, id string, tokenHint string) {
	pipe := l.rdb.TxPipeline()
	pipe.ZRem(ctx, l.keys.active(), id)
	pipe.ZRem(ctx, l.keys.closed(), id)
	if tokenHint != "" {
		pipe.ZRem(ctx, l.keys.tokenConvs(tokenHint), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("prune stale index entry", "conversation_id", id, "error", err)
		return
	}
	if l.met != nil {
		l.met.StalePrunes.Add(ctx, 1)
	}
	l.log.Debug("pruned stale index entry", "conversation_id", id)
}

func parseMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

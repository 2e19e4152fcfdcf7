package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CloseIfIdle scans the active index for conversations whose last touch is
// at least one idle window in the past and closes each. This is the only
// automatic path to the closed state.
//
// Safe to call concurrently and repeatedly: CloseConversation claims each
// close, so a conversation is summarized and counted once. Stale index
// entries with no backing hash are pruned, not errors.
func (l *Ledger) CloseIfIdle(ctx context.Context, now time.Time) (int, error) {
	start := l.now()
	cutoff := now.Add(-l.IdleWindow()).UnixMilli()

	ids, err := l.rdb.ZRangeByScore(ctx, l.keys.active(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range ids {
		conv, err := l.GetConversation(ctx, id)
		if err != nil {
			l.log.Warn("idle sweep: load conversation", "conversation_id", id, "error", err)
			continue
		}
		if conv == nil {
			l.pruneStale(ctx, id, "")
			continue
		}
		if err := l.CloseConversation(ctx, id, "idle"); err != nil {
			if errors.Is(err, ErrNotFound) {
				l.pruneStale(ctx, id, "")
				continue
			}
			l.log.Warn("idle sweep: close conversation", "conversation_id", id, "error", err)
			continue
		}
		closed++
	}

	if l.met != nil {
		l.met.SweepDuration.Record(ctx, time.Since(start).Seconds())
	}
	if closed > 0 {
		l.log.Info("idle sweep closed conversations", "closed", closed, "scanned", len(ids))
	}
	return closed, nil
}

package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counts holds the conversation index cardinalities.
type Counts struct {
	Active int64 `json:"active"`
	Closed int64 `json:"closed"`
	Total  int64 `json:"total"`
}

// StatusSnapshot is the operational view served by the status endpoint.
type StatusSnapshot struct {
	ActiveConversations int64      `json:"active_conversations"`
	TokensActive        int64      `json:"tokens_active"`
	TotalRequests       int64      `json:"total_requests"`
	TotalTurns          int64      `json:"total_turns"`
	ErrorTurns          int64      `json:"error_turns"`
	LastActivityAt      *time.Time `json:"last_activity_at,omitempty"`
}

// CountConversations returns index cardinalities without scanning records.
func (l *Ledger) CountConversations(ctx context.Context) (Counts, error) {
	pipe := l.rdb.TxPipeline()
	activeCmd := pipe.ZCard(ctx, l.keys.active())
	closedCmd := pipe.ZCard(ctx, l.keys.closed())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count conversations: %w", err)
	}
	c := Counts{Active: activeCmd.Val(), Closed: closedCmd.Val()}
	c.Total = c.Active + c.Closed
	return c, nil
}

// GetStatus assembles the status snapshot from index cardinalities and the
// global counters. When nothing is active, last activity falls back to the
// most recently closed conversation.
func (l *Ledger) GetStatus(ctx context.Context) (StatusSnapshot, error) {
	now := l.now()

	pipe := l.rdb.TxPipeline()
	activeCmd := pipe.ZCard(ctx, l.keys.active())
	tokensCmd := pipe.ZCount(ctx, l.keys.activeTokens(),
		strconv.FormatInt(now.Add(-l.IdleWindow()).UnixMilli(), 10), "+inf")
	requestsCmd := pipe.HGet(ctx, l.keys.metricsRequests(), counterCount)
	turnsCmd := pipe.HGetAll(ctx, l.keys.metricsTurns())
	lastActiveCmd := pipe.ZRevRangeWithScores(ctx, l.keys.active(), 0, 0)
	lastClosedCmd := pipe.ZRevRangeWithScores(ctx, l.keys.closed(), 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return StatusSnapshot{}, fmt.Errorf("status snapshot: %w", err)
	}

	turns := turnsCmd.Val()
	okTurns := parseInt64(turns[counterOK])
	errTurns := parseInt64(turns[counterError])

	snap := StatusSnapshot{
		ActiveConversations: activeCmd.Val(),
		TokensActive:        tokensCmd.Val(),
		TotalRequests:       parseInt64(requestsCmd.Val()),
		TotalTurns:          okTurns + errTurns,
		ErrorTurns:          errTurns,
	}

	if entries := lastActiveCmd.Val(); len(entries) > 0 {
		t := time.UnixMilli(int64(entries[0].Score))
		snap.LastActivityAt = &t
	} else if entries := lastClosedCmd.Val(); len(entries) > 0 {
		t := time.UnixMilli(int64(entries[0].Score))
		snap.LastActivityAt = &t
	}
	return snap, nil
}

// ListConversations returns every known conversation, most recent first.
func (l *Ledger) ListConversations(ctx context.Context) ([]Conversation, error) {
	ids, err := l.allConversationIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := l.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			l.pruneStale(ctx, id, "")
			continue
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTouchedAt.After(out[j].LastTouchedAt)
	})
	return out, nil
}

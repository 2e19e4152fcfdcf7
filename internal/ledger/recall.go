package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// TimeRange bounds a recall query. Zero values are unbounded.
type TimeRange struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// RecallQuery filters historical conversations. All set filters must match
// (AND semantics); unset filters pass everything.
type RecallQuery struct {
	Token           string
	ConversationID  string
	Place           string
	Keywords        []string
	TimeRange       TimeRange
	Limit           int
	IncludeMessages bool
	MessageLimit    int
}

// RecallResult is one matched conversation, optionally hydrated with its
// trailing messages.
type RecallResult struct {
	Conversation
	Messages []Message `json:"messages,omitempty"`
}

// RecallConversation filters closed and active conversations by token,
// place, keywords, and time range, most recent first. Stale index entries
// discovered along the way are pruned as a side effect.
func (l *Ledger) RecallConversation(ctx context.Context, q RecallQuery) ([]RecallResult, error) {
	ids, err := l.recallCandidates(ctx, q)
	if err != nil {
		return nil, err
	}

	matched := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := l.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			l.pruneStale(ctx, id, q.Token)
			continue
		}
		if l.matchesRecall(conv, q) {
			matched = append(matched, conv)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastTouchedAt.After(matched[j].LastTouchedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = l.recallLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	results := make([]RecallResult, 0, len(matched))
	for _, conv := range matched {
		res := RecallResult{Conversation: *conv}
		if q.IncludeMessages {
			msgLimit := q.MessageLimit
			if msgLimit <= 0 {
				msgLimit = l.messageLimit
			}
			messages, err := l.GetMessages(ctx, conv.ID, msgLimit)
			if err != nil {
				return nil, err
			}
			res.Messages = messages
		}
		results = append(results, res)
	}
	return results, nil
}

func (l *Ledger) recallCandidates(ctx context.Context, q RecallQuery) ([]string, error) {
	if q.ConversationID != "" {
		return []string{q.ConversationID}, nil
	}
	if q.Token != "" {
		ids, err := l.rdb.ZRevRange(ctx, l.keys.tokenConvs(q.Token), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("token candidates: %w", err)
		}
		return ids, nil
	}
	return l.allConversationIDs(ctx)
}

// allConversationIDs returns the union of the active and closed indices.
func (l *Ledger) allConversationIDs(ctx context.Context) ([]string, error) {
	active, err := l.rdb.ZRange(ctx, l.keys.active(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("active candidates: %w", err)
	}
	closed, err := l.rdb.ZRange(ctx, l.keys.closed(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("closed candidates: %w", err)
	}
	seen := make(map[string]struct{}, len(active)+len(closed))
	out := make([]string, 0, len(active)+len(closed))
	for _, id := range active {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range closed {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (l *Ledger) matchesRecall(c *Conversation, q RecallQuery) bool {
	// Place is a case-sensitive exact membership check.
	if q.Place != "" && !slices.Contains(c.PlaceTags, q.Place) {
		return false
	}

	if len(q.Keywords) > 0 {
		haystack := strings.ToLower(strings.Join([]string{
			c.Summary,
			strings.Join(c.Keywords, " "),
			strings.Join(c.Tags, " "),
		}, " "))
		for _, kw := range q.Keywords {
			if kw == "" {
				continue
			}
			if !strings.Contains(haystack, strings.ToLower(kw)) {
				return false
			}
		}
	}

	// The conversation's activity span must overlap the requested range.
	if !q.TimeRange.Since.IsZero() && c.LastTouchedAt.Before(q.TimeRange.Since) {
		return false
	}
	if !q.TimeRange.Until.IsZero() && c.CreatedAt.After(q.TimeRange.Until) {
		return false
	}
	return true
}

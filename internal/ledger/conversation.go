package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/basket/recall/internal/shared"
)

// Conversation hash fields. Set-valued fields hold JSON arrays; timestamps
// are unix milliseconds. Serialization happens only at this boundary.
const (
	fieldID               = "id"
	fieldStatus           = "status"
	fieldTokenSet         = "token_set"
	fieldModelSet         = "model_set"
	fieldPlaceTags        = "place_tags"
	fieldRequestCount     = "request_count"
	fieldMessageCount     = "message_count"
	fieldToolCallCount    = "tool_call_count"
	fieldCreatedAt        = "created_at"
	fieldLastTouchedAt    = "last_touched_at"
	fieldClosedAt         = "closed_at"
	fieldCloseReason      = "close_reason"
	fieldSummary          = "summary"
	fieldTags             = "tags"
	fieldKeywords         = "keywords"
	fieldPlaces           = "places"
	fieldFlagExplicit     = "flag_explicit"
	fieldFlagForbidden    = "flag_forbidden"
	fieldFlagSummaryError = "flag_summary_error"
)

// StartOptions carries the optional parts of a StartRequest call.
type StartOptions struct {
	Place          string
	ClientMeta     map[string]string
	ConversationID string
}

// StartResult is what StartRequest hands back to the HTTP layer.
type StartResult struct {
	RequestID         string `json:"request_id"`
	ConversationID    string `json:"conversation_id"`
	IsNewConversation bool   `json:"is_new_conversation"`
}

// StartRequest resolves the conversation for an inbound call: reopen by
// explicit id, reuse the token's most recent open conversation inside the
// idle window, or create a fresh one. It always creates a request record.
//
// Two concurrent calls for the same token can each observe "no active
// conversation" and create two; the later writer's conversation wins the
// per-token index by score. This race is accepted.
func (l *Ledger) StartRequest(ctx context.Context, token, model string, opts StartOptions) (StartResult, error) {
	if token == "" {
		return StartResult{}, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	now := l.now()

	var (
		conv  *Conversation
		isNew bool
	)

	if opts.ConversationID != "" {
		c, err := l.GetConversation(ctx, opts.ConversationID)
		if err != nil {
			return StartResult{}, err
		}
		switch {
		case c == nil:
			l.log.Warn("start request referenced unknown conversation; falling back to token lookup",
				"conversation_id", opts.ConversationID)
		case c.Status == StatusClosed:
			c, err = l.ReopenConversation(ctx, c.ID, token)
			if err != nil {
				return StartResult{}, err
			}
			conv = c
		default:
			conv = c
		}
	}

	if conv == nil {
		c, err := l.activeConversationForToken(ctx, token, now)
		if err != nil {
			return StartResult{}, err
		}
		conv = c
	}

	if conv != nil {
		conv.RequestCount++
		conv.TokenSet = mergeSet(conv.TokenSet, token)
		conv.ModelSet = mergeSet(conv.ModelSet, model)
		conv.PlaceTags = mergeSet(conv.PlaceTags, opts.Place)

		pipe := l.rdb.TxPipeline()
		pipe.HSet(ctx, l.keys.conv(conv.ID),
			fieldRequestCount, conv.RequestCount,
			fieldTokenSet, encodeList(conv.TokenSet),
			fieldModelSet, encodeList(conv.ModelSet),
			fieldPlaceTags, encodeList(conv.PlaceTags),
		)
		l.touch(ctx, pipe, conv, now)
		if _, err := pipe.Exec(ctx); err != nil {
			return StartResult{}, fmt.Errorf("reuse conversation %s: %w", conv.ID, err)
		}
	} else {
		isNew = true
		conv = &Conversation{
			ID:            uuid.NewString(),
			Status:        StatusOpen,
			TokenSet:      mergeSet(nil, token),
			ModelSet:      mergeSet(nil, model),
			PlaceTags:     mergeSet(nil, opts.Place),
			RequestCount:  1,
			CreatedAt:     now,
			LastTouchedAt: now,
		}
		pipe := l.rdb.TxPipeline()
		pipe.HSet(ctx, l.keys.conv(conv.ID), encodeConversation(conv)...)
		l.touch(ctx, pipe, conv, now)
		if _, err := pipe.Exec(ctx); err != nil {
			return StartResult{}, fmt.Errorf("create conversation: %w", err)
		}
		if l.met != nil {
			l.met.ConversationsOpened.Add(ctx, 1)
			l.met.ActiveConversations.Add(ctx, 1)
		}
		l.log.Info("conversation created",
			"conversation_id", conv.ID, "model", model, "place", opts.Place)
	}

	req := Request{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Token:          token,
		Model:          model,
		CreatedAt:      now,
	}
	if err := l.writeRequest(ctx, req, opts.ClientMeta); err != nil {
		return StartResult{}, err
	}

	return StartResult{
		RequestID:         req.ID,
		ConversationID:    conv.ID,
		IsNewConversation: isNew,
	}, nil
}

// activeConversationForToken returns the token's most recent conversation
// when it is open and inside the idle window, pruning stale index entries
// on the way. Returns nil when a new conversation should be created.
func (l *Ledger) activeConversationForToken(ctx context.Context, token string, now time.Time) (*Conversation, error) {
	members, err := l.rdb.ZRevRange(ctx, l.keys.tokenConvs(token), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("token index lookup: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	id := members[0]
	conv, err := l.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		l.pruneStale(ctx, id, token)
		return nil, nil
	}
	if conv.Status != StatusOpen {
		return nil, nil
	}
	if now.Sub(conv.LastTouchedAt) >= l.IdleWindow() {
		return nil, nil
	}
	return conv, nil
}

// ReopenConversation transitions a closed conversation back to open under
// the given token. Returns ErrNotFound when the hash is absent.
func (l *Ledger) ReopenConversation(ctx context.Context, id, token string) (*Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	conv, err := l.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("reopen %s: %w", id, ErrNotFound)
	}

	now := l.now()
	wasClosed := conv.Status == StatusClosed
	conv.Status = StatusOpen
	conv.ClosedAt = nil
	conv.CloseReason = ""
	conv.TokenSet = mergeSet(conv.TokenSet, token)

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.keys.conv(id),
		fieldStatus, string(StatusOpen),
		fieldClosedAt, 0,
		fieldCloseReason, "",
		fieldTokenSet, encodeList(conv.TokenSet),
	)
	pipe.ZRem(ctx, l.keys.closed(), id)
	l.touch(ctx, pipe, conv, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reopen %s: %w", id, err)
	}

	if wasClosed && l.met != nil {
		l.met.ConversationsOpened.Add(ctx, 1)
		l.met.ActiveConversations.Add(ctx, 1)
	}
	l.log.Info("conversation reopened",
		"conversation_id", id, "token_digest", shared.TokenDigest(token))
	return conv, nil
}

// CloseConversation closes a conversation, invoking the summarizer with
// the full message log first. Idempotent: closing an already-closed id is
// a no-op and never re-invokes the summarizer. Summarizer failure is
// recorded but never blocks the close.
func (l *Ledger) CloseConversation(ctx context.Context, id, reason string) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	conv, err := l.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("close %s: %w", id, ErrNotFound)
	}
	if conv.Status == StatusClosed {
		return nil
	}

	now := l.now()

	// Claim the close via NX insert into the closed index. A concurrent
	// closer that loses the claim backs off, so the summarizer runs at
	// most once per close.
	added, err := l.rdb.ZAddNX(ctx, l.keys.closed(), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: id,
	}).Result()
	if err != nil {
		return fmt.Errorf("claim close %s: %w", id, err)
	}
	if added == 0 {
		return nil
	}

	// Out of the active index immediately: a conversation is never in
	// both, and redundant sweeps must not re-pick it mid-close.
	if err := l.rdb.ZRem(ctx, l.keys.active(), id).Err(); err != nil {
		l.log.Warn("remove from active index", "conversation_id", id, "error", err)
	}

	result, sumErr := l.summarize(ctx, conv)
	if sumErr != nil {
		conv.Flags.SummaryError = true
		if reason != "" {
			reason += " "
		}
		reason += "summary_error:" + sumErr.Error()
		l.log.Warn("summarizer failed; closing anyway",
			"conversation_id", id, "error", sumErr)
	} else {
		conv.Summary = result.Summary
		conv.Tags = result.Tags
		conv.Keywords = result.Keywords
		conv.Places = result.Places
		conv.Flags.Explicit = result.Flags.Explicit
		conv.Flags.Forbidden = result.Flags.Forbidden
	}

	conv.Status = StatusClosed
	conv.ClosedAt = &now
	conv.CloseReason = reason

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.keys.conv(id),
		fieldStatus, string(StatusClosed),
		fieldClosedAt, now.UnixMilli(),
		fieldCloseReason, reason,
		fieldSummary, conv.Summary,
		fieldTags, encodeList(conv.Tags),
		fieldKeywords, encodeList(conv.Keywords),
		fieldPlaces, encodeList(conv.Places),
		fieldFlagExplicit, boolField(conv.Flags.Explicit),
		fieldFlagForbidden, boolField(conv.Flags.Forbidden),
		fieldFlagSummaryError, boolField(conv.Flags.SummaryError),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("close %s: %w", id, err)
	}

	if l.met != nil {
		l.met.ConversationsClosed.Add(ctx, 1)
		l.met.ActiveConversations.Add(ctx, -1)
	}
	l.log.Info("conversation closed",
		"conversation_id", id, "reason", reason,
		"summary_error", conv.Flags.SummaryError)
	return nil
}

// summarize invokes the collaborator under an explicit timeout so a hung
// summarizer can never wedge the close path.
func (l *Ledger) summarize(ctx context.Context, conv *Conversation) (SummaryResult, error) {
	if l.sum == nil {
		return SummaryResult{}, nil
	}
	messages, err := l.GetMessages(ctx, conv.ID, 0)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("load message log: %w", err)
	}

	sumCtx, cancel := context.WithTimeout(ctx, l.summarizeTimeout)
	defer cancel()

	start := l.now()
	result, err := l.sum.Summarize(sumCtx, conv.ID, messages)
	if l.met != nil {
		l.met.SummarizeDuration.Record(ctx, time.Since(start).Seconds())
	}
	return result, err
}

// GetConversation loads a conversation by id. Returns nil (not an error)
// when the record is absent, per the read-path contract.
func (l *Ledger) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m, err := l.rdb.HGetAll(ctx, l.keys.conv(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return decodeConversation(id, m), nil
}

func (l *Ledger) writeRequest(ctx context.Context, req Request, clientMeta map[string]string) error {
	fields := []any{
		"id", req.ID,
		"conversation_id", req.ConversationID,
		"token", req.Token,
		"model", req.Model,
		"created_at", req.CreatedAt.UnixMilli(),
	}
	if len(clientMeta) > 0 {
		meta, err := json.Marshal(clientMeta)
		if err == nil {
			fields = append(fields, "client_meta", string(meta))
		}
	}
	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.keys.request(req.ID), fields...)
	pipe.HIncrBy(ctx, l.keys.metricsRequests(), "count", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write request %s: %w", req.ID, err)
	}
	return nil
}

// GetRequest loads a request record. Returns nil on miss.
func (l *Ledger) GetRequest(ctx context.Context, id string) (*Request, error) {
	m, err := l.rdb.HGetAll(ctx, l.keys.request(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	req := &Request{
		ID:             m["id"],
		ConversationID: m["conversation_id"],
		Token:          m["token"],
		Model:          m["model"],
		CreatedAt:      parseMilli(m["created_at"]),
	}
	if t := parseMilli(m["completed_at"]); !t.IsZero() {
		req.CompletedAt = &t
	}
	return req, nil
}

// CompleteRequest stamps the request's completion time.
func (l *Ledger) CompleteRequest(ctx context.Context, id string) error {
	exists, err := l.rdb.Exists(ctx, l.keys.request(id)).Result()
	if err != nil {
		return fmt.Errorf("check request %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("complete request %s: %w", id, ErrNotFound)
	}
	return l.rdb.HSet(ctx, l.keys.request(id), "completed_at", l.now().UnixMilli()).Err()
}

func encodeConversation(c *Conversation) []any {
	closedAt := int64(0)
	if c.ClosedAt != nil {
		closedAt = c.ClosedAt.UnixMilli()
	}
	return []any{
		fieldID, c.ID,
		fieldStatus, string(c.Status),
		fieldTokenSet, encodeList(c.TokenSet),
		fieldModelSet, encodeList(c.ModelSet),
		fieldPlaceTags, encodeList(c.PlaceTags),
		fieldRequestCount, c.RequestCount,
		fieldMessageCount, c.MessageCount,
		fieldToolCallCount, c.ToolCallCount,
		fieldCreatedAt, c.CreatedAt.UnixMilli(),
		fieldLastTouchedAt, c.LastTouchedAt.UnixMilli(),
		fieldClosedAt, closedAt,
		fieldCloseReason, c.CloseReason,
		fieldSummary, c.Summary,
		fieldTags, encodeList(c.Tags),
		fieldKeywords, encodeList(c.Keywords),
		fieldPlaces, encodeList(c.Places),
		fieldFlagExplicit, boolField(c.Flags.Explicit),
		fieldFlagForbidden, boolField(c.Flags.Forbidden),
		fieldFlagSummaryError, boolField(c.Flags.SummaryError),
	}
}

func decodeConversation(id string, m map[string]string) *Conversation {
	c := &Conversation{
		ID:            id,
		Status:        Status(m[fieldStatus]),
		TokenSet:      decodeList(m[fieldTokenSet]),
		ModelSet:      decodeList(m[fieldModelSet]),
		PlaceTags:     decodeList(m[fieldPlaceTags]),
		RequestCount:  parseInt64(m[fieldRequestCount]),
		MessageCount:  parseInt64(m[fieldMessageCount]),
		ToolCallCount: parseInt64(m[fieldToolCallCount]),
		CreatedAt:     parseMilli(m[fieldCreatedAt]),
		LastTouchedAt: parseMilli(m[fieldLastTouchedAt]),
		CloseReason:   m[fieldCloseReason],
		Summary:       m[fieldSummary],
		Tags:          decodeList(m[fieldTags]),
		Keywords:      decodeList(m[fieldKeywords]),
		Places:        decodeList(m[fieldPlaces]),
		Flags: Flags{
			Explicit:     m[fieldFlagExplicit] == "1",
			Forbidden:    m[fieldFlagForbidden] == "1",
			SummaryError: m[fieldFlagSummaryError] == "1",
		},
	}
	if c.Status == "" {
		c.Status = StatusOpen
	}
	if t := parseMilli(m[fieldClosedAt]); !t.IsZero() {
		c.ClosedAt = &t
	}
	return c
}

// encodeList serializes a string set as a JSON array for hash storage.
func encodeList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// decodeList tolerates empty and malformed stored values.
func decodeList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AppendMessages normalizes and appends messages to the conversation's
// log, then rolls the counts and last-touch time into the conversation.
// The append is atomic with the count updates.
func (l *Ledger) AppendMessages(ctx context.Context, conversationID string, msgs []InboundMessage) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if len(msgs) == 0 {
		return nil
	}
	conv, err := l.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("append messages: conversation %s: %w", conversationID, ErrNotFound)
	}

	now := l.now()
	encoded := make([]any, 0, len(msgs))
	var toolCalls int64
	for _, in := range msgs {
		msg := Message{
			ID:            uuid.NewString(),
			Role:          in.Role,
			Content:       normalizeContent(in.Content),
			ToolCallCount: in.ToolCalls,
			CreatedAt:     now,
		}
		if in.Usage != nil && (in.Usage.PromptTokens > 0 || in.Usage.CompletionTokens > 0) {
			msg.TokenDeltas = &TokenDeltas{
				In:  in.Usage.PromptTokens,
				Out: in.Usage.CompletionTokens,
			}
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		encoded = append(encoded, string(b))
		toolCalls += int64(in.ToolCalls)
	}

	conv.MessageCount += int64(len(encoded))
	conv.ToolCallCount += toolCalls

	pipe := l.rdb.TxPipeline()
	pipe.RPush(ctx, l.keys.convMsgs(conversationID), encoded...)
	pipe.HIncrBy(ctx, l.keys.conv(conversationID), fieldMessageCount, int64(len(encoded)))
	if toolCalls > 0 {
		pipe.HIncrBy(ctx, l.keys.conv(conversationID), fieldToolCallCount, toolCalls)
	}
	l.touch(ctx, pipe, conv, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append messages to %s: %w", conversationID, err)
	}
	return nil
}

// GetMessages returns the tail limit messages (all when limit <= 0) in
// chronological order. Entries that fail to parse are skipped with a log
// line rather than failing the read.
func (l *Ledger) GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var start int64
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := l.rdb.LRange(ctx, l.keys.convMsgs(conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read message log %s: %w", conversationID, err)
	}

	out := make([]Message, 0, len(raw))
	skipped := 0
	for _, entry := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil || msg.Role == "" {
			skipped++
			continue
		}
		out = append(out, msg)
	}
	if skipped > 0 {
		l.log.Warn("skipped malformed message entries",
			"conversation_id", conversationID, "skipped", skipped)
	}
	return out, nil
}

// GetConversationWithMessages hydrates a conversation with its trailing
// messages. Returns nil on miss.
func (l *Ledger) GetConversationWithMessages(ctx context.Context, id string, limit int) (*Conversation, []Message, error) {
	conv, err := l.GetConversation(ctx, id)
	if err != nil || conv == nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = l.messageLimit
	}
	messages, err := l.GetMessages(ctx, id, limit)
	if err != nil {
		return nil, nil, err
	}
	return conv, messages, nil
}

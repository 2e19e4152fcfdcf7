package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/recall/internal/ledger"
)

func TestAppendMessages_OrderCountsAndNormalization(t *testing.T) {
	led, _, _ := newTestLedger(t, ledger.Options{})
	ctx := context.Background()
	res := startConversation(t, led, "tok-a")

	err := led.AppendMessages(ctx, res.ConversationID, []ledger.InboundMessage{
		{Role: "user", Content: "turn off the lights"},
		{Role: "assistant", Content: map[string]any{"b": 2, "a": 1}, ToolCalls: 2},
		{Role: "assistant", Content: "done", Usage: &ledger.Usage{PromptTokens: 30, CompletionTokens: 5}},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := led.GetMessages(ctx, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "turn off the lights" || msgs[2].Content != "done" {
		t.Fatalf("order lost: %+v", msgs)
	}
	// Map content stringifies with sorted keys.
	if msgs[1].Content != `{"a":1,"b":2}` {
		t.Fatalf("non-string content not normalized deterministically: %q", msgs[1].Content)
	}
	if msgs[1].ToolCallCount != 2 {
		t.Fatalf("tool call count lost: %+v", msgs[1])
	}
	if msgs[2].TokenDeltas == nil || msgs[2].TokenDeltas.In != 30 || msgs[2].TokenDeltas.Out != 5 {
		t.Fatalf("token deltas not captured: %+v", msgs[2].TokenDeltas)
	}

	conv, _ := led.GetConversation(ctx, res.ConversationID)
	if conv.MessageCount != 3 {
		t.Fatalf("expected message_count=3, got %d", conv.MessageCount)
	}
	if conv.ToolCallCount != 2 {
		t.Fatalf("expected tool_call_count=2, got %d", conv.ToolCallCount)
	}
}

func TestAppendMessages_UnknownConversation(t *testing.T) {
	led, _, _ := newTestLedger(t, ledger.Options{})
	err := led.AppendMessages(context.Background(), "missing", []ledger.InboundMessage{
		{Role: "user", Content: "hello"},
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessages_EmptyBatchIsNoop(t *testing.T) {
	led, _, _ := newTestLedger(t, ledger.Options{})
	if err := led.AppendMessages(context.Background(), "missing", nil); err != nil {
		t.Fatalf("empty batch must not touch the store: %v", err)
	}
}

func TestGetMessages_TailLimit(t *testing.T) {
	led, _, _ := newTestLedger(t, ledger.Options{})
	ctx := context.Background()
	res := startConversation(t, led, "tok-a")

	batch := []ledger.InboundMessage{
		{Role: "user", Content: "one"},
		{Role: "user", Content: "two"},
		{Role: "user", Content: "three"},
		{Role: "user", Content: "four"},
		{Role: "user", Content: "five"},
	}
	if err := led.AppendMessages(ctx, res.ConversationID, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := led.GetMessages(ctx, res.ConversationID, 2)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected tail of 2, got %d", len(msgs))
	}
	if msgs[0].Content != "four" || msgs[1].Content != "five" {
		t.Fatalf("expected the most recent tail, got %+v", msgs)
	}
}

func TestGetMessages_SkipsMalformedEntries(t *testing.T) {
	led, rdb, _ := newTestLedger(t, ledger.Options{})
	ctx := context.Background()
	res := startConversation(t, led, "tok-a")

	if err := led.AppendMessages(ctx, res.ConversationID, []ledger.InboundMessage{
		{Role: "user", Content: "good"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// A corrupt entry written by something else must not break reads.
	if err := rdb.RPush(ctx, "rk:conv:"+res.ConversationID+":msgs", "{not json").Err(); err != nil {
		t.Fatalf("inject corrupt entry: %v", err)
	}

	msgs, err := led.GetMessages(ctx, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "good" {
		t.Fatalf("expected the valid entry only, got %+v", msgs)
	}
}

func TestGetConversationWithMessages(t *testing.T) {
	led, _, _ := newTestLedger(t, ledger.Options{MessageLimit: 2})
	ctx := context.Background()
	res := startConversation(t, led, "tok-a")

	if err := led.AppendMessages(ctx, res.ConversationID, []ledger.InboundMessage{
		{Role: "user", Content: "one"},
		{Role: "user", Content: "two"},
		{Role: "user", Content: "three"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	conv, msgs, err := led.GetConversationWithMessages(ctx, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if conv == nil {
		t.Fatal("conversation missing")
	}
	// Zero limit falls back to the configured message limit.
	if len(msgs) != 2 {
		t.Fatalf("expected default limit of 2, got %d", len(msgs))
	}

	conv, msgs, err = led.GetConversationWithMessages(ctx, "missing", 0)
	if err != nil || conv != nil || msgs != nil {
		t.Fatalf("miss must be (nil, nil, nil), got %v %v %v", conv, msgs, err)
	}
}

package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/recall/internal/ledger"
)

// seedClosed creates a conversation for token, closes it with the given
// summary fields, and returns its id.
func seedClosed(t *testing.T, led *ledger.Ledger, sum *stubSummarizer, token string, result ledger.SummaryResult) string {
	t.Helper()
	ctx := context.Background()
	res, err := led.StartRequest(ctx, token, "m1", ledger.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sum.mu.Lock()
	sum.results[res.ConversationID] = result
	sum.mu.Unlock()
	if err := led.CloseConversation(ctx, res.ConversationID, "explicit"); err != nil {
		t.Fatalf("close: %v", err)
	}
	return res.ConversationID
}

func TestRecall_ByToken(t *testing.T) {
	sum := &stubSummarizer{results: map[string]ledger.SummaryResult{}}
	led, _, ck := newTestLedger(t, ledger.Options{Summarizer: sum})
	ctx := context.Background()

	mine := seedClosed(t, led, sum, "tok-a", ledger.SummaryResult{Summary: "groceries"})
	ck.Advance(time.Hour)
	seedClosed(t, led, sum, "tok-b", ledger.SummaryResult{Summary: "weather"})

	results, err := led.RecallConversation(ctx, ledger.RecallQuery{Token: "tok-a"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(results) != 1 || results[0].ID != mine {
		t.Fatalf("expected only tok-a's conversation, got %+v", results)
	}
}

func TestRecall_KeywordsCaseInsensitiveAndConjunctive(t *testing.T) {
	sum := &stubSummarizer{results: map[string]ledger.SummaryResult{}}
	led, _, ck := newTestLedger(t, ledger.Options{Summarizer: sum})
	ctx := context.Background()

	match := seedClosed(t, led, sum, "tok-a", ledger.SummaryResult{
		Summary:  "Planned the Berlin trip",
		Keywords: []string{"travel", "berlin"},
	})
	ck.Advance(time.Minute)
	seedClosed(t, led, sum, "tok-a", ledger.SummaryResult{
		Summary:  "Berlin restaurant recommendations",
		Keywords: []string{"food"},
	})

	results, err := led.RecallConversation(ctx, ledger.RecallQuery{
		Token:    "tok-a",
		Keywords: []string{"BERLIN", "Travel"},
	})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(results) != 1 || results[0].ID != match {
		t.Fatalf("keyword AND filter broken: %+v", results)
	}
}

func TestRecall_PlaceIsExactMatch(t *testing.T) {
	led, _, _ := newTestLedger(t, ledger.Options{})
	ctx := context.Background()

	res, err := led.StartRequest(ctx, "tok-a", "m1", ledger.StartOptions{Place: "kitchen"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	results, err := led.RecallConversation(ctx, ledger.RecallQuery{Place: "kitchen"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(results) != 1 || results[0].ID != res.ConversationID {
		t.Fatalf("place match failed: %+v", results)
	}

	// Unlike keywords, place does not fold case.
	results, err = led.RecallConversation(ctx, ledger.RecallQuery{Place: "Kitchen"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("place must be case-sensitive, got %+v", results)
	}
}

func TestRecall_TimeRangeOverlap(t *testing.T) {
	sum := &stubSummarizer{results: map[string]ledger.SummaryResult{}}
	led, _, ck := newTestLedger(t, ledger.Options{Summarizer: sum})
	ctx := context.Background()

	early := seedClosed(t, led, sum, "tok-a", ledger.SummaryResult{Summary: "early"})
	ck.Advance(2 * time.Hour)
	late := seedClosed(t, led, sum, "tok-a", ledger.SummaryResult{Summary: "late"})

	cut := ck.Now().Add(-time.Hour)

	results, err := led.RecallConversation(ctx, ledger.RecallQuery{
		Token:     "tok-a",
		TimeRange: ledger.TimeRange{Since: cut},
	})
	if err != nil {
		t.Fatalf("recall since: %v", err)
	}
	if len(results) != 1 || results[0].ID != late {
		t.Fatalf("since filter broken: %+v", results)
	}

	results, err = led.RecallConversation(ctx, ledger.RecallQuery{
		Token:     "tok-a",
		TimeRange: ledger.TimeRange{Until: cut},
	})
	if err != nil {
		t.Fatalf("recall until: %v", err)
	}
	if len(results) != 1 || results[0].ID != early {
		t.Fatalf("until filter broken: %+v", results)
	}
}

func TestRecall_LimitAndOrdering(t *testing.T) {
	sum := &stubSummarizer{results: map[string]ledger.SummaryResult{}}
	led, _, ck := newTestLedger(t, ledger.Options{Summarizer: sum})
	ctx := context.Background()

	var newest string
	for i := 0; i < 3; i++ {
		newest = seedClosed(t, led, sum, "tok-a", ledger.SummaryResult{Summary: "chat"})
		ck.Advance(time.Minute)
	}

	results, err := led.RecallConversation(ctx, ledger.RecallQuery{Token: "tok-a", Limit: 2})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("limit not applied, got %d", len(results))
	}
	if results[0].ID != newest {
		t.Fatalf("expected most recent first, got %+v", results)
	}
	if results[0].LastTouchedAt.Before(results[1].LastTouchedAt) {
		t.Fatalf("ordering wrong: %v before %v", results[0].LastTouchedAt, results[1].LastTouchedAt)
	}
}

func TestRecall_ExplicitIDWithMessages(t *testing.T) {
	led, _, _ := newTestLedger(t, ledger.Options{})
	ctx := context.Background()
	res := startConversation(t, led, "tok-a")

	if err := led.AppendMessages(ctx, res.ConversationID, []ledger.InboundMessage{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	results, err := led.RecallConversation(ctx, ledger.RecallQuery{
		ConversationID:  res.ConversationID,
		IncludeMessages: true,
	})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if len(results[0].Messages) != 2 {
		t.Fatalf("messages not hydrated: %+v", results[0].Messages)
	}
}

func TestRecall_PrunesStaleTokenIndex(t *testing.T) {
	led, rdb, ck := newTestLedger(t, ledger.Options{})
	ctx := context.Background()

	score := float64(ck.Now().UnixMilli())
	if err := rdb.ZAdd(ctx, "rk:token:tok-a:convs", redis.Z{Score: score, Member: "ghost"}).Err(); err != nil {
		t.Fatalf("seed stale entry: %v", err)
	}

	results, err := led.RecallConversation(ctx, ledger.RecallQuery{Token: "tok-a"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("ghost must not surface: %+v", results)
	}
	if n, _ := rdb.ZCard(ctx, "rk:token:tok-a:convs").Result(); n != 0 {
		t.Fatalf("stale token index entry not pruned, card=%d", n)
	}
}

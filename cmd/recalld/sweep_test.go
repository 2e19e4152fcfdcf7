package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/basket/recall/internal/ledger"
)

// The offline sweep closes conversations for good, so it must run the same
// summarizer wiring as the daemon: a close without a summary can never be
// summarized later and stays unmatchable by keyword recall.
func TestRunSweepCommand_SummarizesWhatItCloses(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("RECALL_HOME", t.TempDir())
	t.Setenv("RECALL_REDIS_ADDR", mr.Addr())
	t.Setenv("OPENROUTER_API_KEY", "")

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	// Seed one conversation whose last touch is far outside the idle window.
	past := time.Now().Add(-2 * time.Hour)
	seed := ledger.New(rdb, ledger.Options{
		Clock: func() time.Time { return past },
	})
	res, err := seed.StartRequest(context.Background(), "secret-token", "m1", ledger.StartOptions{})
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	err = seed.AppendMessages(context.Background(), res.ConversationID, []ledger.InboundMessage{
		{Role: "user", Content: "turn off the lights in the kitchen"},
	})
	if err != nil {
		t.Fatalf("append messages: %v", err)
	}

	if code := runSweepCommand(context.Background(), nil); code != 0 {
		t.Fatalf("sweep exited %d", code)
	}

	conv, err := seed.GetConversation(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv == nil || conv.Status != ledger.StatusClosed {
		t.Fatalf("expected closed conversation, got %+v", conv)
	}
	if conv.Flags.SummaryError {
		t.Fatalf("unexpected summary error flag: %+v", conv.Flags)
	}
	if conv.Summary == "" {
		t.Fatal("sweep closed the conversation without a summary")
	}
	if len(conv.Keywords) == 0 {
		t.Fatal("summary keywords missing; conversation would be unmatchable by recall")
	}
}

func TestRunSweepCommand_RejectsExtraArgs(t *testing.T) {
	if code := runSweepCommand(context.Background(), []string{"now"}); code != 2 {
		t.Fatalf("expected usage exit code 2, got %d", code)
	}
}

// Package summarizer provides implementations of the ledger's Summarizer
// collaborator: a static fallback and an OpenRouter-backed LLM client.
package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/recall/internal/ledger"
)

// Static produces a cheap summary without an LLM. Used when no API key is
// configured and in tests.
type Static struct{}

func (Static) Summarize(_ context.Context, _ string, messages []ledger.Message) (ledger.SummaryResult, error) {
	if len(messages) == 0 {
		return ledger.SummaryResult{}, nil
	}
	topic := ""
	for _, m := range messages {
		if m.Role == "user" && m.Content != "" {
			topic = m.Content
			break
		}
	}
	topic = truncate(topic, 120)
	summary := fmt.Sprintf("[Summary of %d messages]", len(messages))
	if topic != "" {
		summary = fmt.Sprintf("[Summary of %d messages] %s", len(messages), topic)
	}
	return ledger.SummaryResult{
		Summary:  summary,
		Keywords: naiveKeywords(topic),
	}, nil
}

// naiveKeywords pulls the longer words out of the topic line so recall has
// something to match even without an LLM.
func naiveKeywords(topic string) []string {
	if topic == "" {
		return nil
	}
	fields := strings.Fields(strings.ToLower(topic))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if len(f) >= 4 {
			out = append(out, f)
		}
		if len(out) == 8 {
			break
		}
	}
	return out
}

var _ ledger.Summarizer = Static{}

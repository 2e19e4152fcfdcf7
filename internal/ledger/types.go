package ledger

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Status is the conversation lifecycle state. The only transition is
// open → closed; reopening rewrites the record back to open.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// TurnStatus is the outcome state of a single turn.
type TurnStatus string

const (
	TurnPending TurnStatus = "pending"
	TurnOK      TurnStatus = "ok"
	TurnError   TurnStatus = "error"
)

// Flags carries content moderation and degradation markers set at close.
type Flags struct {
	Explicit     bool `json:"explicit,omitempty"`
	Forbidden    bool `json:"forbidden,omitempty"`
	SummaryError bool `json:"summary_error,omitempty"`
}

// Conversation is the ledger's primary record: a logical session grouping
// requests, turns, and messages under an open/closed lifecycle.
type Conversation struct {
	ID        string   `json:"id"`
	Status    Status   `json:"status"`
	TokenSet  []string `json:"token_set"`
	ModelSet  []string `json:"model_set"`
	PlaceTags []string `json:"place_tags"`

	RequestCount  int64 `json:"request_count"`
	MessageCount  int64 `json:"message_count"`
	ToolCallCount int64 `json:"tool_call_count"`

	CreatedAt     time.Time  `json:"created_at"`
	LastTouchedAt time.Time  `json:"last_touched_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CloseReason   string     `json:"close_reason,omitempty"`

	// Filled in by the summarizer at close time.
	Summary  string   `json:"summary,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Places   []string `json:"places,omitempty"`
	Flags    Flags    `json:"flags"`
}

// Request records one inbound call. Immutable after creation except the
// completion timestamp.
type Request struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Token          string     `json:"token"`
	Model          string     `json:"model"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Turn is one request/response cycle within a conversation.
type Turn struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	ConversationID string     `json:"conversation_id"`
	Token          string     `json:"token"`
	Model          string     `json:"model"`
	TokensIn       int64      `json:"tokens_in"`
	TokensOut      int64      `json:"tokens_out"`
	Status         TurnStatus `json:"status"`
	ErrorType      string     `json:"error_type,omitempty"`
	LatencyMs      int64      `json:"latency_ms"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TokenDeltas is the per-message token usage extracted from model metadata.
type TokenDeltas struct {
	In  int64 `json:"in,omitempty"`
	Out int64 `json:"out,omitempty"`
}

// Message is one stored, normalized message record. Append-only; never
// mutated after append.
type Message struct {
	ID            string       `json:"id"`
	Role          string       `json:"role"`
	Content       string       `json:"content"`
	TokenDeltas   *TokenDeltas `json:"token_deltas,omitempty"`
	ToolCallCount int          `json:"tool_call_count,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Usage is model usage metadata attached to an inbound message.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// InboundMessage is what callers hand to AppendMessages before
// normalization. Content may be any JSON-encodable value; non-strings are
// stringified deterministically at the storage boundary.
type InboundMessage struct {
	Role      string
	Content   any
	Usage     *Usage
	ToolCalls int
}

// SummaryResult is what the Summarizer collaborator produces at close.
type SummaryResult struct {
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Places   []string `json:"places,omitempty"`
	Flags    Flags    `json:"flags"`
}

// normalizeContent renders message content as a string. Maps marshal with
// sorted keys, so the output is deterministic for equal inputs.
func normalizeContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mergeSet unions value into set, preserving insertion order.
func mergeSet(set []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		if !slices.Contains(set, v) {
			set = append(set, v)
		}
	}
	return set
}

package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/recall/internal/ledger"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "openai/gpt-4o-mini"

	// maxTranscriptChars bounds the prompt; older messages are dropped
	// from the head, the summary cares most about the recent tail anyway.
	maxTranscriptChars = 12000
)

// resultSchema validates the model's JSON reply before it is trusted.
const resultSchema = `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"keywords": {"type": "array", "items": {"type": "string"}},
		"places": {"type": "array", "items": {"type": "string"}},
		"flags": {
			"type": "object",
			"properties": {
				"explicit": {"type": "boolean"},
				"forbidden": {"type": "boolean"}
			}
		}
	}
}`

const systemPrompt = `You summarize assistant conversations for later recall.
Reply with a single JSON object: {"summary": "...", "tags": [...], "keywords": [...], "places": [...], "flags": {"explicit": false, "forbidden": false}}.
Keywords are lowercase search terms; places are locations or rooms mentioned.
No prose outside the JSON.`

// OpenRouterConfig configures the LLM-backed summarizer.
type OpenRouterConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// OpenRouter summarizes via an OpenRouter chat-completions call and
// validates the reply against a JSON schema.
type OpenRouter struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	schema  *jsonschema.Schema
	log     *slog.Logger
}

func NewOpenRouter(cfg OpenRouterConfig, logger *slog.Logger) (*OpenRouter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter summarizer: api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}

	return &OpenRouter{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		client:  client,
		schema:  schema,
		log:     logger,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenRouter) Summarize(ctx context.Context, conversationID string, messages []ledger.Message) (ledger.SummaryResult, error) {
	payload, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: transcript(messages)},
		},
	})
	if err != nil {
		return ledger.SummaryResult{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return ledger.SummaryResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return ledger.SummaryResult{}, fmt.Errorf("openrouter call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ledger.SummaryResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ledger.SummaryResult{}, fmt.Errorf("openrouter status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return ledger.SummaryResult{}, fmt.Errorf("decode response: %w", err)
	}
	if cr.Error != nil {
		return ledger.SummaryResult{}, fmt.Errorf("openrouter error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return ledger.SummaryResult{}, fmt.Errorf("openrouter returned no choices")
	}

	result, err := o.parseResult(cr.Choices[0].Message.Content)
	if err != nil {
		return ledger.SummaryResult{}, err
	}
	o.log.Debug("conversation summarized",
		"conversation_id", conversationID, "model", o.model,
		"keywords", len(result.Keywords))
	return result, nil
}

// parseResult extracts the JSON object from the model's reply and
// validates it against the result schema before decoding.
func (o *OpenRouter) parseResult(content string) (ledger.SummaryResult, error) {
	jsonStr := extractJSON(content)
	if jsonStr == "" {
		return ledger.SummaryResult{}, fmt.Errorf("reply contains no JSON object")
	}

	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return ledger.SummaryResult{}, fmt.Errorf("unmarshal reply: %w", err)
	}
	if err := o.schema.Validate(instance); err != nil {
		return ledger.SummaryResult{}, fmt.Errorf("reply failed schema validation: %w", err)
	}

	var result ledger.SummaryResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return ledger.SummaryResult{}, fmt.Errorf("decode reply: %w", err)
	}
	return result, nil
}

// extractJSON returns the outermost JSON object embedded in text, peeling
// off markdown fences if present.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// transcript renders the message log as role-prefixed lines, keeping the
// tail when the conversation is too long.
func transcript(messages []ledger.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	s := b.String()
	if len(s) > maxTranscriptChars {
		cut := len(s) - maxTranscriptChars
		// Never start mid-rune.
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		s = s[cut:]
	}
	return s
}

// truncate caps s at n bytes, backing off to a rune boundary so the cut
// never produces invalid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

var _ ledger.Summarizer = (*OpenRouter)(nil)

package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the ledger's metric instruments. These are process-level
// observability signals; the durable per-tool/per-model counters live in
// Redis and remain the accounting source of truth.
type Metrics struct {
	TurnDuration        metric.Float64Histogram
	SummarizeDuration   metric.Float64Histogram
	SweepDuration       metric.Float64Histogram
	TokensUsed          metric.Int64Counter
	ToolErrors          metric.Int64Counter
	ConversationsOpened metric.Int64Counter
	ConversationsClosed metric.Int64Counter
	ActiveConversations metric.Int64UpDownCounter
	RateLimitRejects    metric.Int64Counter
	StalePrunes         metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("recall.turn.duration",
		metric.WithDescription("Turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SummarizeDuration, err = meter.Float64Histogram("recall.summarize.duration",
		metric.WithDescription("Summarizer call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("recall.sweep.duration",
		metric.WithDescription("Idle sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("recall.llm.tokens",
		metric.WithDescription("Total model tokens recorded on turns"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolErrors, err = meter.Int64Counter("recall.tool.errors",
		metric.WithDescription("Tool call failures recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.ConversationsOpened, err = meter.Int64Counter("recall.conversation.opened",
		metric.WithDescription("Conversations created or reopened"),
	)
	if err != nil {
		return nil, err
	}

	m.ConversationsClosed, err = meter.Int64Counter("recall.conversation.closed",
		metric.WithDescription("Conversations closed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConversations, err = meter.Int64UpDownCounter("recall.conversation.active",
		metric.WithDescription("Currently open conversations"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("recall.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	m.StalePrunes, err = meter.Int64Counter("recall.index.stale_pruned",
		metric.WithDescription("Stale index entries pruned during reads"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

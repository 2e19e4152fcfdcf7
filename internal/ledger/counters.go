package ledger

import (
	"context"
	"fmt"
)

// Durable counter fields. All values are monotonically increasing; metric
// hashes are never deleted, even when their conversation closes.
const (
	counterOK           = "ok"
	counterFail         = "fail"
	counterError        = "error"
	counterErrorPrefix  = "error:"
	counterDenied       = "denied"
	counterLatencySum   = "latency_ms_sum"
	counterLatencyCount = "latency_count"
	counterTokensInSum  = "tokens_in_sum"
	counterTokensOutSum = "tokens_out_sum"
	counterCount        = "count"
)

func (l *Ledger) readCounters(ctx context.Context, key string) (map[string]int64, error) {
	m, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters %s: %w", key, err)
	}
	out := make(map[string]int64, len(m))
	for field, raw := range m {
		out[field] = parseInt64(raw)
	}
	return out, nil
}

// ToolCounters returns the durable outcome counters for a tool.
func (l *Ledger) ToolCounters(ctx context.Context, tool string) (map[string]int64, error) {
	return l.readCounters(ctx, l.keys.metricsTool(tool))
}

// ModelCounters returns the outcome, latency, and token counters for a model.
func (l *Ledger) ModelCounters(ctx context.Context, model string) (outcome, latency, tokens map[string]int64, err error) {
	if outcome, err = l.readCounters(ctx, l.keys.metricsModel(model)); err != nil {
		return nil, nil, nil, err
	}
	if latency, err = l.readCounters(ctx, l.keys.metricsModelLatency(model)); err != nil {
		return nil, nil, nil, err
	}
	if tokens, err = l.readCounters(ctx, l.keys.metricsModelTokens(model)); err != nil {
		return nil, nil, nil, err
	}
	return outcome, latency, tokens, nil
}

// TurnCounters returns the global ok/error turn counters.
func (l *Ledger) TurnCounters(ctx context.Context) (ok, errored int64, err error) {
	m, err := l.readCounters(ctx, l.keys.metricsTurns())
	if err != nil {
		return 0, 0, err
	}
	return m[counterOK], m[counterError], nil
}

// RateLimitCounters returns the denial counters for a token.
func (l *Ledger) RateLimitCounters(ctx context.Context, token string) (map[string]int64, error) {
	return l.readCounters(ctx, l.keys.metricsRateLimit(token))
}

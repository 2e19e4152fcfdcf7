package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TurnStart carries the inputs for StartTurn.
type TurnStart struct {
	RequestID      string
	ConversationID string
	Token          string
	Model          string
	TokensIn       int64
}

// TurnEnd carries the final outcome written by EndTurn.
type TurnEnd struct {
	Status    TurnStatus
	LatencyMs int64
	ErrorType string
}

// ToolOutcome is one tool call's result, folded into durable counters.
type ToolOutcome struct {
	OK        bool
	LatencyMs int64
	ErrorType string
}

// ModelOutcome is one upstream model call's result.
type ModelOutcome struct {
	OK        bool
	LatencyMs int64
	TokensIn  int64
	TokensOut int64
	ErrorType string
}

// StartTurn creates a pending turn owned by the conversation and folds the
// turn's token and model into the conversation's sets (union semantics).
func (l *Ledger) StartTurn(ctx context.Context, ts TurnStart) (string, error) {
	if ts.ConversationID == "" {
		return "", fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	conv, err := l.GetConversation(ctx, ts.ConversationID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", fmt.Errorf("start turn: conversation %s: %w", ts.ConversationID, ErrNotFound)
	}

	now := l.now()
	turnID := uuid.NewString()
	conv.TokenSet = mergeSet(conv.TokenSet, ts.Token)
	conv.ModelSet = mergeSet(conv.ModelSet, ts.Model)

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.keys.turn(turnID),
		"id", turnID,
		"request_id", ts.RequestID,
		"conversation_id", ts.ConversationID,
		"token", ts.Token,
		"model", ts.Model,
		"tokens_in", ts.TokensIn,
		"tokens_out", 0,
		"status", string(TurnPending),
		"latency_ms", 0,
		"created_at", now.UnixMilli(),
	)
	pipe.HSet(ctx, l.keys.conv(conv.ID),
		fieldTokenSet, encodeList(conv.TokenSet),
		fieldModelSet, encodeList(conv.ModelSet),
	)
	l.touch(ctx, pipe, conv, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("start turn: %w", err)
	}
	return turnID, nil
}

// EndTurn finalizes a turn and bumps the global turn counters.
func (l *Ledger) EndTurn(ctx context.Context, turnID string, end TurnEnd) error {
	if turnID == "" {
		return fmt.Errorf("%w: turn id is required", ErrInvalidInput)
	}
	switch end.Status {
	case TurnOK, TurnError:
	default:
		return fmt.Errorf("%w: turn status must be ok or error", ErrInvalidInput)
	}
	turn, err := l.GetTurn(ctx, turnID)
	if err != nil {
		return err
	}
	if turn == nil {
		return fmt.Errorf("end turn %s: %w", turnID, ErrNotFound)
	}

	bucket := counterOK
	if end.Status == TurnError {
		bucket = counterError
	}

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, l.keys.turn(turnID),
		"status", string(end.Status),
		"latency_ms", end.LatencyMs,
		"error_type", end.ErrorType,
	)
	pipe.HIncrBy(ctx, l.keys.metricsTurns(), bucket, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("end turn %s: %w", turnID, err)
	}

	if conv, err := l.GetConversation(ctx, turn.ConversationID); err == nil && conv != nil {
		touchPipe := l.rdb.TxPipeline()
		l.touch(ctx, touchPipe, conv, l.now())
		if _, err := touchPipe.Exec(ctx); err != nil {
			l.log.Warn("touch conversation after turn end",
				"conversation_id", conv.ID, "error", err)
		}
	}

	if l.met != nil {
		l.met.TurnDuration.Record(ctx, float64(end.LatencyMs)/1000.0)
	}
	return nil
}

// RecordToolResult folds one tool call outcome into the tool's durable
// counters. The counter write always goes through; stamping the turn's
// diagnostic error type is best-effort.
func (l *Ledger) RecordToolResult(ctx context.Context, turnID, toolName string, res ToolOutcome) error {
	if toolName == "" {
		return fmt.Errorf("%w: tool name is required", ErrInvalidInput)
	}

	key := l.keys.metricsTool(toolName)
	pipe := l.rdb.TxPipeline()
	if res.OK {
		pipe.HIncrBy(ctx, key, counterOK, 1)
	} else {
		pipe.HIncrBy(ctx, key, counterFail, 1)
	}
	if res.ErrorType != "" {
		pipe.HIncrBy(ctx, key, counterErrorPrefix+res.ErrorType, 1)
	}
	pipe.HIncrBy(ctx, key, counterLatencySum, res.LatencyMs)
	pipe.HIncrBy(ctx, key, counterLatencyCount, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record tool result %s: %w", toolName, err)
	}

	if !res.OK {
		if l.met != nil {
			l.met.ToolErrors.Add(ctx, 1)
		}
		// Last-write-wins diagnostic on the turn; skip silently when the
		// turn is unknown so the counter write above still counts.
		if turnID != "" {
			exists, err := l.rdb.Exists(ctx, l.keys.turn(turnID)).Result()
			if err == nil && exists > 0 {
				errType := res.ErrorType
				if errType == "" {
					errType = "tool_failure"
				}
				if err := l.rdb.HSet(ctx, l.keys.turn(turnID), "error_type", errType).Err(); err != nil {
					l.log.Warn("stamp turn error type", "turn_id", turnID, "error", err)
				}
			}
		}
	}
	return nil
}

// RecordOpenRouterResult records one upstream model call: token usage onto
// the turn, latency and token sums plus ok/fail counters under the model.
func (l *Ledger) RecordOpenRouterResult(ctx context.Context, turnID, model string, res ModelOutcome) error {
	if model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidInput)
	}

	pipe := l.rdb.TxPipeline()
	outcomeKey := l.keys.metricsModel(model)
	if res.OK {
		pipe.HIncrBy(ctx, outcomeKey, counterOK, 1)
	} else {
		pipe.HIncrBy(ctx, outcomeKey, counterFail, 1)
	}
	if res.ErrorType != "" {
		pipe.HIncrBy(ctx, outcomeKey, counterErrorPrefix+res.ErrorType, 1)
	}
	pipe.HIncrBy(ctx, l.keys.metricsModelLatency(model), counterLatencySum, res.LatencyMs)
	pipe.HIncrBy(ctx, l.keys.metricsModelLatency(model), counterLatencyCount, 1)
	pipe.HIncrBy(ctx, l.keys.metricsModelTokens(model), counterTokensInSum, res.TokensIn)
	pipe.HIncrBy(ctx, l.keys.metricsModelTokens(model), counterTokensOutSum, res.TokensOut)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record model result %s: %w", model, err)
	}

	if turnID != "" {
		exists, err := l.rdb.Exists(ctx, l.keys.turn(turnID)).Result()
		if err == nil && exists > 0 {
			fields := []any{
				"tokens_in", res.TokensIn,
				"tokens_out", res.TokensOut,
			}
			if !res.OK && res.ErrorType != "" {
				fields = append(fields, "error_type", res.ErrorType)
			}
			if err := l.rdb.HSet(ctx, l.keys.turn(turnID), fields...).Err(); err != nil {
				l.log.Warn("stamp turn token usage", "turn_id", turnID, "error", err)
			}
		}
	}

	if l.met != nil {
		l.met.TokensUsed.Add(ctx, res.TokensIn+res.TokensOut)
	}
	return nil
}

// RecordRateLimit counts an upstream rejection that happened before any
// turn started: the token's denial counter and the model's failure bucket.
func (l *Ledger) RecordRateLimit(ctx context.Context, token, model, reason string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	errType := reason
	if errType == "" {
		errType = "rate_limited"
	}

	pipe := l.rdb.TxPipeline()
	rlKey := l.keys.metricsRateLimit(token)
	pipe.HIncrBy(ctx, rlKey, counterDenied, 1)
	if reason != "" {
		pipe.HIncrBy(ctx, rlKey, counterErrorPrefix+reason, 1)
	}
	if model != "" {
		pipe.HIncrBy(ctx, l.keys.metricsModel(model), counterFail, 1)
		pipe.HIncrBy(ctx, l.keys.metricsModel(model), counterErrorPrefix+errType, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record rate limit: %w", err)
	}

	if l.met != nil {
		l.met.RateLimitRejects.Add(ctx, 1)
	}
	return nil
}

// GetTurn loads a turn by id. Returns nil on miss.
func (l *Ledger) GetTurn(ctx context.Context, id string) (*Turn, error) {
	m, err := l.rdb.HGetAll(ctx, l.keys.turn(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load turn %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return &Turn{
		ID:             m["id"],
		RequestID:      m["request_id"],
		ConversationID: m["conversation_id"],
		Token:          m["token"],
		Model:          m["model"],
		TokensIn:       parseInt64(m["tokens_in"]),
		TokensOut:      parseInt64(m["tokens_out"]),
		Status:         TurnStatus(m["status"]),
		ErrorType:      m["error_type"],
		LatencyMs:      parseInt64(m["latency_ms"]),
		CreatedAt:      parseMilli(m["created_at"]),
	}, nil
}

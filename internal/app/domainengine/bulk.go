package domainengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/todo-1m/consistency/internal/apperr"
	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"github.com/todo-1m/consistency/internal/platform/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BulkResult reports how many todos a set-wide command changed.
type BulkResult struct {
	CommandID string           `json:"command_id,omitempty"`
	Action    contracts.Action `json:"action"`
	Count     int              `json:"count"`

	Encoded  json.RawMessage `json:"-"`
	Replayed bool            `json:"-"`
}

// BulkCoordinator applies one transition to every matching todo in a single
// transaction, emitting one event per changed aggregate.
type BulkCoordinator struct {
	Store      Store
	Logger     *zap.Logger
	Retry      RetryPolicy
	Now        func() time.Time
	NewEventID func() string
	OnCommit   func()
}

func NewBulkCoordinator(store Store, logger *zap.Logger) *BulkCoordinator {
	return &BulkCoordinator{
		Store:      store,
		Logger:     logging.OrNop(logger),
		Retry:      DefaultRetryPolicy(),
		Now:        func() time.Time { return time.Now().UTC() },
		NewEventID: nuid.Next,
	}
}

// MarkAllCompleted completes every live, pending todo. commandID is optional;
// when set, repeating it returns the first result without side effects.
func (b *BulkCoordinator) MarkAllCompleted(ctx context.Context, commandID string) (BulkResult, error) {
	return b.run(ctx, contracts.ActionMarkAllCompleted, commandID)
}

// ClearCompleted soft-deletes every live, completed todo.
func (b *BulkCoordinator) ClearCompleted(ctx context.Context, commandID string) (BulkResult, error) {
	return b.run(ctx, contracts.ActionClearCompleted, commandID)
}

func (b *BulkCoordinator) run(ctx context.Context, action contracts.Action, commandID string) (BulkResult, error) {
	commandID = strings.TrimSpace(commandID)
	ctx, span := tracer.Start(ctx, "domainengine.Bulk", trace.WithAttributes(
		attribute.String("todo.action", string(action)),
		attribute.String("todo.command_id", commandID),
	))
	defer span.End()

	count := 0
	result, err := runTx(ctx, b.Store, b.Retry, b.Logger, action, func(ctx context.Context, tx Tx) (BulkResult, error) {
		res, err := b.execute(ctx, tx, action, commandID)
		count = res.Count
		if res.Replayed {
			count = 0
		}
		return res, err
	})

	outcome := "accepted"
	if err != nil {
		logging.OrNop(b.Logger).Error("bulk command failed", zap.String("action", string(action)), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Commands.WithLabelValues(string(action), strings.ToLower(string(apperr.KindOf(err)))).Inc()
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return BulkResult{}, err
		}
		return BulkResult{}, apperr.Internal("failed to execute bulk command", err)
	}
	if result.Replayed {
		outcome = "replayed"
	}
	metrics.Commands.WithLabelValues(string(action), outcome).Inc()
	span.SetAttributes(attribute.Int("todo.count", result.Count))
	if count > 0 && b.OnCommit != nil {
		b.OnCommit()
	}
	return result, nil
}

func (b *BulkCoordinator) execute(ctx context.Context, tx Tx, action contracts.Action, commandID string) (BulkResult, error) {
	if commandID != "" {
		stored, found, err := tx.ClaimCommand(ctx, commandID)
		if err != nil {
			return BulkResult{}, err
		}
		if found {
			var replay BulkResult
			if err := json.Unmarshal(stored, &replay); err != nil {
				return BulkResult{}, fmt.Errorf("decode stored bulk result: %w", err)
			}
			replay.Encoded = append(json.RawMessage(nil), stored...)
			replay.Replayed = true
			return replay, nil
		}
	}

	// MarkAllCompleted targets pending rows, ClearCompleted completed ones.
	targetCompleted := action == contracts.ActionClearCompleted
	todos, err := tx.LockTodosByCompletion(ctx, targetCompleted)
	if err != nil {
		return BulkResult{}, err
	}

	now := storedTime(b.Now())
	for _, current := range todos {
		var next Todo
		var eventType contracts.EventType
		if action == contracts.ActionClearCompleted {
			next, eventType = markDeleted(current, now), contracts.EventDeleted
		} else {
			next, eventType = complete(current, now), contracts.EventCompleted
		}
		if err := tx.UpdateTodo(ctx, next, current.Version); err != nil {
			return BulkResult{}, err
		}
		event := contracts.TodoEvent{
			EventID:          b.NewEventID(),
			CommandID:        commandID,
			AggregateID:      next.ID,
			AggregateVersion: next.Version,
			EventType:        eventType,
			Payload:          next.Snapshot(),
			CreatedAt:        now,
		}
		if err := tx.AppendOutbox(ctx, event); err != nil {
			return BulkResult{}, err
		}
	}

	result := BulkResult{CommandID: commandID, Action: action, Count: len(todos)}
	encoded, err := json.Marshal(result)
	if err != nil {
		return BulkResult{}, fmt.Errorf("encode bulk result: %w", err)
	}
	if commandID != "" {
		err := tx.SaveIdempotency(ctx, IdempotencyRecord{
			CommandID: commandID,
			Action:    action,
			Result:    encoded,
			CreatedAt: now,
		})
		if err != nil {
			return BulkResult{}, err
		}
	}
	result.Encoded = encoded
	return result, nil
}

package domainengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nuid"
	"github.com/todo-1m/consistency/internal/apperr"
	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"github.com/todo-1m/consistency/internal/platform/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/todo-1m/consistency/internal/app/domainengine")

// Result is the response of an accepted single-todo command. The encoded form
// is what gets stored for replays.
type Result struct {
	CommandID string                  `json:"command_id"`
	Action    contracts.Action        `json:"action"`
	Todo      *contracts.TodoSnapshot `json:"todo,omitempty"`
	Deletion  *Deletion               `json:"deletion,omitempty"`

	// Encoded holds the exact bytes returned the first time.
	Encoded json.RawMessage `json:"-"`
	// Replayed is true when the result came from the idempotency table.
	Replayed bool `json:"-"`
}

type Deletion struct {
	ID             string `json:"id"`
	Version        int64  `json:"version"`
	AlreadyDeleted bool   `json:"already_deleted"`
}

// Handler executes create, update, toggle and delete commands. Each accepted
// command writes the aggregate, one outbox event and one idempotency record
// in a single transaction.
type Handler struct {
	Store      Store
	Logger     *zap.Logger
	Retry      RetryPolicy
	Now        func() time.Time
	NewID      func() string
	NewEventID func() string
	// OnCommit runs after every committed command that appended an event.
	OnCommit func()
}

func NewHandler(store Store, logger *zap.Logger) *Handler {
	return &Handler{
		Store:      store,
		Logger:     logging.OrNop(logger),
		Retry:      DefaultRetryPolicy(),
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
		NewEventID: nuid.Next,
	}
}

func (h *Handler) Handle(ctx context.Context, cmd contracts.TodoCommand) (Result, error) {
	cmd.CommandID = strings.TrimSpace(cmd.CommandID)
	cmd.TodoID = strings.TrimSpace(cmd.TodoID)

	ctx, span := tracer.Start(ctx, "domainengine.Handle", trace.WithAttributes(
		attribute.String("todo.action", string(cmd.Action)),
		attribute.String("todo.command_id", cmd.CommandID),
		attribute.String("todo.id", cmd.TodoID),
	))
	defer span.End()

	result, err := h.handle(ctx, cmd)
	outcome := "accepted"
	switch {
	case err != nil:
		outcome = strings.ToLower(string(apperr.KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Replayed:
		outcome = "replayed"
	}
	span.SetAttributes(attribute.Bool("todo.replayed", result.Replayed))
	metrics.Commands.WithLabelValues(string(cmd.Action), outcome).Inc()
	return result, err
}

func (h *Handler) handle(ctx context.Context, cmd contracts.TodoCommand) (Result, error) {
	if cmd.CommandID == "" {
		return Result{}, apperr.InvalidInput("command_id", "command_id is required")
	}
	switch cmd.Action {
	case contracts.ActionCreate:
	case contracts.ActionUpdate, contracts.ActionToggle, contracts.ActionDelete:
		if cmd.TodoID == "" {
			return Result{}, apperr.InvalidInput("todo_id", "todo_id is required")
		}
	default:
		return Result{}, apperr.InvalidInput("action", fmt.Sprintf("unsupported action %q", cmd.Action))
	}

	appended := false
	result, err := runTx(ctx, h.Store, h.Retry, h.Logger, cmd.Action, func(ctx context.Context, tx Tx) (Result, error) {
		appended = false
		res, wrote, err := h.execute(ctx, tx, cmd)
		appended = wrote
		return res, err
	})
	if err != nil {
		return Result{}, h.classify(cmd, err)
	}
	if appended && h.OnCommit != nil {
		h.OnCommit()
	}
	return result, nil
}

// execute runs inside the transaction. wrote reports whether an outbox event
// was appended.
func (h *Handler) execute(ctx context.Context, tx Tx, cmd contracts.TodoCommand) (result Result, wrote bool, err error) {
	stored, found, err := tx.ClaimCommand(ctx, cmd.CommandID)
	if err != nil {
		return Result{}, false, err
	}
	if found {
		replay, err := decodeResult(stored)
		return replay, false, err
	}

	now := storedTime(h.Now())
	result = Result{CommandID: cmd.CommandID, Action: cmd.Action}
	var next Todo
	var eventType contracts.EventType

	switch cmd.Action {
	case contracts.ActionCreate:
		next, err = newTodo(h.NewID(), cmd.Fields, now)
		if err != nil {
			return Result{}, false, err
		}
		if err := tx.InsertTodo(ctx, next); err != nil {
			return Result{}, false, err
		}
		eventType = contracts.EventCreated

	case contracts.ActionUpdate:
		current, err := loadLive(ctx, tx, cmd.TodoID)
		if err != nil {
			return Result{}, false, err
		}
		next, err = applyUpdate(current, cmd.Fields, now)
		if err != nil {
			return Result{}, false, err
		}
		if err := tx.UpdateTodo(ctx, next, current.Version); err != nil {
			return Result{}, false, err
		}
		eventType = contracts.EventUpdated

	case contracts.ActionToggle:
		current, err := loadLive(ctx, tx, cmd.TodoID)
		if err != nil {
			return Result{}, false, err
		}
		next = toggle(current, now)
		if err := tx.UpdateTodo(ctx, next, current.Version); err != nil {
			return Result{}, false, err
		}
		eventType = contracts.EventUncompleted
		if next.IsCompleted {
			eventType = contracts.EventCompleted
		}

	case contracts.ActionDelete:
		current, err := tx.LoadTodoForUpdate(ctx, cmd.TodoID)
		if err != nil {
			return Result{}, false, err
		}
		if current.Deleted() {
			result.Deletion = &Deletion{ID: current.ID, Version: current.Version, AlreadyDeleted: true}
			result, err = h.remember(ctx, tx, result, now)
			return result, false, err
		}
		next = markDeleted(current, now)
		if err := tx.UpdateTodo(ctx, next, current.Version); err != nil {
			return Result{}, false, err
		}
		eventType = contracts.EventDeleted
	}

	if err := tx.AppendOutbox(ctx, h.newEvent(cmd.CommandID, eventType, next, now)); err != nil {
		return Result{}, false, err
	}
	if eventType == contracts.EventDeleted {
		result.Deletion = &Deletion{ID: next.ID, Version: next.Version}
	} else {
		snapshot := next.Snapshot()
		result.Todo = &snapshot
	}
	result, err = h.remember(ctx, tx, result, now)
	return result, err == nil, err
}

// remember encodes the result and stores it under the command id.
func (h *Handler) remember(ctx context.Context, tx Tx, result Result, now time.Time) (Result, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return Result{}, fmt.Errorf("encode command result: %w", err)
	}
	err = tx.SaveIdempotency(ctx, IdempotencyRecord{
		CommandID: result.CommandID,
		Action:    result.Action,
		Result:    encoded,
		CreatedAt: now,
	})
	if err != nil {
		return Result{}, err
	}
	result.Encoded = encoded
	return result, nil
}

func (h *Handler) newEvent(commandID string, eventType contracts.EventType, todo Todo, now time.Time) contracts.TodoEvent {
	return contracts.TodoEvent{
		EventID:          h.NewEventID(),
		CommandID:        commandID,
		AggregateID:      todo.ID,
		AggregateVersion: todo.Version,
		EventType:        eventType,
		Payload:          todo.Snapshot(),
		CreatedAt:        now,
	}
}

func (h *Handler) classify(cmd contracts.TodoCommand, err error) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, ErrTodoNotFound):
		return &apperr.Error{Kind: apperr.KindNotFound, Message: "todo not found", Err: err}
	case errors.Is(err, ErrVersionConflict):
		return &apperr.Error{Kind: apperr.KindConflict, Message: "todo was modified concurrently, retry the command", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Internal("command was cancelled", err)
	default:
		logging.OrNop(h.Logger).Error("command failed",
			zap.String("command_id", cmd.CommandID),
			zap.String("action", string(cmd.Action)),
			zap.Error(err),
		)
		return apperr.Internal("failed to execute command", err)
	}
}

// loadLive locks the row and treats a soft-deleted todo as missing.
func loadLive(ctx context.Context, tx Tx, id string) (Todo, error) {
	todo, err := tx.LoadTodoForUpdate(ctx, id)
	if err != nil {
		return Todo{}, err
	}
	if todo.Deleted() {
		return Todo{}, ErrTodoNotFound
	}
	return todo, nil
}

func decodeResult(stored []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(stored, &result); err != nil {
		return Result{}, fmt.Errorf("decode stored command result: %w", err)
	}
	result.Encoded = append(json.RawMessage(nil), stored...)
	result.Replayed = true
	return result, nil
}

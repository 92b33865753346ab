package datasink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"github.com/todo-1m/consistency/internal/platform/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrInvalidEventPayload  = errors.New("invalid event payload")
	ErrUnsupportedEventType = errors.New("unsupported event type")
	ErrInvalidEvent         = errors.New("invalid event")

	// ErrRowNotMaterialized means a non-creating event arrived before the
	// row it modifies. The event must be redelivered later.
	ErrRowNotMaterialized = errors.New("read model row not materialized yet")
)

var tracer = otel.Tracer("github.com/todo-1m/consistency/internal/app/datasink")

// Outcome is the result of a guarded read-model write.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeStale
	OutcomeMissing
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Repository writes a row only when its AppliedVersion is greater than the
// stored one. A missing row is inserted only when createIfMissing is set.
type Repository interface {
	Upsert(ctx context.Context, row query.TodoView, createIfMissing bool) (Outcome, error)
}

// Applier folds outbox events into the read model. Applying the same event
// twice, or an older event after a newer one, leaves the row unchanged.
type Applier struct {
	Repository Repository
	Logger     *zap.Logger
}

func NewApplier(repository Repository, logger *zap.Logger) *Applier {
	return &Applier{Repository: repository, Logger: logging.OrNop(logger)}
}

func (a *Applier) Apply(ctx context.Context, event contracts.TodoEvent) error {
	ctx, span := tracer.Start(ctx, "datasink.Apply", trace.WithAttributes(
		attribute.String("todo.event_id", event.EventID),
		attribute.String("todo.event_type", string(event.EventType)),
		attribute.String("todo.id", event.AggregateID),
		attribute.Int64("todo.version", event.AggregateVersion),
	))
	defer span.End()

	outcome, err := a.apply(ctx, event)
	label := outcome.String()
	if err != nil {
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.Projections.WithLabelValues(string(event.EventType), label).Inc()
	return err
}

func (a *Applier) apply(ctx context.Context, event contracts.TodoEvent) (Outcome, error) {
	if err := validateEvent(event); err != nil {
		return 0, err
	}

	row := rowFromEvent(event)
	createIfMissing := false
	switch event.EventType {
	case contracts.EventCreated:
		createIfMissing = true
	case contracts.EventUpdated, contracts.EventCompleted, contracts.EventUncompleted:
	case contracts.EventDeleted:
		if row.DeletedAt == nil {
			deletedAt := event.CreatedAt
			row.DeletedAt = &deletedAt
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedEventType, event.EventType)
	}

	outcome, err := a.Repository.Upsert(ctx, row, createIfMissing)
	if err != nil {
		return 0, fmt.Errorf("project event %s: %w", event.EventID, err)
	}
	switch outcome {
	case OutcomeMissing:
		return outcome, fmt.Errorf("%w: %s at version %d", ErrRowNotMaterialized, event.AggregateID, event.AggregateVersion)
	case OutcomeStale:
		logging.OrNop(a.Logger).Debug("skipping stale event",
			zap.String("event_id", event.EventID),
			zap.String("todo_id", event.AggregateID),
			zap.Int64("version", event.AggregateVersion),
		)
	}
	return outcome, nil
}

func validateEvent(event contracts.TodoEvent) error {
	switch {
	case strings.TrimSpace(event.EventID) == "":
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	case strings.TrimSpace(event.AggregateID) == "":
		return fmt.Errorf("%w: aggregate_id is required", ErrInvalidEvent)
	case event.AggregateVersion < 1:
		return fmt.Errorf("%w: aggregate_version must be at least 1", ErrInvalidEvent)
	case event.Payload.ID != event.AggregateID:
		return fmt.Errorf("%w: payload id %q does not match aggregate %q", ErrInvalidEvent, event.Payload.ID, event.AggregateID)
	case event.Payload.Version != 0 && event.Payload.Version != event.AggregateVersion:
		return fmt.Errorf("%w: payload version %d does not match aggregate version %d", ErrInvalidEvent, event.Payload.Version, event.AggregateVersion)
	}
	if _, err := contracts.ParseDate(event.Payload.DueDate); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}

// rowFromEvent guards on the event's aggregate version.
func rowFromEvent(event contracts.TodoEvent) query.TodoView {
	s := event.Payload
	return query.TodoView{
		ID:             s.ID,
		Title:          s.Title,
		Description:    s.Description,
		IsCompleted:    s.IsCompleted,
		Priority:       s.Priority,
		DueDate:        s.DueDate,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		DeletedAt:      s.DeletedAt,
		AppliedVersion: event.AggregateVersion,
	}
}

package datasink_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/consistency/internal/app/datasink"
	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/memstore"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 2, 9, 22, 0, 0, 0, time.UTC)

func event(eventType contracts.EventType, version int64, title string, completed bool) contracts.TodoEvent {
	return contracts.TodoEvent{
		EventID:          "evt-" + title,
		CommandID:        "cmd-" + title,
		AggregateID:      "todo-1",
		AggregateVersion: version,
		EventType:        eventType,
		Payload: contracts.TodoSnapshot{
			ID:          "todo-1",
			Title:       title,
			IsCompleted: completed,
			Priority:    contracts.PriorityMedium,
			CreatedAt:   t0,
			UpdatedAt:   t0.Add(time.Duration(version) * time.Second),
			Version:     version,
		},
		CreatedAt: t0.Add(time.Duration(version) * time.Second),
	}
}

func newApplier(t *testing.T) (*datasink.Applier, *memstore.Store) {
	store := memstore.New()
	return datasink.NewApplier(store, zaptest.NewLogger(t)), store
}

func TestApplyCreatedInsertsRow(t *testing.T) {
	applier, store := newApplier(t)

	require.NoError(t, applier.Apply(context.Background(), event(contracts.EventCreated, 1, "v1", false)))

	row, ok := store.ReadRow("todo-1")
	require.True(t, ok)
	assert.Equal(t, "v1", row.Title)
	assert.Equal(t, int64(1), row.AppliedVersion)
	assert.Nil(t, row.DeletedAt)
}

func TestApplyIsIdempotent(t *testing.T) {
	applier, store := newApplier(t)
	created := event(contracts.EventCreated, 1, "v1", false)
	updated := event(contracts.EventUpdated, 2, "v2", false)

	for _, e := range []contracts.TodoEvent{created, updated, created, updated, updated} {
		require.NoError(t, applier.Apply(context.Background(), e))
	}

	row, _ := store.ReadRow("todo-1")
	assert.Equal(t, "v2", row.Title)
	assert.Equal(t, int64(2), row.AppliedVersion)
}

func TestApplyIgnoresOlderVersions(t *testing.T) {
	applier, store := newApplier(t)
	ctx := context.Background()

	require.NoError(t, applier.Apply(ctx, event(contracts.EventCreated, 1, "v1", false)))
	require.NoError(t, applier.Apply(ctx, event(contracts.EventCompleted, 3, "v3", true)))
	require.NoError(t, applier.Apply(ctx, event(contracts.EventUpdated, 2, "v2", false)))

	row, _ := store.ReadRow("todo-1")
	assert.Equal(t, "v3", row.Title)
	assert.True(t, row.IsCompleted)
	assert.Equal(t, int64(3), row.AppliedVersion)
}

func TestApplyBeforeCreateIsRetryable(t *testing.T) {
	applier, store := newApplier(t)
	ctx := context.Background()

	err := applier.Apply(ctx, event(contracts.EventUpdated, 2, "v2", false))
	require.ErrorIs(t, err, datasink.ErrRowNotMaterialized)
	_, ok := store.ReadRow("todo-1")
	assert.False(t, ok)

	require.NoError(t, applier.Apply(ctx, event(contracts.EventCreated, 1, "v1", false)))
	require.NoError(t, applier.Apply(ctx, event(contracts.EventUpdated, 2, "v2", false)))
	row, _ := store.ReadRow("todo-1")
	assert.Equal(t, int64(2), row.AppliedVersion)
}

func TestApplyDeletedWritesTombstone(t *testing.T) {
	applier, store := newApplier(t)
	ctx := context.Background()
	require.NoError(t, applier.Apply(ctx, event(contracts.EventCreated, 1, "v1", false)))

	deleted := event(contracts.EventDeleted, 2, "v1", false)
	require.NoError(t, applier.Apply(ctx, deleted))

	row, ok := store.ReadRow("todo-1")
	require.True(t, ok)
	require.NotNil(t, row.DeletedAt)
	assert.Equal(t, deleted.CreatedAt, *row.DeletedAt)

	_, err := store.GetTodo(ctx, "todo-1")
	assert.Error(t, err)

	// A late update for an older version cannot resurrect the row.
	require.NoError(t, applier.Apply(ctx, event(contracts.EventUpdated, 1, "zombie", false)))
	row, _ = store.ReadRow("todo-1")
	assert.NotNil(t, row.DeletedAt)
}

func TestApplyDeletedPrefersPayloadTimestamp(t *testing.T) {
	applier, store := newApplier(t)
	ctx := context.Background()
	require.NoError(t, applier.Apply(ctx, event(contracts.EventCreated, 1, "v1", false)))

	deleted := event(contracts.EventDeleted, 2, "v1", false)
	deletedAt := t0.Add(time.Minute)
	deleted.Payload.DeletedAt = &deletedAt
	require.NoError(t, applier.Apply(ctx, deleted))

	row, _ := store.ReadRow("todo-1")
	require.NotNil(t, row.DeletedAt)
	assert.Equal(t, deletedAt, *row.DeletedAt)
}

func TestApplyRejectsInvalidEvents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*contracts.TodoEvent)
		want   error
	}{
		{"missing event id", func(e *contracts.TodoEvent) { e.EventID = "" }, datasink.ErrInvalidEvent},
		{"missing aggregate id", func(e *contracts.TodoEvent) { e.AggregateID = "" }, datasink.ErrInvalidEvent},
		{"zero version", func(e *contracts.TodoEvent) { e.AggregateVersion = 0 }, datasink.ErrInvalidEvent},
		{"payload for another aggregate", func(e *contracts.TodoEvent) { e.Payload.ID = "todo-2" }, datasink.ErrInvalidEvent},
		{"payload version mismatch", func(e *contracts.TodoEvent) { e.Payload.Version = 7 }, datasink.ErrInvalidEvent},
		{"corrupt due date", func(e *contracts.TodoEvent) {
			due := "2026-13-01"
			e.Payload.DueDate = &due
		}, datasink.ErrInvalidEvent},
		{"unknown type", func(e *contracts.TodoEvent) { e.EventType = "todo.archived" }, datasink.ErrUnsupportedEventType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier, store := newApplier(t)
			e := event(contracts.EventCreated, 1, "v1", false)
			tt.mutate(&e)

			err := applier.Apply(context.Background(), e)
			assert.ErrorIs(t, err, tt.want)
			_, ok := store.ReadRow("todo-1")
			assert.False(t, ok)
		})
	}
}

func TestApplyHandlesEveryEventType(t *testing.T) {
	for _, eventType := range contracts.EventTypes() {
		t.Run(string(eventType), func(t *testing.T) {
			applier, _ := newApplier(t)
			ctx := context.Background()
			require.NoError(t, applier.Apply(ctx, event(contracts.EventCreated, 1, "v1", false)))

			err := applier.Apply(ctx, event(eventType, 2, "v2", false))
			assert.NoError(t, err)
		})
	}
}

func TestApplyPropagatesRepositoryErrors(t *testing.T) {
	applier, store := newApplier(t)
	boom := errors.New("connection reset")
	store.FailNext(memstore.OpUpsert, boom)

	err := applier.Apply(context.Background(), event(contracts.EventCreated, 1, "v1", false))
	assert.ErrorIs(t, err, boom)
}

func TestServiceHandle(t *testing.T) {
	applier, store := newApplier(t)
	svc := datasink.NewService(applier)

	payload, err := json.Marshal(event(contracts.EventCreated, 1, "Buy milk", false))
	require.NoError(t, err)
	require.NoError(t, svc.Handle(context.Background(), payload))

	row, ok := store.ReadRow("todo-1")
	require.True(t, ok)
	assert.Equal(t, "Buy milk", row.Title)
}

func TestServiceHandleInvalidPayload(t *testing.T) {
	applier, _ := newApplier(t)
	svc := datasink.NewService(applier)

	err := svc.Handle(context.Background(), []byte("{invalid"))
	assert.ErrorIs(t, err, datasink.ErrInvalidEventPayload)
}

func TestDispositionOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want datasink.Disposition
	}{
		{"nil", nil, datasink.Ack},
		{"bad json", datasink.ErrInvalidEventPayload, datasink.Discard},
		{"unknown type", fmt.Errorf("%w: todo.archived", datasink.ErrUnsupportedEventType), datasink.Discard},
		{"invalid", fmt.Errorf("%w: event_id is required", datasink.ErrInvalidEvent), datasink.Discard},
		{"not materialized", fmt.Errorf("%w: todo-1", datasink.ErrRowNotMaterialized), datasink.Delay},
		{"database", errors.New("connection reset"), datasink.Retry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, datasink.DispositionOf(tt.err))
		})
	}
}

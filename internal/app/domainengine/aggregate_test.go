package domainengine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/consistency/internal/apperr"
	"github.com/todo-1m/consistency/internal/contracts"
)

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2026, 2, 9, 22, 0, 0, 0, time.UTC)

func TestNewTodoDefaults(t *testing.T) {
	todo, err := newTodo("todo-1", contracts.TodoFields{Title: ptr("  Buy milk  ")}, t0)
	require.NoError(t, err)

	assert.Equal(t, "Buy milk", todo.Title)
	assert.Equal(t, contracts.PriorityMedium, todo.Priority)
	assert.Equal(t, int64(1), todo.Version)
	assert.False(t, todo.IsCompleted)
	assert.Nil(t, todo.Description)
	assert.Nil(t, todo.DueDate)
	assert.Equal(t, t0, todo.CreatedAt)
	assert.Equal(t, t0, todo.UpdatedAt)
}

func TestNewTodoIgnoresClientCreatedAt(t *testing.T) {
	clientTime := t0.Add(-72 * time.Hour)
	todo, err := newTodo("todo-1", contracts.TodoFields{Title: ptr("x"), CreatedAt: &clientTime}, t0)
	require.NoError(t, err)
	assert.Equal(t, t0, todo.CreatedAt)
}

func TestFieldValidation(t *testing.T) {
	tests := []struct {
		name   string
		fields contracts.TodoFields
		field  string
	}{
		{"missing title", contracts.TodoFields{}, "title"},
		{"blank title", contracts.TodoFields{Title: ptr("   ")}, "title"},
		{"title too long", contracts.TodoFields{Title: ptr(strings.Repeat("a", MaxTitleLength+1))}, "title"},
		{"description too long", contracts.TodoFields{Title: ptr("x"), Description: ptr(strings.Repeat("d", MaxDescriptionLength+1))}, "description"},
		{"unknown priority", contracts.TodoFields{Title: ptr("x"), Priority: ptr("urgent")}, "priority"},
		{"impossible date", contracts.TodoFields{Title: ptr("x"), DueDate: ptr("2026-02-30")}, "due_date"},
		{"wrong date layout", contracts.TodoFields{Title: ptr("x"), DueDate: ptr("01/03/2026")}, "due_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTodo("todo-1", tt.fields, t0)
			require.Error(t, err)
			assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
			assert.Equal(t, tt.field, apperr.FieldOf(err))
		})
	}
}

func TestTitleLengthCountsRunes(t *testing.T) {
	todo, err := newTodo("todo-1", contracts.TodoFields{Title: ptr(strings.Repeat("é", MaxTitleLength))}, t0)
	require.NoError(t, err)
	assert.Len(t, []rune(todo.Title), MaxTitleLength)
}

func TestApplyUpdate(t *testing.T) {
	current, err := newTodo("todo-1", contracts.TodoFields{
		Title:       ptr("Buy milk"),
		Description: ptr("2 litres"),
		DueDate:     ptr("2026-03-01"),
	}, t0)
	require.NoError(t, err)

	next, err := applyUpdate(current, contracts.TodoFields{
		Title:       ptr("Buy oat milk"),
		Description: ptr(""),
		Priority:    ptr("HIGH"),
	}, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "Buy oat milk", next.Title)
	assert.Nil(t, next.Description)
	assert.Equal(t, contracts.PriorityHigh, next.Priority)
	assert.Equal(t, "2026-03-01", *next.DueDate)
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, t0, next.CreatedAt)
	assert.Equal(t, t0.Add(time.Minute), next.UpdatedAt)

	// The input must not be mutated.
	assert.Equal(t, "Buy milk", current.Title)
	assert.Equal(t, int64(1), current.Version)
}

func TestApplyUpdateRequiresAField(t *testing.T) {
	current, err := newTodo("todo-1", contracts.TodoFields{Title: ptr("x")}, t0)
	require.NoError(t, err)

	_, err = applyUpdate(current, contracts.TodoFields{}, t0)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	assert.Equal(t, "fields", apperr.FieldOf(err))
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	current, err := newTodo("todo-1", contracts.TodoFields{Title: ptr("x")}, t0)
	require.NoError(t, err)

	next := toggle(current, t0.Add(-time.Hour))
	assert.Equal(t, t0, next.UpdatedAt)
	assert.False(t, next.UpdatedAt.Before(next.CreatedAt))
	assert.True(t, next.IsCompleted)
	assert.Equal(t, int64(2), next.Version)
}

func TestMarkDeletedSetsTombstone(t *testing.T) {
	current, err := newTodo("todo-1", contracts.TodoFields{Title: ptr("x")}, t0)
	require.NoError(t, err)

	next := markDeleted(current, t0.Add(time.Second))
	require.NotNil(t, next.DeletedAt)
	assert.True(t, next.Deleted())
	assert.Equal(t, next.UpdatedAt, *next.DeletedAt)
	assert.Equal(t, int64(2), next.Version)
	assert.False(t, current.Deleted())

	snapshot := next.Snapshot()
	require.NotNil(t, snapshot.DeletedAt)
	assert.Equal(t, *next.DeletedAt, *snapshot.DeletedAt)
}

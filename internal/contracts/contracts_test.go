package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		raw  string
		want Priority
		ok   bool
	}{
		{"low", PriorityLow, true},
		{" Medium ", PriorityMedium, true},
		{"HIGH", PriorityHigh, true},
		{"urgent", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParsePriority(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, et := range EventTypes() {
		assert.True(t, et.Valid(), et)
	}
	assert.False(t, EventType("todo.archived").Valid())
}

func TestTodoEventWireFormat(t *testing.T) {
	due := "2026-03-01"
	event := TodoEvent{
		EventID:          "evt-1",
		CommandID:        "cmd-1",
		AggregateID:      "todo-1",
		AggregateVersion: 2,
		EventType:        EventUpdated,
		Payload: TodoSnapshot{
			ID:       "todo-1",
			Title:    "Buy milk",
			Priority: PriorityHigh,
			DueDate:  &due,
			Version:  2,
		},
		CreatedAt: time.Date(2026, 2, 9, 22, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "todo.updated", fields["event_type"])
	assert.EqualValues(t, 2, fields["aggregate_version"])
	assert.NotContains(t, fields, "published_at")

	payload := fields["payload"].(map[string]any)
	assert.Equal(t, "2026-03-01", payload["due_date"])
	assert.Nil(t, payload["description"])
}

func TestParseDate(t *testing.T) {
	got, err := ParseDate(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	due := "2026-03-01"
	got, err = ParseDate(&due)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *got)
	assert.Equal(t, &due, FormatDate(got))

	for _, bad := range []string{"2026-02-30", "03/01/2026", ""} {
		_, err := ParseDate(&bad)
		assert.Error(t, err, bad)
	}
	assert.Nil(t, FormatDate(nil))
}

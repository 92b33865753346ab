package contracts

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format of due dates.
const DateLayout = "2006-01-02"

// ParseDate converts an optional YYYY-MM-DD string into a date value. Nil
// stays nil; anything that is not a calendar date is an error.
func ParseDate(due *string) (*time.Time, error) {
	if due == nil {
		return nil, nil
	}
	parsed, err := time.Parse(DateLayout, *due)
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q: %w", *due, err)
	}
	return &parsed, nil
}

// FormatDate is the inverse of ParseDate.
func FormatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.Format(DateLayout)
	return &formatted
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority accepts any casing of low, medium or high.
func ParsePriority(raw string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, true
	default:
		return "", false
	}
}

// Action names a write-side command.
type Action string

const (
	ActionCreate           Action = "create"
	ActionUpdate           Action = "update"
	ActionToggle           Action = "toggle"
	ActionDelete           Action = "delete"
	ActionMarkAllCompleted Action = "mark-all-completed"
	ActionClearCompleted   Action = "clear-completed"
)

// EventType is the closed set of domain events written to the outbox.
type EventType string

const (
	EventCreated     EventType = "todo.created"
	EventUpdated     EventType = "todo.updated"
	EventCompleted   EventType = "todo.completed"
	EventUncompleted EventType = "todo.uncompleted"
	EventDeleted     EventType = "todo.deleted"
)

// EventTypes lists every event type. Adding a type here without handling it
// in the projection applier fails the applier's exhaustiveness test.
func EventTypes() []EventType {
	return []EventType{EventCreated, EventUpdated, EventCompleted, EventUncompleted, EventDeleted}
}

func (t EventType) Valid() bool {
	for _, known := range EventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// TodoFields carries the client-supplied part of a command. Nil means "not
// provided". For updates an empty description or due date clears the field.
type TodoFields struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	DueDate     *string    `json:"due_date,omitempty"`
	IsCompleted *bool      `json:"is_completed,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"` // ignored: created_at is server-owned
}

// TodoCommand is a request to mutate one todo aggregate.
type TodoCommand struct {
	CommandID string     `json:"command_id"`
	Action    Action     `json:"action"`
	TodoID    string     `json:"todo_id,omitempty"`
	Fields    TodoFields `json:"fields"`
}

// TodoSnapshot is the full post-mutation state of an aggregate.
type TodoSnapshot struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	IsCompleted bool       `json:"is_completed"`
	Priority    Priority   `json:"priority"`
	DueDate     *string    `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int64      `json:"version"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// TodoEvent is the outbox row, published to the projection applier.
type TodoEvent struct {
	EventID          string       `json:"event_id"`
	CommandID        string       `json:"command_id"`
	AggregateID      string       `json:"aggregate_id"`
	AggregateVersion int64        `json:"aggregate_version"`
	EventType        EventType    `json:"event_type"`
	Payload          TodoSnapshot `json:"payload"`
	CreatedAt        time.Time    `json:"created_at"`
	PublishedAt      *time.Time   `json:"published_at,omitempty"`
}

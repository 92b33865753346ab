package domainengine

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/todo-1m/consistency/internal/apperr"
	"github.com/todo-1m/consistency/internal/contracts"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
)

// Todo is the authoritative aggregate row.
type Todo struct {
	ID          string
	Title       string
	Description *string
	IsCompleted bool
	Priority    contracts.Priority
	DueDate     *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
	DeletedAt   *time.Time
}

func (t Todo) Deleted() bool { return t.DeletedAt != nil }

func (t Todo) Snapshot() contracts.TodoSnapshot {
	return contracts.TodoSnapshot{
		ID:          t.ID,
		Title:       t.Title,
		Description: cloneString(t.Description),
		IsCompleted: t.IsCompleted,
		Priority:    t.Priority,
		DueDate:     cloneString(t.DueDate),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Version:     t.Version,
		DeletedAt:   cloneTime(t.DeletedAt),
	}
}

// TimestampPrecision is the resolution Postgres keeps for timestamptz. Every
// timestamp written by a command is truncated to it, so the first response
// and everything loaded later agree.
const TimestampPrecision = time.Microsecond

func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

func newTodo(id string, fields contracts.TodoFields, now time.Time) (Todo, error) {
	if fields.Title == nil {
		return Todo{}, apperr.InvalidInput("title", "title is required")
	}
	todo := Todo{
		ID:        id,
		Priority:  contracts.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := applyFields(&todo, fields); err != nil {
		return Todo{}, err
	}
	return todo, nil
}

// applyUpdate returns the next state for an Update command. created_at is
// never taken from the client.
func applyUpdate(current Todo, fields contracts.TodoFields, now time.Time) (Todo, error) {
	if fields.Title == nil && fields.Description == nil && fields.Priority == nil &&
		fields.DueDate == nil && fields.IsCompleted == nil {
		return Todo{}, apperr.InvalidInput("fields", "at least one field must be provided")
	}
	next := current
	if err := applyFields(&next, fields); err != nil {
		return Todo{}, err
	}
	return advance(next, now), nil
}

func toggle(current Todo, now time.Time) Todo {
	next := current
	next.IsCompleted = !current.IsCompleted
	return advance(next, now)
}

func complete(current Todo, now time.Time) Todo {
	next := current
	next.IsCompleted = true
	return advance(next, now)
}

func markDeleted(current Todo, now time.Time) Todo {
	next := advance(current, now)
	deletedAt := next.UpdatedAt
	next.DeletedAt = &deletedAt
	return next
}

// advance bumps the version and moves updated_at forward, never behind
// created_at or the previous updated_at.
func advance(t Todo, now time.Time) Todo {
	t.Version++
	updated := now
	if updated.Before(t.UpdatedAt) {
		updated = t.UpdatedAt
	}
	if updated.Before(t.CreatedAt) {
		updated = t.CreatedAt
	}
	t.UpdatedAt = updated
	return t
}

func applyFields(t *Todo, fields contracts.TodoFields) error {
	if fields.Title != nil {
		title, err := normalizeTitle(*fields.Title)
		if err != nil {
			return err
		}
		t.Title = title
	}
	if fields.Description != nil {
		description, err := normalizeDescription(*fields.Description)
		if err != nil {
			return err
		}
		t.Description = description
	}
	if fields.Priority != nil {
		priority, ok := contracts.ParsePriority(*fields.Priority)
		if !ok {
			return apperr.InvalidInput("priority", "priority must be one of [low, medium, high]")
		}
		t.Priority = priority
	}
	if fields.DueDate != nil {
		dueDate, err := normalizeDueDate(*fields.DueDate)
		if err != nil {
			return err
		}
		t.DueDate = dueDate
	}
	if fields.IsCompleted != nil {
		t.IsCompleted = *fields.IsCompleted
	}
	return nil
}

func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", apperr.InvalidInput("title", "title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", apperr.InvalidInput("title", "title must be at most 200 characters")
	}
	return title, nil
}

func normalizeDescription(raw string) (*string, error) {
	description := strings.TrimSpace(raw)
	if description == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return nil, apperr.InvalidInput("description", "description must be at most 2000 characters")
	}
	return &description, nil
}

func normalizeDueDate(raw string) (*string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(contracts.DateLayout, raw)
	if err != nil {
		return nil, apperr.InvalidInput("due_date", "due_date must be a valid calendar date (YYYY-MM-DD)")
	}
	formatted := parsed.Format(contracts.DateLayout)
	return &formatted, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

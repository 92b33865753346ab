package outboxrelay

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/consistency/internal/contracts"
)

const selectPendingSQL = `
SELECT event_id, command_id, aggregate_id, aggregate_version, event_type, payload, created_at
FROM todo_outbox
WHERE published_at IS NULL AND NOT (aggregate_id = ANY($2::text[]))
ORDER BY aggregate_id, aggregate_version
LIMIT $1`

const selectHeldHeadsSQL = `
SELECT DISTINCT ON (aggregate_id)
  event_id, command_id, aggregate_id, aggregate_version, event_type, payload, created_at
FROM todo_outbox
WHERE published_at IS NULL AND aggregate_id = ANY($1::text[])
ORDER BY aggregate_id, aggregate_version`

const markPublishedSQL = `
UPDATE todo_outbox
SET published_at = $2
WHERE event_id = $1 AND published_at IS NULL`

const countPendingSQL = `
SELECT count(*)
FROM todo_outbox
WHERE published_at IS NULL`

type PostgresOutbox struct {
	Pool *pgxpool.Pool
}

func NewPostgresOutbox(pool *pgxpool.Pool) *PostgresOutbox {
	return &PostgresOutbox{Pool: pool}
}

// FetchPending returns up to limit pending events of aggregates not in held,
// plus the oldest pending event of each held aggregate, in
// (aggregate_id, aggregate_version) order.
func (o *PostgresOutbox) FetchPending(ctx context.Context, limit int, held []string) ([]contracts.TodoEvent, error) {
	if held == nil {
		held = []string{}
	}
	events, err := o.query(ctx, selectPendingSQL, limit, held)
	if err != nil {
		return nil, err
	}
	if len(held) > 0 {
		heads, err := o.query(ctx, selectHeldHeadsSQL, held)
		if err != nil {
			return nil, err
		}
		events = append(events, heads...)
		slices.SortFunc(events, func(a, b contracts.TodoEvent) int {
			if c := strings.Compare(a.AggregateID, b.AggregateID); c != 0 {
				return c
			}
			return cmp.Compare(a.AggregateVersion, b.AggregateVersion)
		})
	}
	return events, nil
}

func (o *PostgresOutbox) query(ctx context.Context, sql string, args ...any) ([]contracts.TodoEvent, error) {
	rows, err := o.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []contracts.TodoEvent{}
	for rows.Next() {
		var (
			event     contracts.TodoEvent
			eventType string
			payload   []byte
		)
		if err := rows.Scan(
			&event.EventID,
			&event.CommandID,
			&event.AggregateID,
			&event.AggregateVersion,
			&eventType,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of event %s: %w", event.EventID, err)
		}
		event.EventType = contracts.EventType(eventType)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (o *PostgresOutbox) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	_, err := o.Pool.Exec(ctx, markPublishedSQL, eventID, at)
	return err
}

// PendingCount reports how many events are still waiting for delivery.
func (o *PostgresOutbox) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := o.Pool.QueryRow(ctx, countPendingSQL).Scan(&n)
	return n, err
}

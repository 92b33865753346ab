package domainengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/consistency/internal/contracts"
)

const createTodosTableSQL = `
CREATE TABLE IF NOT EXISTS todos (
  id text PRIMARY KEY,
  title text NOT NULL,
  description text,
  is_completed boolean NOT NULL DEFAULT false,
  priority text NOT NULL DEFAULT 'medium' CHECK (priority IN ('low', 'medium', 'high')),
  due_date date,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  version bigint NOT NULL CHECK (version >= 1),
  deleted_at timestamptz,
  CHECK (updated_at >= created_at)
)`

const createTodosCompletionIndexSQL = `
CREATE INDEX IF NOT EXISTS todos_live_completion_idx
ON todos (is_completed, id)
WHERE deleted_at IS NULL`

const createOutboxTableSQL = `
CREATE TABLE IF NOT EXISTS todo_outbox (
  event_id text PRIMARY KEY,
  command_id text NOT NULL DEFAULT '',
  aggregate_id text NOT NULL,
  aggregate_version bigint NOT NULL,
  event_type text NOT NULL,
  payload jsonb NOT NULL,
  created_at timestamptz NOT NULL,
  published_at timestamptz,
  UNIQUE (aggregate_id, aggregate_version)
)`

const createOutboxPendingIndexSQL = `
CREATE INDEX IF NOT EXISTS todo_outbox_pending_idx
ON todo_outbox (aggregate_id, aggregate_version)
WHERE published_at IS NULL`

const createIdempotencyTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
  command_id text PRIMARY KEY,
  action text NOT NULL,
  result_snapshot bytea NOT NULL,
  created_at timestamptz NOT NULL
)`

const lockCommandSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`

const selectIdempotencySQL = `
SELECT result_snapshot
FROM idempotency_records
WHERE command_id = $1`

const todoColumns = `id, title, description, is_completed, priority, due_date,
  created_at, updated_at, version, deleted_at`

const selectTodoForUpdateSQL = `
SELECT ` + todoColumns + `
FROM todos
WHERE id = $1
FOR UPDATE`

const selectTodosByCompletionSQL = `
SELECT ` + todoColumns + `
FROM todos
WHERE deleted_at IS NULL AND is_completed = $1
ORDER BY id
FOR UPDATE`

const insertTodoSQL = `
INSERT INTO todos (` + todoColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const updateTodoSQL = `
UPDATE todos
SET title = $2,
    description = $3,
    is_completed = $4,
    priority = $5,
    due_date = $6,
    updated_at = $7,
    version = $8,
    deleted_at = $9
WHERE id = $1 AND version = $10`

const insertOutboxSQL = `
INSERT INTO todo_outbox (
  event_id, command_id, aggregate_id, aggregate_version, event_type, payload, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const insertIdempotencySQL = `
INSERT INTO idempotency_records (command_id, action, result_snapshot, created_at)
VALUES ($1, $2, $3, $4)`

// PostgreSQL error codes treated as transient.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// PostgresStore is the aggregate store, outbox and idempotency table backed
// by one Postgres database.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createTodosTableSQL,
		createTodosCompletionIndexSQL,
		createOutboxTableSQL,
		createOutboxPendingIndexSQL,
		createIdempotencyTableSQL,
	} {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// classifyPgError tags retryable driver errors with ErrTransient.
func classifyPgError(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ClaimCommand(ctx context.Context, commandID string) ([]byte, bool, error) {
	if _, err := t.tx.Exec(ctx, lockCommandSQL, commandID); err != nil {
		return nil, false, err
	}
	var stored []byte
	err := t.tx.QueryRow(ctx, selectIdempotencySQL, commandID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func (t *pgTx) LoadTodoForUpdate(ctx context.Context, id string) (Todo, error) {
	todo, err := scanTodo(t.tx.QueryRow(ctx, selectTodoForUpdateSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Todo{}, ErrTodoNotFound
	}
	return todo, err
}

func (t *pgTx) LockTodosByCompletion(ctx context.Context, completed bool) ([]Todo, error) {
	rows, err := t.tx.Query(ctx, selectTodosByCompletionSQL, completed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var todos []Todo
	for rows.Next() {
		todo, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		todos = append(todos, todo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return todos, nil
}

func (t *pgTx) InsertTodo(ctx context.Context, todo Todo) error {
	dueDate, err := contracts.ParseDate(todo.DueDate)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, insertTodoSQL,
		todo.ID,
		todo.Title,
		todo.Description,
		todo.IsCompleted,
		string(todo.Priority),
		dueDate,
		todo.CreatedAt,
		todo.UpdatedAt,
		todo.Version,
		todo.DeletedAt,
	)
	return err
}

func (t *pgTx) UpdateTodo(ctx context.Context, todo Todo, prevVersion int64) error {
	dueDate, err := contracts.ParseDate(todo.DueDate)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, updateTodoSQL,
		todo.ID,
		todo.Title,
		todo.Description,
		todo.IsCompleted,
		string(todo.Priority),
		dueDate,
		todo.UpdatedAt,
		todo.Version,
		todo.DeletedAt,
		prevVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, event contracts.TodoEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = t.tx.Exec(ctx, insertOutboxSQL,
		event.EventID,
		event.CommandID,
		event.AggregateID,
		event.AggregateVersion,
		string(event.EventType),
		payload,
		event.CreatedAt,
	)
	return err
}

func (t *pgTx) SaveIdempotency(ctx context.Context, record IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx, insertIdempotencySQL,
		record.CommandID,
		string(record.Action),
		record.Result,
		record.CreatedAt,
	)
	return err
}

func scanTodo(row pgx.Row) (Todo, error) {
	var (
		todo     Todo
		priority string
		dueDate  *time.Time
	)
	if err := row.Scan(
		&todo.ID,
		&todo.Title,
		&todo.Description,
		&todo.IsCompleted,
		&priority,
		&dueDate,
		&todo.CreatedAt,
		&todo.UpdatedAt,
		&todo.Version,
		&todo.DeletedAt,
	); err != nil {
		return Todo{}, err
	}
	todo.Priority = contracts.Priority(priority)
	todo.DueDate = contracts.FormatDate(dueDate)
	todo.CreatedAt = todo.CreatedAt.UTC()
	todo.UpdatedAt = todo.UpdatedAt.UTC()
	if todo.DeletedAt != nil {
		deletedAt := todo.DeletedAt.UTC()
		todo.DeletedAt = &deletedAt
	}
	return todo, nil
}


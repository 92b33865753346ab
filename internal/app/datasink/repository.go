package datasink

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/contracts"
)

const createReadModelTableSQL = `
CREATE TABLE IF NOT EXISTS todo_read_model (
  id text PRIMARY KEY,
  title text NOT NULL,
  description text,
  is_completed boolean NOT NULL,
  priority text NOT NULL,
  due_date date,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  deleted_at timestamptz,
  applied_version bigint NOT NULL,
  projected_at timestamptz NOT NULL DEFAULT now()
)`

const createReadModelCreatedIndexSQL = `
CREATE INDEX IF NOT EXISTS todo_read_model_live_created_idx
ON todo_read_model (created_at, id)
WHERE deleted_at IS NULL`

const createReadModelDueIndexSQL = `
CREATE INDEX IF NOT EXISTS todo_read_model_live_due_idx
ON todo_read_model (due_date, id)
WHERE deleted_at IS NULL`

const insertRowSQL = `
INSERT INTO todo_read_model (
  id, title, description, is_completed, priority, due_date,
  created_at, updated_at, deleted_at, applied_version, projected_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title,
    description = EXCLUDED.description,
    is_completed = EXCLUDED.is_completed,
    priority = EXCLUDED.priority,
    due_date = EXCLUDED.due_date,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at,
    deleted_at = EXCLUDED.deleted_at,
    applied_version = EXCLUDED.applied_version,
    projected_at = now()
WHERE todo_read_model.applied_version < EXCLUDED.applied_version
`

const updateRowSQL = `
UPDATE todo_read_model
SET title = $2,
    description = $3,
    is_completed = $4,
    priority = $5,
    due_date = $6,
    created_at = $7,
    updated_at = $8,
    deleted_at = $9,
    applied_version = $10,
    projected_at = now()
WHERE id = $1 AND applied_version < $10
`

const selectAppliedVersionSQL = `
SELECT applied_version
FROM todo_read_model
WHERE id = $1`

type ReadModelRepository struct {
	Pool *pgxpool.Pool
}

func NewReadModelRepository(pool *pgxpool.Pool) *ReadModelRepository {
	return &ReadModelRepository{Pool: pool}
}

func (r *ReadModelRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createReadModelTableSQL,
		createReadModelCreatedIndexSQL,
		createReadModelDueIndexSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReadModelRepository) Upsert(ctx context.Context, row query.TodoView, createIfMissing bool) (Outcome, error) {
	dueDate, err := contracts.ParseDate(row.DueDate)
	if err != nil {
		return 0, err
	}
	stmt := updateRowSQL
	if createIfMissing {
		stmt = insertRowSQL
	}
	tag, err := r.Pool.Exec(ctx, stmt,
		row.ID,
		row.Title,
		row.Description,
		row.IsCompleted,
		string(row.Priority),
		dueDate,
		row.CreatedAt,
		row.UpdatedAt,
		row.DeletedAt,
		row.AppliedVersion,
	)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() > 0 {
		return OutcomeApplied, nil
	}
	if createIfMissing {
		return OutcomeStale, nil
	}

	var applied int64
	err = r.Pool.QueryRow(ctx, selectAppliedVersionSQL, row.ID).Scan(&applied)
	if errors.Is(err, pgx.ErrNoRows) {
		return OutcomeMissing, nil
	}
	if err != nil {
		return 0, err
	}
	if applied >= row.AppliedVersion {
		return OutcomeStale, nil
	}
	// The row appeared after the guarded update ran; let the event retry.
	return OutcomeMissing, nil
}

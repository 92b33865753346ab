package query

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/consistency/internal/contracts"
)

const readModelColumns = `id, title, description, is_completed, priority, due_date,
  created_at, updated_at, deleted_at, applied_version`

// Status is passed as a nullable boolean: NULL matches both.
const countTodosSQL = `
SELECT count(*)
FROM todo_read_model
WHERE deleted_at IS NULL AND ($1::boolean IS NULL OR is_completed = $1::boolean)`

const listTodosSQL = `
SELECT ` + readModelColumns + `
FROM todo_read_model
WHERE deleted_at IS NULL AND ($1::boolean IS NULL OR is_completed = $1::boolean)
`

const statsSQL = `
SELECT count(*) FILTER (WHERE NOT is_completed),
       count(*) FILTER (WHERE is_completed)
FROM todo_read_model
WHERE deleted_at IS NULL`

const getTodoSQL = `
SELECT ` + readModelColumns + `
FROM todo_read_model
WHERE id = $1`

const pgUndefinedTable = "42P01"

type TodoRepository struct {
	Pool *pgxpool.Pool
}

func NewTodoRepository(pool *pgxpool.Pool) *TodoRepository {
	return &TodoRepository{Pool: pool}
}

func (r *TodoRepository) ListTodos(ctx context.Context, q ListQuery) ([]TodoView, int, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	completed := completedArg(q.Status)
	var total int
	if err := tx.QueryRow(ctx, countTodosSQL, completed).Scan(&total); err != nil {
		if isUndefinedTable(err) {
			return []TodoView{}, 0, nil
		}
		return nil, 0, err
	}

	rows, err := tx.Query(ctx, listTodosSQL+orderByClause(q)+"\nLIMIT $2 OFFSET $3", completed, q.Limit, q.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := make([]TodoView, 0, q.Limit)
	for rows.Next() {
		view, err := scanView(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, view)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (r *TodoRepository) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := r.Pool.QueryRow(ctx, statsSQL).Scan(&stats.Pending, &stats.Completed)
	if err != nil {
		if isUndefinedTable(err) {
			// Read model not provisioned yet.
			return Stats{}, nil
		}
		return Stats{}, err
	}
	stats.Total = stats.Pending + stats.Completed
	return stats, nil
}

func (r *TodoRepository) GetTodo(ctx context.Context, id string) (TodoView, error) {
	view, err := scanView(r.Pool.QueryRow(ctx, getTodoSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
			return TodoView{}, ErrTodoNotFound
		}
		return TodoView{}, err
	}
	if view.DeletedAt != nil {
		return TodoView{}, ErrTodoNotFound
	}
	return view, nil
}

// orderByClause only ever interpolates validated enum values.
func orderByClause(q ListQuery) string {
	primary := "created_at DESC"
	switch {
	case q.Sort == SortDueDate && q.Order == OrderAsc:
		primary = "due_date ASC NULLS LAST"
	case q.Sort == SortDueDate:
		primary = "due_date DESC NULLS FIRST"
	case q.Order == OrderAsc:
		primary = "created_at ASC"
	}
	return "ORDER BY " + primary + `, id COLLATE "C" ASC`
}

func completedArg(status StatusFilter) *bool {
	var completed bool
	switch status {
	case StatusPending:
		completed = false
	case StatusCompleted:
		completed = true
	default:
		return nil
	}
	return &completed
}

func scanView(row pgx.Row) (TodoView, error) {
	var (
		view     TodoView
		priority string
		dueDate  *time.Time
	)
	if err := row.Scan(
		&view.ID,
		&view.Title,
		&view.Description,
		&view.IsCompleted,
		&priority,
		&dueDate,
		&view.CreatedAt,
		&view.UpdatedAt,
		&view.DeletedAt,
		&view.AppliedVersion,
	); err != nil {
		return TodoView{}, err
	}
	view.Priority = contracts.Priority(priority)
	view.DueDate = contracts.FormatDate(dueDate)
	view.CreatedAt = view.CreatedAt.UTC()
	view.UpdatedAt = view.UpdatedAt.UTC()
	return view, nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

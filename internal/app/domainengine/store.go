package domainengine

import (
	"context"
	"errors"
	"time"

	"github.com/todo-1m/consistency/internal/contracts"
)

var (
	// ErrTodoNotFound is returned by Tx.LoadTodoForUpdate when no row exists.
	ErrTodoNotFound = errors.New("todo not found")

	// ErrTransient marks storage failures that are safe to retry with a fresh
	// transaction (serialization failures, deadlocks, dropped connections).
	ErrTransient = errors.New("transient storage failure")

	// ErrVersionConflict means the row changed between load and write.
	ErrVersionConflict = errors.New("aggregate version changed concurrently")
)

// IsTransient reports whether a failed transaction may be retried verbatim.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrVersionConflict)
}

// IdempotencyRecord stores the response returned the first time a command_id
// was accepted.
type IdempotencyRecord struct {
	CommandID string
	Action    contracts.Action
	Result    []byte
	CreatedAt time.Time
}

// Store runs fn inside one transaction. A non-nil error from fn, or from the
// commit, rolls back every write fn made.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write-side view of the aggregate store, outbox and idempotency
// table inside a single transaction.
type Tx interface {
	// ClaimCommand serializes transactions carrying the same command_id and
	// returns the stored result when the command was already accepted.
	ClaimCommand(ctx context.Context, commandID string) (stored []byte, found bool, err error)
	// LoadTodoForUpdate returns the row, soft-deleted or not, and holds its
	// lock until the transaction ends.
	LoadTodoForUpdate(ctx context.Context, id string) (Todo, error)
	// LockTodosByCompletion locks and returns every non-deleted row whose
	// is_completed equals completed, ordered by id.
	LockTodosByCompletion(ctx context.Context, completed bool) ([]Todo, error)
	InsertTodo(ctx context.Context, todo Todo) error
	// UpdateTodo writes todo when the stored version still equals prevVersion,
	// otherwise it returns ErrVersionConflict.
	UpdateTodo(ctx context.Context, todo Todo, prevVersion int64) error
	AppendOutbox(ctx context.Context, event contracts.TodoEvent) error
	SaveIdempotency(ctx context.Context, record IdempotencyRecord) error
}

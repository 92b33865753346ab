// Package memstore keeps the aggregate store, outbox, idempotency records and
// read model in process memory. Write transactions are serialized; each one
// works on staged copies that are published only on commit.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/todo-1m/consistency/internal/app/datasink"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/contracts"
)

// Op names an operation that can be made to fail with FailNext.
type Op string

const (
	OpClaimCommand    Op = "claim_command"
	OpLoadTodo        Op = "load_todo"
	OpLockTodos       Op = "lock_todos"
	OpInsertTodo      Op = "insert_todo"
	OpUpdateTodo      Op = "update_todo"
	OpAppendOutbox    Op = "append_outbox"
	OpSaveIdempotency Op = "save_idempotency"
	OpCommit          Op = "commit"
	OpFetchPending    Op = "fetch_pending"
	OpMarkPublished   Op = "mark_published"
	OpUpsert          Op = "upsert"
	OpListTodos       Op = "list_todos"
)

type Store struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	todos       map[string]domainengine.Todo
	outbox      []contracts.TodoEvent
	idempotency map[string]domainengine.IdempotencyRecord
	readModel   map[string]query.TodoView
	faults      map[Op][]error
}

func New() *Store {
	return &Store{
		todos:       map[string]domainengine.Todo{},
		idempotency: map[string]domainengine.IdempotencyRecord{},
		readModel:   map[string]query.TodoView{},
		faults:      map[Op][]error{},
	}
}

// FailNext queues err to be returned by the next call of op. Queued errors are
// consumed in order; a nil entry lets one call through.
func (s *Store) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

func (s *Store) fault(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domainengine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		store:       s,
		todos:       map[string]domainengine.Todo{},
		idempotency: map[string]domainengine.IdempotencyRecord{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fault(OpCommit); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, todo := range tx.todos {
		s.todos[id] = todo
	}
	s.outbox = append(s.outbox, tx.outbox...)
	for id, record := range tx.idempotency {
		s.idempotency[id] = record
	}
	return nil
}

type memTx struct {
	store       *Store
	todos       map[string]domainengine.Todo
	outbox      []contracts.TodoEvent
	idempotency map[string]domainengine.IdempotencyRecord
}

func (t *memTx) ClaimCommand(_ context.Context, commandID string) ([]byte, bool, error) {
	if err := t.store.fault(OpClaimCommand); err != nil {
		return nil, false, err
	}
	if record, ok := t.idempotency[commandID]; ok {
		return slices.Clone(record.Result), true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	record, ok := t.store.idempotency[commandID]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(record.Result), true, nil
}

func (t *memTx) LoadTodoForUpdate(_ context.Context, id string) (domainengine.Todo, error) {
	if err := t.store.fault(OpLoadTodo); err != nil {
		return domainengine.Todo{}, err
	}
	todo, ok := t.lookup(id)
	if !ok {
		return domainengine.Todo{}, domainengine.ErrTodoNotFound
	}
	return todo, nil
}

func (t *memTx) LockTodosByCompletion(_ context.Context, completed bool) ([]domainengine.Todo, error) {
	if err := t.store.fault(OpLockTodos); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	ids := make([]string, 0, len(t.store.todos)+len(t.todos))
	for id := range t.store.todos {
		ids = append(ids, id)
	}
	t.store.mu.RUnlock()
	for id := range t.todos {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var matched []domainengine.Todo
	for _, id := range ids {
		todo, ok := t.lookup(id)
		if !ok || todo.Deleted() || todo.IsCompleted != completed {
			continue
		}
		matched = append(matched, todo)
	}
	return matched, nil
}

func (t *memTx) InsertTodo(_ context.Context, todo domainengine.Todo) error {
	if err := t.store.fault(OpInsertTodo); err != nil {
		return err
	}
	if _, exists := t.lookup(todo.ID); exists {
		return errors.New("memstore: duplicate todo id " + todo.ID)
	}
	t.todos[todo.ID] = todo
	return nil
}

func (t *memTx) UpdateTodo(_ context.Context, todo domainengine.Todo, prevVersion int64) error {
	if err := t.store.fault(OpUpdateTodo); err != nil {
		return err
	}
	current, ok := t.lookup(todo.ID)
	if !ok || current.Version != prevVersion {
		return domainengine.ErrVersionConflict
	}
	t.todos[todo.ID] = todo
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, event contracts.TodoEvent) error {
	if err := t.store.fault(OpAppendOutbox); err != nil {
		return err
	}
	t.outbox = append(t.outbox, event)
	return nil
}

func (t *memTx) SaveIdempotency(_ context.Context, record domainengine.IdempotencyRecord) error {
	if err := t.store.fault(OpSaveIdempotency); err != nil {
		return err
	}
	if _, exists := t.idempotency[record.CommandID]; exists {
		return errors.New("memstore: duplicate command id " + record.CommandID)
	}
	record.Result = slices.Clone(record.Result)
	t.idempotency[record.CommandID] = record
	return nil
}

func (t *memTx) lookup(id string) (domainengine.Todo, bool) {
	if todo, ok := t.todos[id]; ok {
		return todo, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	todo, ok := t.store.todos[id]
	return todo, ok
}

func (s *Store) FetchPending(_ context.Context, limit int, held []string) ([]contracts.TodoEvent, error) {
	if err := s.fault(OpFetchPending); err != nil {
		return nil, err
	}
	s.mu.RLock()
	pending := make([]contracts.TodoEvent, 0, len(s.outbox))
	for _, event := range s.outbox {
		if event.PublishedAt == nil {
			pending = append(pending, event)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(pending, func(a, b contracts.TodoEvent) int {
		if c := strings.Compare(a.AggregateID, b.AggregateID); c != 0 {
			return c
		}
		return cmp.Compare(a.AggregateVersion, b.AggregateVersion)
	})

	var (
		out   []contracts.TodoEvent
		heads = map[string]bool{}
		free  int
	)
	for _, event := range pending {
		if slices.Contains(held, event.AggregateID) {
			if !heads[event.AggregateID] {
				heads[event.AggregateID] = true
				out = append(out, event)
			}
			continue
		}
		if limit > 0 && free >= limit {
			continue
		}
		free++
		out = append(out, event)
	}
	if out == nil {
		out = []contracts.TodoEvent{}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, eventID string, at time.Time) error {
	if err := s.fault(OpMarkPublished); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].EventID == eventID && s.outbox[i].PublishedAt == nil {
			published := at
			s.outbox[i].PublishedAt = &published
		}
	}
	return nil
}

// PendingCount reports how many outbox events are not yet published.
func (s *Store) PendingCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, event := range s.outbox {
		if event.PublishedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) Upsert(_ context.Context, row query.TodoView, createIfMissing bool) (datasink.Outcome, error) {
	if err := s.fault(OpUpsert); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.readModel[row.ID]
	switch {
	case !ok && !createIfMissing:
		return datasink.OutcomeMissing, nil
	case ok && existing.AppliedVersion >= row.AppliedVersion:
		return datasink.OutcomeStale, nil
	}
	s.readModel[row.ID] = row
	return datasink.OutcomeApplied, nil
}

func (s *Store) ListTodos(_ context.Context, q query.ListQuery) ([]query.TodoView, int, error) {
	if err := s.fault(OpListTodos); err != nil {
		return nil, 0, err
	}
	page, total := query.EvaluateList(s.readRows(), q)
	return page, total, nil
}

func (s *Store) Stats(_ context.Context) (query.Stats, error) {
	return query.EvaluateStats(s.readRows()), nil
}

func (s *Store) GetTodo(_ context.Context, id string) (query.TodoView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.readModel[id]
	if !ok || row.DeletedAt != nil {
		return query.TodoView{}, query.ErrTodoNotFound
	}
	return row, nil
}

// PutReadRow stores row unguarded, for seeding the read model directly.
func (s *Store) PutReadRow(row query.TodoView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readModel[row.ID] = row
}

// ReadRow returns the read-model row for id, tombstoned or not.
func (s *Store) ReadRow(id string) (query.TodoView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.readModel[id]
	return row, ok
}

// Todo returns the committed aggregate row for id.
func (s *Store) Todo(id string) (domainengine.Todo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	todo, ok := s.todos[id]
	return todo, ok
}

// Outbox returns a copy of every committed outbox event in append order.
func (s *Store) Outbox() []contracts.TodoEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.outbox)
}

// IdempotencyRecords reports how many command results are stored.
func (s *Store) IdempotencyRecords() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idempotency)
}

func (s *Store) readRows() []query.TodoView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]query.TodoView, 0, len(s.readModel))
	for _, row := range s.readModel {
		rows = append(rows, row)
	}
	return rows
}

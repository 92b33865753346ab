//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/consistency/internal/app/datasink"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/outboxrelay"
	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/config"
	"github.com/todo-1m/consistency/internal/platform/dbpool"
	"go.uber.org/zap/zaptest"
)

type stack struct {
	pool    *pgxpool.Pool
	handler *domainengine.Handler
	bulk    *domainengine.BulkCoordinator
	relay   *outboxrelay.Relay
	outbox  *outboxrelay.PostgresOutbox
	queries *query.Service
}

// newStack builds the pipeline against Postgres inside a fresh schema, so
// runs do not see each other's rows.
func newStack(t *testing.T) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL is not set")
	}
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	schema := fmt.Sprintf("it_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, databaseURL)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	scoped, err := url.Parse(databaseURL)
	require.NoError(t, err)
	params := scoped.Query()
	params.Set("search_path", schema)
	scoped.RawQuery = params.Encode()

	cfg, err := config.Parse()
	require.NoError(t, err)
	pool, err := dbpool.New(ctx, scoped.String(), cfg.DB)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := domainengine.NewPostgresStore(pool)
	readModel := datasink.NewReadModelRepository(pool)
	require.NoError(t, dbpool.WaitReady(ctx, pool, logger, 10*time.Second, store.EnsureSchema, readModel.EnsureSchema))

	outbox := outboxrelay.NewPostgresOutbox(pool)
	applier := datasink.NewApplier(readModel, logger)
	return &stack{
		pool:    pool,
		handler: domainengine.NewHandler(store, logger),
		bulk:    domainengine.NewBulkCoordinator(store, logger),
		relay:   outboxrelay.NewRelay(outbox, outboxrelay.DeliverFunc(applier.Apply), logger),
		outbox:  outbox,
		queries: query.NewService(query.NewTodoRepository(pool), logger),
	}
}

func (s *stack) drain(t *testing.T) {
	t.Helper()
	for {
		stats, err := s.relay.DrainOnce(context.Background())
		require.NoError(t, err)
		require.Zero(t, stats.Failed)
		if stats.Fetched == 0 {
			return
		}
	}
}

func (s *stack) create(t *testing.T, commandID, title string) contracts.TodoSnapshot {
	t.Helper()
	res, err := s.handler.Handle(context.Background(), contracts.TodoCommand{
		CommandID: commandID,
		Action:    contracts.ActionCreate,
		Fields:    contracts.TodoFields{Title: &title},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Todo)
	return *res.Todo
}

func TestCommandToProjection(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	todo := s.create(t, "cmd-create", "Buy milk")
	assert.Equal(t, int64(1), todo.Version)

	high := "high"
	updated, err := s.handler.Handle(ctx, contracts.TodoCommand{
		CommandID: "cmd-update",
		Action:    contracts.ActionUpdate,
		TodoID:    todo.ID,
		Fields:    contracts.TodoFields{Priority: &high},
	})
	require.NoError(t, err)
	// The create response was built before the row went through Postgres.
	assert.True(t, todo.CreatedAt.Equal(updated.Todo.CreatedAt), "create %s, update %s", todo.CreatedAt, updated.Todo.CreatedAt)
	_, err = s.handler.Handle(ctx, contracts.TodoCommand{CommandID: "cmd-toggle", Action: contracts.ActionToggle, TodoID: todo.ID})
	require.NoError(t, err)

	pending, err := s.outbox.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	s.drain(t)

	item, err := s.queries.GetTodo(ctx, todo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), item.Version)
	assert.True(t, todo.CreatedAt.Equal(item.CreatedAt))
	assert.True(t, item.IsCompleted)
	assert.Equal(t, contracts.PriorityHigh, item.Priority)

	_, err = s.handler.Handle(ctx, contracts.TodoCommand{CommandID: "cmd-delete", Action: contracts.ActionDelete, TodoID: todo.ID})
	require.NoError(t, err)
	s.drain(t)

	_, err = s.queries.GetTodo(ctx, todo.ID)
	assert.ErrorIs(t, err, query.ErrTodoNotFound)
	stats, err := s.queries.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, query.Stats{}, stats)
}

func TestReplayReturnsStoredBytes(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	title := "Buy milk"
	cmd := contracts.TodoCommand{CommandID: "cmd-replay", Action: contracts.ActionCreate, Fields: contracts.TodoFields{Title: &title}}

	first, err := s.handler.Handle(ctx, cmd)
	require.NoError(t, err)
	second, err := s.handler.Handle(ctx, cmd)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, string(first.Encoded), string(second.Encoded))
	pending, err := s.outbox.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestConcurrentTogglesSerialize(t *testing.T) {
	s := newStack(t)
	todo := s.create(t, "cmd-create", "Buy milk")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.handler.Handle(context.Background(), contracts.TodoCommand{
				CommandID: fmt.Sprintf("cmd-toggle-%d", i),
				Action:    contracts.ActionToggle,
				TodoID:    todo.ID,
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	s.drain(t)
	item, err := s.queries.GetTodo(context.Background(), todo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), item.Version)
	assert.False(t, item.IsCompleted, "an even number of toggles ends where it started")
}

func TestBulkAndPagination(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	for i := range 25 {
		s.create(t, fmt.Sprintf("cmd-%02d", i), fmt.Sprintf("todo %02d", i))
	}

	res, err := s.bulk.MarkAllCompleted(ctx, "bulk-complete")
	require.NoError(t, err)
	assert.Equal(t, 25, res.Count)
	s.create(t, "cmd-late", "late")
	s.drain(t)

	seen := map[string]bool{}
	for page := 1; ; page++ {
		req := query.NewListRequest()
		req.Status = "completed"
		req.Limit = 10
		req.Page = page
		resp, err := s.queries.List(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 25, resp.Pagination.Total)
		assert.Equal(t, 3, resp.Pagination.TotalPages)
		if len(resp.Data) == 0 {
			break
		}
		for _, item := range resp.Data {
			assert.False(t, seen[item.ID], "item %s appears on two pages", item.ID)
			seen[item.ID] = true
		}
	}
	assert.Len(t, seen, 25)

	cleared, err := s.bulk.ClearCompleted(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 25, cleared.Count)
	s.drain(t)

	stats, err := s.queries.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, query.Stats{Pending: 1, Completed: 0, Total: 1}, stats)
}

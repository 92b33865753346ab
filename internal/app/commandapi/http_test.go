package commandapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/consistency/internal/app/commandapi"
	"github.com/todo-1m/consistency/internal/app/datasink"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/outboxrelay"
	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/platform/memstore"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	t      *testing.T
	store  *memstore.Store
	relay  *outboxrelay.Relay
	router http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memstore.New()
	handler := domainengine.NewHandler(store, logger)
	bulk := domainengine.NewBulkCoordinator(store, logger)
	applier := datasink.NewApplier(store, logger)
	relay := outboxrelay.NewRelay(store, outboxrelay.DeliverFunc(applier.Apply), logger)

	service := commandapi.NewService(handler, bulk)
	api := commandapi.NewHandler(service, query.NewService(store, logger), "http://localhost:8081", logger)
	return &harness{t: t, store: store, relay: relay, router: api.Router()}
}

func (h *harness) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *harness) drain() {
	h.t.Helper()
	_, err := h.relay.DrainOnce(context.Background())
	require.NoError(h.t, err)
}

func (h *harness) create(title string) string {
	h.t.Helper()
	rr := h.do(http.MethodPost, "/api/v1/todos", `{"title":"`+title+`"}`)
	require.Equal(h.t, http.StatusCreated, rr.Code, rr.Body.String())
	var res domainengine.Result
	require.NoError(h.t, json.Unmarshal(rr.Body.Bytes(), &res))
	return res.Todo.ID
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env
}

func TestCreateTodo(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodPost, "/api/v1/todos", `{"title":"Buy milk","priority":"high","due_date":"2026-03-01"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Empty(t, rr.Header().Get("Idempotent-Replayed"))

	var res domainengine.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.NotEmpty(t, res.CommandID)
	require.NotNil(t, res.Todo)
	assert.Equal(t, "Buy milk", res.Todo.Title)
	assert.Equal(t, int64(1), res.Todo.Version)
}

func TestCreateReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t)

	first := h.do(http.MethodPost, "/api/v1/todos", `{"title":"Buy milk"}`, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := h.do(http.MethodPost, "/api/v1/todos", `{"title":"Buy bread"}`, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.True(t, bytes.Equal(first.Body.Bytes(), second.Body.Bytes()))
	assert.Len(t, h.store.Outbox(), 1)
}

func TestBodyCommandIDIsUsedWithoutHeader(t *testing.T) {
	h := newHarness(t)

	first := h.do(http.MethodPost, "/api/v1/todos", `{"command_id":"body-1","title":"Buy milk"}`)
	second := h.do(http.MethodPost, "/api/v1/todos", `{"command_id":"body-1","title":"Buy milk"}`)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Len(t, h.store.Outbox(), 1)
}

func TestCreateValidationErrors(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodPost, "/api/v1/todos", `{invalid`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, rr).Error.Code)

	rr = h.do(http.MethodPost, "/api/v1/todos", `{"title":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	env := decodeError(t, rr)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
	assert.Equal(t, "title", env.Error.Field)
	assert.Equal(t, "title is required", env.Error.Message)

	assert.Empty(t, h.store.Outbox())
}

func TestUpdateToggleDelete(t *testing.T) {
	h := newHarness(t)
	id := h.create("Buy milk")

	rr := h.do(http.MethodPatch, "/api/v1/todos/"+id, `{"title":"Buy oat milk","description":""}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = h.do(http.MethodPost, "/api/v1/todos/"+id+"/toggle", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var toggled domainengine.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &toggled))
	assert.True(t, toggled.Todo.IsCompleted)
	assert.Equal(t, int64(3), toggled.Todo.Version)

	rr = h.do(http.MethodDelete, "/api/v1/todos/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var deleted domainengine.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &deleted))
	require.NotNil(t, deleted.Deletion)
	assert.Equal(t, id, deleted.Deletion.ID)
	assert.Equal(t, int64(4), deleted.Deletion.Version)

	rr = h.do(http.MethodDelete, "/api/v1/todos/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"already_deleted":true`)

	rr = h.do(http.MethodPatch, "/api/v1/todos/"+id, `{"title":"zombie"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rr).Error.Code)
}

func TestBulkEndpoints(t *testing.T) {
	h := newHarness(t)
	h.create("a")
	h.create("b")

	rr := h.do(http.MethodPost, "/api/v1/todos/complete-all", "", "Idempotency-Key", "bulk-1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"command_id":"bulk-1","action":"mark-all-completed","count":2}`, rr.Body.String())

	rr = h.do(http.MethodPost, "/api/v1/todos/complete-all", "", "Idempotency-Key", "bulk-1")
	assert.Equal(t, "true", rr.Header().Get("Idempotent-Replayed"))

	rr = h.do(http.MethodPost, "/api/v1/todos/clear-completed", `{}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"action":"clear-completed","count":2}`, rr.Body.String())
}

func TestListAndStats(t *testing.T) {
	h := newHarness(t)
	for _, title := range []string{"a", "b", "c"} {
		h.create(title)
	}
	rr := h.do(http.MethodPost, "/api/v1/todos/complete-all", "")
	require.Equal(t, http.StatusOK, rr.Code)
	h.create("d")
	h.drain()

	rr = h.do(http.MethodGet, "/api/v1/todos?status=pending&limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var list query.ListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, query.Pagination{Page: 1, Limit: 2, Total: 1, TotalPages: 1}, list.Pagination)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "d", list.Data[0].Title)

	rr = h.do(http.MethodGet, "/api/v1/todos/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"pending":1,"completed":3,"total":4}`, rr.Body.String())

	rr = h.do(http.MethodGet, "/api/v1/todos/"+list.Data[0].ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"pending"`)
}

func TestListInvalidParameters(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		query string
		field string
	}{
		{"limit=0", "limit"},
		{"limit=101", "limit"},
		{"limit=abc", "limit"},
		{"page=0", "page"},
		{"page=4611686018427387904&limit=4", "page"},
		{"status=archived", "status"},
		{"sort=title", "sort"},
		{"order=sideways", "order"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := h.do(http.MethodGet, "/api/v1/todos?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			env := decodeError(t, rr)
			assert.Equal(t, "INVALID_PARAMETER", env.Error.Code)
			assert.Equal(t, tt.field, env.Error.Field)
		})
	}
}

func TestGetMissingTodo(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/v1/todos/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rr).Error.Code)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	h := newHarness(t)
	h.store.FailNext(memstore.OpListTodos, errors.New("pq: password authentication failed"))

	rr := h.do(http.MethodGet, "/api/v1/todos", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	env := decodeError(t, rr)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	assert.NotContains(t, env.Error.Message, "password")
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodOptions, "/api/v1/todos", "", "Origin", "http://127.0.0.1:8081", "Access-Control-Request-Headers", "Idempotency-Key")

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://127.0.0.1:8081", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Idempotency-Key", rr.Header().Get("Access-Control-Allow-Headers"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestCORSUnknownOriginGetsConfiguredOrigin(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/v1/todos/stats", "", "Origin", "https://evil.example")
	assert.Equal(t, "http://localhost:8081", rr.Header().Get("Access-Control-Allow-Origin"))
}

package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/apperr"
	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
)

type Handler struct {
	Service       *Service
	Queries       TodoQueries
	AllowedOrigin string
	Logger        *zap.Logger
}

func NewHandler(service *Service, queries TodoQueries, allowedOrigin string, logger *zap.Logger) *Handler {
	return &Handler{
		Service:       service,
		Queries:       queries,
		AllowedOrigin: allowedOrigin,
		Logger:        logging.OrNop(logger),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)

	r.Route("/api/v1/todos", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/stats", h.handleStats)
		r.Post("/complete-all", h.handleMarkAllCompleted)
		r.Post("/clear-completed", h.handleClearCompleted)
		r.Get("/{todoID}", h.handleGet)
		r.Patch("/{todoID}", h.handleUpdate)
		r.Delete("/{todoID}", h.handleDelete)
		r.Post("/{todoID}/toggle", h.handleToggle)
	})
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req TodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("", "invalid JSON payload"))
		return
	}
	h.runCommand(w, r, http.StatusCreated, contracts.TodoCommand{
		CommandID: h.Service.CommandID(r.Header.Get(idempotencyKeyHeader), req.CommandID),
		Action:    contracts.ActionCreate,
		Fields:    req.TodoFields,
	})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req TodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("", "invalid JSON payload"))
		return
	}
	h.runCommand(w, r, http.StatusOK, contracts.TodoCommand{
		CommandID: h.Service.CommandID(r.Header.Get(idempotencyKeyHeader), req.CommandID),
		Action:    contracts.ActionUpdate,
		TodoID:    chi.URLParam(r, "todoID"),
		Fields:    req.TodoFields,
	})
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	h.runSimpleCommand(w, r, contracts.ActionToggle)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.runSimpleCommand(w, r, contracts.ActionDelete)
}

func (h *Handler) runSimpleCommand(w http.ResponseWriter, r *http.Request, action contracts.Action) {
	req, err := decodeOptional(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.runCommand(w, r, http.StatusOK, contracts.TodoCommand{
		CommandID: h.Service.CommandID(r.Header.Get(idempotencyKeyHeader), req.CommandID),
		Action:    action,
		TodoID:    chi.URLParam(r, "todoID"),
	})
}

func (h *Handler) runCommand(w http.ResponseWriter, r *http.Request, status int, cmd contracts.TodoCommand) {
	result, err := h.Service.Execute(r.Context(), cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStored(w, status, result.Encoded, result.Replayed)
}

func (h *Handler) handleMarkAllCompleted(w http.ResponseWriter, r *http.Request) {
	h.runBulk(w, r, h.Service.MarkAllCompleted)
}

func (h *Handler) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	h.runBulk(w, r, h.Service.ClearCompleted)
}

func (h *Handler) runBulk(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, commandID string) (domainengine.BulkResult, error)) {
	req, err := decodeOptional(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Bulk calls are only idempotent when the client names the command.
	commandID := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if commandID == "" {
		commandID = strings.TrimSpace(req.CommandID)
	}
	result, err := run(r.Context(), commandID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStored(w, http.StatusOK, result.Encoded, result.Replayed)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	req, err := query.ParseListRequest(r.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.Queries.List(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queries.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	item, err := h.Queries.GetTodo(r.Context(), chi.URLParam(r, "todoID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request) (CommandRequest, error) {
	var req CommandRequest
	if r.Body == nil {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return CommandRequest{}, apperr.InvalidInput("", "invalid JSON payload")
	}
	return req, nil
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", replayedHeader)

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+idempotencyKeyHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeStored writes a stored command result byte for byte.
func (h *Handler) writeStored(w http.ResponseWriter, status int, body []byte, replayed bool) {
	w.Header().Set("Content-Type", "application/json")
	if replayed {
		w.Header().Set(replayedHeader, "true")
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type errorBody struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Code: kind, Message: err.Error(), Field: apperr.FieldOf(err)}
	if kind == apperr.KindInternal {
		logging.OrNop(h.Logger).Error("request failed", zap.Error(err))
		body.Message = "internal server error"
	}
	h.writeJSON(w, statusForKind(kind), errorEnvelope{Error: body})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput, apperr.KindInvalidParameter:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/todo-1m/consistency/internal/apperr"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrTodoNotFound = errors.New("todo not found")

var tracer = otel.Tracer("github.com/todo-1m/consistency/internal/app/query")

// Reader is the read-model storage port. ListTodos must compute the page and
// the total from one consistent snapshot.
type Reader interface {
	ListTodos(ctx context.Context, q ListQuery) ([]TodoView, int, error)
	Stats(ctx context.Context) (Stats, error)
	// GetTodo returns ErrTodoNotFound for missing and tombstoned rows.
	GetTodo(ctx context.Context, id string) (TodoView, error)
}

type Service struct {
	Reader Reader
	Logger *zap.Logger
	Now    func() time.Time
}

func NewService(reader Reader, logger *zap.Logger) *Service {
	return &Service{
		Reader: reader,
		Logger: logging.OrNop(logger),
		Now:    time.Now,
	}
}

func (s *Service) List(ctx context.Context, req ListRequest) (ListResponse, error) {
	q, err := req.Validate()
	if err != nil {
		return ListResponse{}, err
	}

	ctx, span := tracer.Start(ctx, "query.List", trace.WithAttributes(
		attribute.String("todo.status", string(q.Status)),
		attribute.String("todo.sort", string(q.Sort)),
		attribute.String("todo.order", string(q.Order)),
		attribute.Int("todo.page", q.Page),
		attribute.Int("todo.limit", q.Limit),
	))
	defer span.End()

	started := s.Now()
	rows, total, err := s.Reader.ListTodos(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger().Error("list todos failed", zap.Error(err))
		return ListResponse{}, apperr.Internal("failed to list todos", err)
	}

	items := make([]TodoItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.Item())
	}
	s.logger().Debug("list todos",
		zap.Duration("duration", s.Now().Sub(started)),
		zap.Int("records", len(items)),
		zap.Int("total", total),
		zap.String("status", string(q.Status)),
		zap.String("sort", string(q.Sort)),
		zap.String("order", string(q.Order)),
	)
	return ListResponse{Data: items, Pagination: NewPagination(q.Page, q.Limit, total)}, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.Reader.Stats(ctx)
	if err != nil {
		s.logger().Error("todo stats failed", zap.Error(err))
		return Stats{}, apperr.Internal("failed to compute todo stats", err)
	}
	return stats, nil
}

func (s *Service) GetTodo(ctx context.Context, id string) (TodoItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return TodoItem{}, apperr.InvalidParameter("id", "id is required")
	}
	row, err := s.Reader.GetTodo(ctx, id)
	if errors.Is(err, ErrTodoNotFound) {
		return TodoItem{}, &apperr.Error{Kind: apperr.KindNotFound, Message: "todo not found", Err: err}
	}
	if err != nil {
		s.logger().Error("get todo failed", zap.String("todo_id", id), zap.Error(err))
		return TodoItem{}, apperr.Internal("failed to load todo", err)
	}
	return row.Item(), nil
}

func (s *Service) logger() *zap.Logger {
	return logging.OrNop(s.Logger)
}

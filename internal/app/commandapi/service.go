package commandapi

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/contracts"
)

type CommandHandler interface {
	Handle(ctx context.Context, cmd contracts.TodoCommand) (domainengine.Result, error)
}

type BulkRunner interface {
	MarkAllCompleted(ctx context.Context, commandID string) (domainengine.BulkResult, error)
	ClearCompleted(ctx context.Context, commandID string) (domainengine.BulkResult, error)
}

type TodoQueries interface {
	List(ctx context.Context, req query.ListRequest) (query.ListResponse, error)
	Stats(ctx context.Context) (query.Stats, error)
	GetTodo(ctx context.Context, id string) (query.TodoItem, error)
}

// TodoRequest is the body of create and update calls.
type TodoRequest struct {
	CommandID string `json:"command_id"`
	contracts.TodoFields
}

// CommandRequest is the optional body of toggle, delete and bulk calls.
type CommandRequest struct {
	CommandID string `json:"command_id"`
}

// Service turns HTTP input into commands and runs them under a deadline.
type Service struct {
	Commands CommandHandler
	Bulk     BulkRunner
	Timeout  time.Duration
	NewID    func() string
}

func NewService(commands CommandHandler, bulk BulkRunner) *Service {
	return &Service{
		Commands: commands,
		Bulk:     bulk,
		Timeout:  5 * time.Second,
		NewID:    nuid.Next,
	}
}

// CommandID picks the Idempotency-Key header, then the body value, and
// generates an id when neither is set.
func (s *Service) CommandID(idempotencyKey, bodyCommandID string) string {
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		return key
	}
	if id := strings.TrimSpace(bodyCommandID); id != "" {
		return id
	}
	return s.NewID()
}

func (s *Service) Execute(ctx context.Context, cmd contracts.TodoCommand) (domainengine.Result, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.Commands.Handle(ctx, cmd)
}

func (s *Service) MarkAllCompleted(ctx context.Context, commandID string) (domainengine.BulkResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.Bulk.MarkAllCompleted(ctx, commandID)
}

func (s *Service) ClearCompleted(ctx context.Context, commandID string) (domainengine.BulkResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.Bulk.ClearCompleted(ctx, commandID)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Timeout)
}

package datasink

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/todo-1m/consistency/internal/contracts"
)

// Service decodes broker payloads and hands them to the applier.
type Service struct {
	Applier *Applier
}

func NewService(applier *Applier) *Service {
	return &Service{Applier: applier}
}

func (s *Service) Handle(ctx context.Context, payload []byte) error {
	var event contracts.TodoEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	return s.Applier.Apply(ctx, event)
}

// Disposition is what a broker consumer does with a message after Handle.
type Disposition int

const (
	Ack Disposition = iota
	// Redeliver later; the row it needs has not been projected yet.
	Delay
	// Redeliver now.
	Retry
	// Never redeliver.
	Discard
)

func DispositionOf(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrInvalidEventPayload),
		errors.Is(err, ErrUnsupportedEventType),
		errors.Is(err, ErrInvalidEvent):
		return Discard
	case errors.Is(err, ErrRowNotMaterialized):
		return Delay
	default:
		return Retry
	}
}

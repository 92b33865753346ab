package outboxrelay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/natsutil"
	"github.com/todo-1m/consistency/internal/sharding"
)

const aggregateType = "todo"

// JetStreamDeliverer publishes each event on its aggregate's shard subject.
// The event id is the broker message id, so a republish after a lost ack is
// dropped inside the stream's duplicate window.
type JetStreamDeliverer struct {
	Publisher natsutil.Publisher
}

func (d JetStreamDeliverer) Deliver(ctx context.Context, event contracts.TodoEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventID, err)
	}
	subject := sharding.EventSubject(aggregateType, event.AggregateID)
	if err := d.Publisher.Publish(ctx, subject, payload, event.EventID); err != nil {
		return fmt.Errorf("publish event %s to %s: %w", event.EventID, subject, err)
	}
	return nil
}

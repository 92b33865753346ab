package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/consistency/internal/sharding"
)

const (
	EventsStream = "TODO_EVENTS"

	// DuplicateWindow bounds how long JetStream remembers a Nats-Msg-Id, so a
	// relay that republishes after a crash does not store the event twice.
	DuplicateWindow = 2 * time.Minute
)

// EnsureStreams creates (or validates) the event stream:
// - app.event.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(EventsStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:       EventsStream,
			Subjects:   []string{sharding.EventWildcard()},
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			Replicas:   1,
			Duplicates: DuplicateWindow,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}

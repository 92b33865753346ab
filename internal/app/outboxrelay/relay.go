package outboxrelay

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"github.com/todo-1m/consistency/internal/platform/metrics"
	"go.uber.org/zap"
)

// OutboxStore reads pending events in (aggregate_id, aggregate_version) order
// and retires them once delivered. FetchPending returns up to limit events of
// aggregates not in held, plus only the oldest pending event of each held
// aggregate.
type OutboxStore interface {
	FetchPending(ctx context.Context, limit int, held []string) ([]contracts.TodoEvent, error)
	MarkPublished(ctx context.Context, eventID string, at time.Time) error
}

// Deliverer hands one event to the consumer. A nil return means the consumer
// has durably accepted it.
type Deliverer interface {
	Deliver(ctx context.Context, event contracts.TodoEvent) error
}

type DeliverFunc func(ctx context.Context, event contracts.TodoEvent) error

func (f DeliverFunc) Deliver(ctx context.Context, event contracts.TodoEvent) error {
	return f(ctx, event)
}

// Stats summarizes one drain pass.
type Stats struct {
	Fetched   int
	Published int
	Failed    int
	// Deferred counts events skipped because an earlier event of the same
	// aggregate failed in this pass.
	Deferred int
	// Held counts aggregates whose head event is still failing after the
	// pass.
	Held int
}

// Relay moves committed outbox events to a Deliverer. Delivery is
// at-least-once and ordered per aggregate.
type Relay struct {
	Outbox          OutboxStore
	Deliverer       Deliverer
	Logger          *zap.Logger
	BatchSize       int
	PollInterval    time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
	Now             func() time.Time

	wake chan struct{}

	mu sync.Mutex
	// held aggregates failed on an earlier pass. Only their head event is
	// fetched until it goes through, so they cannot fill the batch.
	held map[string]struct{}
}

func NewRelay(outbox OutboxStore, deliverer Deliverer, logger *zap.Logger) *Relay {
	return &Relay{
		Outbox:          outbox,
		Deliverer:       deliverer,
		Logger:          logging.OrNop(logger),
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		DeliveryTimeout: 5 * time.Second,
		Now:             func() time.Time { return time.Now().UTC() },
		wake:            make(chan struct{}, 1),
		held:            map[string]struct{}{},
	}
}

// Wake asks a running relay to drain now instead of waiting for the poll
// interval. It never blocks.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// DrainOnce makes one pass over the pending events. Passes are serialized.
func (r *Relay) DrainOnce(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held == nil {
		r.held = map[string]struct{}{}
	}

	var stats Stats
	logger := logging.OrNop(r.Logger)

	held := slices.Sorted(maps.Keys(r.held))
	events, err := r.Outbox.FetchPending(ctx, r.batchSize(), held)
	if err != nil {
		return stats, fmt.Errorf("fetch pending outbox events: %w", err)
	}
	stats.Fetched = len(events)

	// A held aggregate with nothing pending has been retired elsewhere.
	fetched := make(map[string]struct{}, len(events))
	for _, event := range events {
		fetched[event.AggregateID] = struct{}{}
	}
	for id := range r.held {
		if _, ok := fetched[id]; !ok {
			delete(r.held, id)
		}
	}

	blocked := map[string]struct{}{}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			stats.Held = len(r.held)
			return stats, err
		}
		if _, ok := blocked[event.AggregateID]; ok {
			stats.Deferred++
			continue
		}

		if err := r.deliver(ctx, event); err != nil {
			stats.Failed++
			blocked[event.AggregateID] = struct{}{}
			r.held[event.AggregateID] = struct{}{}
			metrics.OutboxDeliveries.WithLabelValues("failed").Inc()
			logger.Warn("outbox delivery failed",
				zap.String("event_id", event.EventID),
				zap.String("todo_id", event.AggregateID),
				zap.Int64("version", event.AggregateVersion),
				zap.Error(err),
			)
			continue
		}
		metrics.OutboxDeliveries.WithLabelValues("delivered").Inc()

		// A delivered event that cannot be retired stays pending and is
		// delivered again; the consumer's version guard absorbs it.
		if err := r.Outbox.MarkPublished(ctx, event.EventID, r.now()); err != nil {
			stats.Failed++
			blocked[event.AggregateID] = struct{}{}
			r.held[event.AggregateID] = struct{}{}
			metrics.OutboxDeliveries.WithLabelValues("mark_failed").Inc()
			logger.Warn("mark outbox event published failed",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}
		metrics.OutboxDeliveries.WithLabelValues("marked").Inc()
		stats.Published++
		delete(r.held, event.AggregateID)
	}
	stats.Held = len(r.held)
	return stats, nil
}

// Run drains until ctx is cancelled. Full batches are followed immediately by
// another pass. A pass that fails or publishes nothing while deliveries fail
// backs off exponentially up to MaxBackoff; failed events are retried forever.
func (r *Relay) Run(ctx context.Context) error {
	logger := logging.OrNop(r.Logger)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.pollInterval()
	if r.MaxBackoff > 0 {
		bo.MaxInterval = r.MaxBackoff
	}
	bo.Reset()

	for {
		stats, err := r.DrainOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := r.pollInterval()
		wake := r.wake
		switch {
		case err != nil || (stats.Failed > 0 && stats.Published == 0):
			wait = bo.NextBackOff()
			// Backoff is not cut short by new commits.
			wake = nil
			logger.Warn("outbox relay backing off",
				zap.Duration("wait", wait),
				zap.Int("failed", stats.Failed),
				zap.Int("deferred", stats.Deferred),
				zap.Error(err),
			)
		case stats.Fetched >= r.batchSize():
			bo.Reset()
			continue
		default:
			bo.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Relay) deliver(ctx context.Context, event contracts.TodoEvent) error {
	if r.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.DeliveryTimeout)
		defer cancel()
	}
	return r.Deliverer.Deliver(ctx, event)
}

func (r *Relay) batchSize() int {
	if r.BatchSize <= 0 {
		return 100
	}
	return r.BatchSize
}

func (r *Relay) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return r.PollInterval
}

func (r *Relay) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

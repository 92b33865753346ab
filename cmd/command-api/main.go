package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/todo-1m/consistency/internal/app/commandapi"
	"github.com/todo-1m/consistency/internal/app/datasink"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/outboxrelay"
	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/platform/config"
	"github.com/todo-1m/consistency/internal/platform/dbpool"
	"github.com/todo-1m/consistency/internal/platform/health"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"github.com/todo-1m/consistency/internal/platform/natsutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "command-api:", err)
		os.Exit(1)
	}
}

func run() error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogMode, "command-api")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := domainengine.NewPostgresStore(pool)
	readModel := datasink.NewReadModelRepository(pool)
	if err := dbpool.WaitReady(runCtx, pool, logger, 30*time.Second, store.EnsureSchema, readModel.EnsureSchema); err != nil {
		return err
	}

	retry := domainengine.RetryPolicy{
		MaxAttempts:     cfg.Command.MaxAttempts,
		InitialInterval: cfg.Command.InitialBackoff,
		MaxInterval:     domainengine.DefaultRetryPolicy().MaxInterval,
	}
	handler := domainengine.NewHandler(store, logger)
	handler.Retry = retry
	bulk := domainengine.NewBulkCoordinator(store, logger)
	bulk.Retry = retry

	checks := []health.Check{health.Postgres(pool)}
	group, groupCtx := errgroup.WithContext(runCtx)

	switch cfg.Outbox.Delivery {
	case config.DeliveryInProcess:
		// The relay applies events to the read model directly and is woken on
		// every commit that appended one.
		applier := datasink.NewApplier(readModel, logger)
		relay := newRelay(cfg, outboxrelay.NewPostgresOutbox(pool), outboxrelay.DeliverFunc(applier.Apply), logger)
		handler.OnCommit = relay.Wake
		bulk.OnCommit = relay.Wake
		group.Go(func() error { return relay.Run(groupCtx) })
	case config.DeliveryJetStream:
		// A separate outbox-relay process publishes; only readiness needs NATS.
		client, err := natsutil.ConnectJetStreamWithRetry(runCtx, cfg.NATSURL, cfg.NATSConnectTimeout)
		if err != nil {
			return err
		}
		defer client.Close()
		checks = append(checks, health.NATS(client.Conn))
	}

	service := commandapi.NewService(handler, bulk)
	service.Timeout = cfg.Command.Timeout
	api := commandapi.NewHandler(service, query.NewService(query.NewTodoRepository(pool), logger), cfg.UIOrigin, logger)

	mux := health.NewMux(checks...)
	mux.Handle("/", api.Router())
	server := health.NewServer(cfg.CommandAddr, mux)

	logger.Info("command api starting",
		zap.String("addr", cfg.CommandAddr),
		zap.String("delivery", cfg.Outbox.Delivery),
	)
	group.Go(func() error { return health.Serve(groupCtx, server, cfg.ShutdownTimeout, logger) })
	return group.Wait()
}

func newRelay(cfg config.Config, outbox outboxrelay.OutboxStore, deliverer outboxrelay.Deliverer, logger *zap.Logger) *outboxrelay.Relay {
	relay := outboxrelay.NewRelay(outbox, deliverer, logger)
	relay.BatchSize = cfg.Outbox.BatchSize
	relay.PollInterval = cfg.Outbox.PollInterval
	relay.MaxBackoff = cfg.Outbox.MaxBackoff
	return relay
}

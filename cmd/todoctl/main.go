package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/todo-1m/consistency/internal/app/datasink"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/outboxrelay"
	"github.com/todo-1m/consistency/internal/app/query"
	"github.com/todo-1m/consistency/internal/cli"
	"github.com/todo-1m/consistency/internal/platform/config"
	"github.com/todo-1m/consistency/internal/platform/dbpool"
	"github.com/todo-1m/consistency/internal/platform/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogMode, "todoctl")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := dbpool.New(ctx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := domainengine.NewPostgresStore(pool)
	readModel := datasink.NewReadModelRepository(pool)
	applier := datasink.NewApplier(readModel, logger)
	relay := outboxrelay.NewRelay(outboxrelay.NewPostgresOutbox(pool), outboxrelay.DeliverFunc(applier.Apply), logger)
	relay.BatchSize = cfg.Outbox.BatchSize

	app := &cli.App{
		Migrations: []func(context.Context) error{store.EnsureSchema, readModel.EnsureSchema},
		Relay:      relay,
		Bulk:       domainengine.NewBulkCoordinator(store, logger),
		Queries:    query.NewService(query.NewTodoRepository(pool), logger),
	}
	return cli.NewRootCmd(app).ExecuteContext(ctx)
}

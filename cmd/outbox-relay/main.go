package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/outboxrelay"
	"github.com/todo-1m/consistency/internal/platform/config"
	"github.com/todo-1m/consistency/internal/platform/dbpool"
	"github.com/todo-1m/consistency/internal/platform/health"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"github.com/todo-1m/consistency/internal/platform/metrics"
	"github.com/todo-1m/consistency/internal/platform/natsutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "outbox-relay:", err)
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
	logger, err := logging.New(cfg.LogMode, "outbox-relay")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	// The relay owns no tables, but it may start before the command api.
	store := domainengine.NewPostgresStore(pool)
	if err := dbpool.WaitReady(runCtx, pool, logger, 30*time.Second, store.EnsureSchema); err != nil {
		return err
	}

	client, err := natsutil.ConnectJetStreamWithRetry(runCtx, cfg.NATSURL, cfg.NATSConnectTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	outbox := outboxrelay.NewPostgresOutbox(pool)
	deliverer := outboxrelay.JetStreamDeliverer{Publisher: natsutil.JetStreamPublisher{JS: client.JS}}
	relay := outboxrelay.NewRelay(outbox, deliverer, logger)
	relay.BatchSize = cfg.Outbox.BatchSize
	relay.PollInterval = cfg.Outbox.PollInterval
	relay.MaxBackoff = cfg.Outbox.MaxBackoff

	metrics.Default.MustRegister(metrics.NewGaugeFunc(metrics.Opts{
		Name: "todo_outbox_pending",
		Help: "Outbox events not yet marked published.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := outbox.PendingCount(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	}))

	server := health.NewServer(cfg.OpsAddr, health.NewMux(health.Postgres(pool), health.NATS(client.Conn)))
	logger.Info("outbox relay starting", zap.Int("batch_size", relay.BatchSize), zap.Duration("poll_interval", relay.PollInterval))

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return relay.Run(groupCtx) })
	group.Go(func() error { return health.Serve(groupCtx, server, cfg.ShutdownTimeout, logger) })
	return group.Wait()
}

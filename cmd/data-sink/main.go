package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/consistency/internal/app/datasink"
	"github.com/todo-1m/consistency/internal/platform/config"
	"github.com/todo-1m/consistency/internal/platform/dbpool"
	"github.com/todo-1m/consistency/internal/platform/health"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"github.com/todo-1m/consistency/internal/platform/natsutil"
	"github.com/todo-1m/consistency/internal/sharding"
	"go.uber.org/zap"
)

const (
	queueGroup       = "data-sink"
	applyTimeout     = 3 * time.Second
	notMaterialDelay = time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "data-sink:", err)
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
	logger, err := logging.New(cfg.LogMode, "data-sink")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	repository := datasink.NewReadModelRepository(pool)
	if err := dbpool.WaitReady(runCtx, pool, logger, 30*time.Second, repository.EnsureSchema); err != nil {
		return err
	}
	service := datasink.NewService(datasink.NewApplier(repository, logger))

	client, err := natsutil.ConnectJetStreamWithRetry(runCtx, cfg.NATSURL, cfg.NATSConnectTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe(sharding.EventWildcard(), queueGroup, func(msg *nats.Msg) {
		applyCtx, cancel := context.WithTimeout(runCtx, applyTimeout)
		defer cancel()

		err := service.Handle(applyCtx, msg.Data)
		switch datasink.DispositionOf(err) {
		case datasink.Ack:
			_ = msg.Ack()
		case datasink.Discard:
			logger.Error("discarding event", zap.String("subject", msg.Subject), zap.Error(err))
			_ = msg.Term()
		case datasink.Delay:
			logger.Info("event arrived before its aggregate was projected", zap.String("subject", msg.Subject), zap.Error(err))
			_ = msg.NakWithDelay(notMaterialDelay)
		default:
			logger.Warn("event projection failed", zap.String("subject", msg.Subject), zap.Error(err))
			_ = msg.Nak()
		}
	}, nats.ManualAck(), nats.Durable(queueGroup))
	if err != nil {
		return err
	}

	logger.Info("data sink listening", zap.String("subject", sub.Subject))
	server := health.NewServer(cfg.OpsAddr, health.NewMux(health.Postgres(pool), health.NATS(client.Conn)))
	return health.Serve(runCtx, server, cfg.ShutdownTimeout, logger)
}

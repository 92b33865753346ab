// Package health serves the liveness, readiness and metrics endpoints every
// process exposes, and runs an http.Server until its context ends.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/todo-1m/consistency/internal/platform/metrics"
	"go.uber.org/zap"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// NewMux returns a mux with /healthz, /readyz and /metrics. /readyz fails on
// the first failing check.
func NewMux(checks ...Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		for _, check := range checks {
			if err := check(checkCtx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		writeOK(w)
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	return mux
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func Postgres(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
		return nil
	}
}

func NATS(conn *nats.Conn) Check {
	return func(context.Context) error {
		if conn == nil {
			return errors.New("nats connection is nil")
		}
		if conn.Status() != nats.CONNECTED {
			return fmt.Errorf("nats is not connected: %s", conn.Status().String())
		}
		return nil
	}
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs server until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown of %s: %w", server.Addr, err)
	}
	return nil
}

package domainengine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/todo-1m/consistency/internal/contracts"
	"github.com/todo-1m/consistency/internal/platform/logging"
	"github.com/todo-1m/consistency/internal/platform/metrics"
	"go.uber.org/zap"
)

// RetryPolicy bounds how often a transaction that failed transiently is
// re-run from scratch.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts == 0 {
		return 1
	}
	return p.MaxAttempts
}

// runTx runs fn in a fresh transaction per attempt. Only transient failures
// are retried; everything else is returned on the first occurrence.
func runTx[T any](ctx context.Context, store Store, policy RetryPolicy, logger *zap.Logger, action contracts.Action, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	logger = logging.OrNop(logger)
	attempt := 0
	op := func() (T, error) {
		attempt++
		var out T
		err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			v, err := fn(ctx, tx)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return out, backoff.Permanent(err)
		}
		metrics.CommandRetries.WithLabelValues(string(action)).Inc()
		logger.Debug("retrying transaction",
			zap.String("action", string(action)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return out, err
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(policy.attempts()),
		backoff.WithMaxElapsedTime(0),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return out, err
}

package app

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"receiptscanner/internal/util"
)

// retry runs op under policy, logging each failed attempt. AbortError
// stops immediately.
func retry[T any](ctx context.Context, stage string, policy backoff.BackOff, op func() (T, error)) (T, error) {
	attempt := 0
	logger := util.LoggerFromContext(ctx)
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := op()
		var abort *AbortError
		if errors.As(err, &abort) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		if errors.Is(err, errJobPending) {
			logger.Debug("job pending", "stage", stage, "attempt", attempt, "next", next)
			return
		}
		logger.Warn("attempt failed, retrying", "stage", stage, "attempt", attempt, "next", next, "err", err)
	})
}

func immediateRetries(n uint64) backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, n)
}

func constantRetries(interval time.Duration, n uint64) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), n)
}

func exponentialRetries(initial time.Duration, n uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, n)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

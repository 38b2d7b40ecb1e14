package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.retryInitial
	eb.MaxInterval = e.retryMax
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.retries)), ctx)
}

// do runs one storage call, retrying store.ErrUnavailable with exponential
// backoff. Exhausted retries surface as ErrStorageUnavailable; every other
// error is returned untouched on the first occurrence.
func (e *Engine) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err != nil && !store.IsUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, e.newBackOff(ctx), func(err error, wait time.Duration) {
		e.logger.Warn("storage call failed, retrying",
			zap.String("queue", e.keys.Queue),
			zap.String("op", op),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})

	if err != nil && store.IsUnavailable(err) {
		e.markOutage()
		return fmt.Errorf("%w: %s: %w", custom_errors.ErrStorageUnavailable, op, err)
	}
	if err == nil || ctx.Err() == nil {
		e.markReachable()
	}
	return err
}

func (e *Engine) markOutage() {
	e.outageMu.Lock()
	defer e.outageMu.Unlock()
	if e.outageSince.IsZero() {
		e.outageSince = e.now()
		e.logger.Error("storage outage started", zap.String("queue", e.keys.Queue))
	}
}

func (e *Engine) markReachable() {
	if !e.healthy.Load() {
		// the health signal owns recovery while it reports down
		return
	}
	e.outageMu.Lock()
	defer e.outageMu.Unlock()
	if !e.outageSince.IsZero() {
		e.logger.Info("storage outage ended",
			zap.String("queue", e.keys.Queue),
			zap.Duration("duration", e.now().Sub(e.outageSince)))
		e.outageSince = time.Time{}
	}
}

// outageExceeded reports whether the current outage is older than the threshold.
func (e *Engine) outageExceeded() bool {
	e.outageMu.Lock()
	defer e.outageMu.Unlock()
	return !e.outageSince.IsZero() && e.now().Sub(e.outageSince) >= e.outageThreshold
}

func (e *Engine) onHealthChange(healthy bool) {
	e.healthy.Store(healthy)
	if healthy {
		e.markReachable()
	} else {
		e.markOutage()
	}
}

// Package sweeper runs the periodic maintenance that sits outside the queue
// engine: reclaiming expired leases and purging finished jobs.
package sweeper

import (
	"context"
	"math/rand"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/lock"
	"go.uber.org/zap"
)

const jitterFraction = 0.1

// jittered spreads d by up to 10% either way so instances drift apart.
func jittered(d time.Duration) time.Duration {
	spread := int64(float64(d) * jitterFraction)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int63n(2*spread+1))
}

// every calls tick on a jittered interval until ctx is done.
func every(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	for {
		timer := time.NewTimer(jittered(interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			tick(ctx)
		}
	}
}

// withLock runs fn only if lockID is free. It reports whether fn ran.
func withLock(ctx context.Context, locks lock.DistributedLockManager, lockID int, logger *zap.Logger, fn func(ctx context.Context) error) (bool, error) {
	ok, err := locks.TryAcquire(ctx, lockID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := locks.Release(context.WithoutCancel(ctx), lockID); err != nil {
			logger.Warn("failed to release lock", zap.Int("lock_id", lockID), zap.Error(err))
		}
	}()
	return true, fn(ctx)
}

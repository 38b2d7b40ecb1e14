package sweeper

import (
	"context"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/internal/lock"
	"go.uber.org/zap"
)

type Reclaimer interface {
	Queue() string
	ReclaimExpiredLeases(ctx context.Context) (int, error)
}

// Reaper periodically returns expired leases to their queue. Only the
// instance holding ReclaimLock reclaims on a given tick.
type Reaper struct {
	reclaimer Reclaimer
	locks     lock.DistributedLockManager
	interval  time.Duration
	logger    *zap.Logger
}

func NewReaper(reclaimer Reclaimer, locks lock.DistributedLockManager, interval time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reaper{
		reclaimer: reclaimer,
		locks:     locks,
		interval:  interval,
		logger:    logger.With(zap.String("queue", reclaimer.Queue())),
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", zap.Duration("interval", r.interval))
	every(ctx, r.interval, func(ctx context.Context) {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reclaim failed", zap.Error(err))
		}
	})
	return nil
}

// Tick reclaims once if the lock is free and returns how many jobs moved.
func (r *Reaper) Tick(ctx context.Context) (int, error) {
	var n int
	_, err := withLock(ctx, r.locks, constants.ReclaimLock, r.logger, func(ctx context.Context) error {
		var err error
		n, err = r.reclaimer.ReclaimExpiredLeases(ctx)
		return err
	})
	if n > 0 {
		r.logger.Info("reclaimed expired leases", zap.Int("count", n))
	}
	return n, err
}

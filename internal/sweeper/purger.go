package sweeper

import (
	"context"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/internal/lock"
	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/RezaEskandarii/firequeue/queue"
	"github.com/RezaEskandarii/firequeue/types"
	"go.uber.org/zap"
)

const purgeBatch = 500

// Purger deletes completed and dead-lettered jobs once they are older than
// the retention window.
type Purger struct {
	store     store.Store
	keys      queue.Keys
	locks     lock.DistributedLockManager
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewPurger(s store.Store, keys queue.Keys, locks lock.DistributedLockManager, retention, interval time.Duration, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Purger{
		store:     s,
		keys:      keys,
		locks:     locks,
		retention: retention,
		interval:  interval,
		logger:    logger.With(zap.String("queue", keys.Queue)),
		now:       time.Now,
	}
}

func (p *Purger) Run(ctx context.Context) error {
	p.logger.Info("purger started", zap.Duration("retention", p.retention))
	every(ctx, p.interval, func(ctx context.Context) {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("purge failed", zap.Error(err))
		}
	})
	return nil
}

// Tick purges under PurgeLock and returns how many job records were deleted.
func (p *Purger) Tick(ctx context.Context) (int, error) {
	var total int
	_, err := withLock(ctx, p.locks, constants.PurgeLock, p.logger, func(ctx context.Context) error {
		cutoff := p.now().Add(-p.retention)

		n, err := p.purgeCompleted(ctx, cutoff)
		total += n
		if err != nil {
			return err
		}
		n, err = p.purgeDeadLettered(ctx, cutoff)
		total += n
		return err
	})
	if total > 0 {
		p.logger.Info("purged finished jobs", zap.Int("count", total))
	}
	return total, err
}

func (p *Purger) purgeCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := p.store.SortedRangeByScore(ctx, p.keys.Completed(), cutoff.UnixMilli(), purgeBatch)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		// record before its index entry
		if err := p.store.Delete(ctx, p.keys.Job(id)); err != nil {
			return i, err
		}
		if _, err := p.store.SortedRemove(ctx, p.keys.Completed(), id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// purgeDeadLettered walks the list from its oldest end and stops at the
// first job still inside the retention window.
func (p *Purger) purgeDeadLettered(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := p.store.ListRange(ctx, p.keys.DeadLettered(), 0, purgeBatch)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		raw, err := p.store.Get(ctx, p.keys.Job(id))
		if err != nil && !store.IsNotFound(err) {
			return deleted, err
		}
		if err == nil {
			job, decodeErr := types.DecodeJob(raw)
			if decodeErr == nil && !deadLetteredBefore(job, cutoff) {
				break
			}
			if err := p.store.Delete(ctx, p.keys.Job(id)); err != nil {
				return deleted, err
			}
			deleted++
		}
		if _, err := p.store.ListRemove(ctx, p.keys.DeadLettered(), id); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func deadLetteredBefore(job *types.Job, cutoff time.Time) bool {
	at := job.UpdatedAt
	if job.CompletedAt != nil {
		at = *job.CompletedAt
	}
	return at.Before(cutoff)
}

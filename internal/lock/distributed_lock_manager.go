package lock

import (
	"context"
	"sync"
	"time"
)

// DistributedLockManager coordinates periodic maintenance (reclaim, purge,
// migrations) across instances. Correctness of job state never depends on it.
type DistributedLockManager interface {
	// TryAcquire never blocks on a held lock; it reports false instead.
	TryAcquire(ctx context.Context, lockID int) (bool, error)
	Release(ctx context.Context, lockID int) error
}

// Acquire retries TryAcquire every interval until the lock is held or ctx ends.
func Acquire(ctx context.Context, mgr DistributedLockManager, lockID int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := mgr.TryAcquire(ctx, lockID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LocalLockManager only coordinates goroutines of one process.
type LocalLockManager struct {
	mu   sync.Mutex
	held map[int]bool
}

func NewLocalLockManager() *LocalLockManager {
	return &LocalLockManager{held: make(map[int]bool)}
}

func (l *LocalLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lockID] {
		return false, nil
	}
	l.held[lockID] = true
	return true, nil
}

func (l *LocalLockManager) Release(ctx context.Context, lockID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockID)
	return nil
}

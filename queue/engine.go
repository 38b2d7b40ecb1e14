package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/RezaEskandarii/firequeue/types"
	"go.uber.org/zap"
)

var (
	ErrNotReplayable  = errors.New("only dead-lettered jobs can be replayed")
	errUnusableRecord = errors.New("unusable job record")
)

const (
	// casAttempts bounds how often a transition is re-applied after losing a CAS race.
	casAttempts = 5
	// orphanGrace is how long a queued record must sit untouched before
	// reclaim treats its leased-set entry as left over from a crash.
	orphanGrace = time.Minute
)

// Engine is the durable queue for one queue name. All coordination between
// processes goes through the store: atomic pops hand out ids, and every state
// change is a compare-and-swap on the job record.
type Engine struct {
	store    store.Store
	keys     Keys
	logger   *zap.Logger
	observer Observer
	health   HealthSource
	now      func() time.Time
	newID    func() string

	retries         int
	retryInitial    time.Duration
	retryMax        time.Duration
	outageThreshold time.Duration
	reclaimBatch    int

	healthy     atomic.Bool
	outageMu    sync.Mutex
	outageSince time.Time
}

var _ Producer = (*Engine)(nil)

func New(s store.Store, queueName string, opts ...Option) (*Engine, error) {
	validationErrs := &custom_errors.ValidationError{}
	if s == nil {
		validationErrs.Add(errors.New("store is required"))
	}
	if strings.TrimSpace(queueName) == "" {
		validationErrs.Add(errors.New("queue name is required"))
	}

	e := &Engine{
		store:           s,
		keys:            NewKeys(constants.DefaultKeyPrefix, queueName),
		logger:          zap.NewNop(),
		observer:        NopObserver{},
		now:             time.Now,
		newID:           defaultIDGenerator,
		retries:         DefaultRetries,
		retryInitial:    DefaultRetryInitial,
		retryMax:        DefaultRetryMaxInterval,
		outageThreshold: DefaultOutageThreshold,
		reclaimBatch:    DefaultReclaimBatchSize,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			validationErrs.Add(err)
		}
	}
	if validationErrs.HasError() {
		return nil, validationErrs
	}

	e.healthy.Store(true)
	if e.health != nil {
		e.healthy.Store(e.health.Healthy())
		e.health.Subscribe(e.onHealthChange)
	}
	return e, nil
}

func (e *Engine) Queue() string { return e.keys.Queue }

func (e *Engine) Keys() Keys { return e.keys }

func (e *Engine) Store() store.Store { return e.store }

// Healthy is false while the health signal reports the store down.
func (e *Engine) Healthy() bool { return e.healthy.Load() }

// Enqueue persists a new queued job and only then makes its id visible to dequeue.
func (e *Engine) Enqueue(ctx context.Context, jobType string, payload []byte, maxAttempts int) (string, error) {
	validationErrs := &custom_errors.ValidationError{}
	if strings.TrimSpace(jobType) == "" {
		validationErrs.Add(errors.New("job type is required"))
	}
	if maxAttempts < 1 {
		validationErrs.Addf("max attempts must be at least 1, got %d", maxAttempts)
	}
	if validationErrs.HasError() {
		return "", validationErrs
	}

	now := e.now()
	job := &types.Job{
		ID:          e.newID(),
		Queue:       e.keys.Queue,
		Type:        jobType,
		Payload:     append([]byte(nil), payload...),
		State:       state.StateQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := types.EncodeJob(job)
	if err != nil {
		return "", err
	}

	if err := e.do(ctx, "enqueue write", func(ctx context.Context) error {
		return e.store.Set(ctx, e.keys.Job(job.ID), data)
	}); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if err := e.push(ctx, e.keys.Queued(), job.ID); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	e.observer.Record(e.keys.Queue, jobType, EventEnqueued)
	e.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("type", jobType))
	return job.ID, nil
}

// Dequeue leases the oldest queued job, or returns nil when the queue is empty.
func (e *Engine) Dequeue(ctx context.Context, leaseDuration time.Duration) (*types.Job, error) {
	return e.dequeue(ctx, leaseDuration, 0)
}

// DequeueWait is Dequeue with a bounded wait for work to arrive. Stores with a
// native blocking pop wait on it; others just sleep out the wait when empty.
func (e *Engine) DequeueWait(ctx context.Context, leaseDuration, wait time.Duration) (*types.Job, error) {
	return e.dequeue(ctx, leaseDuration, wait)
}

func (e *Engine) dequeue(ctx context.Context, leaseDuration, wait time.Duration) (*types.Job, error) {
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %s", leaseDuration)
	}

	if !e.healthy.Load() {
		if e.outageExceeded() {
			return nil, fmt.Errorf("%w: storage reported unhealthy", custom_errors.ErrStorageUnavailable)
		}
		sleep(ctx, wait)
		return nil, nil
	}

	// every pass removes one id from the list, so this ends with the queue
	for pass := 0; ; pass++ {
		var id string
		var err error
		if pass == 0 {
			id, err = e.pop(ctx, wait)
		} else {
			id, err = e.pop(ctx, 0)
		}
		switch {
		case store.IsNotFound(err):
			return nil, nil
		case errors.Is(err, custom_errors.ErrStorageUnavailable):
			if e.outageExceeded() {
				return nil, err
			}
			return nil, nil
		case err != nil:
			return nil, err
		}

		job, err := e.lease(ctx, id, leaseDuration)
		if errors.Is(err, custom_errors.ErrStorageUnavailable) && !e.outageExceeded() {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
}

func (e *Engine) pop(ctx context.Context, wait time.Duration) (string, error) {
	var id string
	bp, blocking := e.store.(store.BlockingPopper)
	err := e.do(ctx, "pop", func(ctx context.Context) error {
		var err error
		if blocking && wait > 0 {
			id, err = bp.BlockingListPop(ctx, e.keys.Queued(), wait)
		} else {
			id, err = e.store.ListPop(ctx, e.keys.Queued())
		}
		return err
	})
	if store.IsNotFound(err) && !blocking && wait > 0 {
		sleep(ctx, wait)
	}
	if err != nil && ctx.Err() != nil {
		// shutting down while waiting reads as an empty queue
		return "", store.ErrNotFound
	}
	return id, err
}

// lease turns a popped id into a leased job. It returns nil, nil when the id
// was stale or the job had to be dead-lettered; the caller pops again.
func (e *Engine) lease(ctx context.Context, id string, leaseDuration time.Duration) (*types.Job, error) {
	now := e.now()
	expiry := now.Add(leaseDuration)
	leaseID := e.newID()
	entry := leaseEntry(id, leaseID)

	// Claim the leased-set slot before anything else. If this process dies from
	// here on, reclaim finds the entry and puts the id back.
	if err := e.sortedAdd(ctx, e.keys.Leased(), entry, expiry.UnixMilli()); err != nil {
		if pushErr := e.push(context.WithoutCancel(ctx), e.keys.Queued(), id); pushErr != nil {
			e.logger.Error("popped job could not be registered or returned",
				zap.String("job_id", id), zap.Error(pushErr))
		}
		return nil, err
	}

	raw, job, err := e.load(ctx, id)
	if err != nil {
		if unusable(err) {
			e.logger.Warn("dropping unusable job id", zap.String("job_id", id), zap.Error(err))
			e.sortedRemove(ctx, e.keys.Leased(), entry)
			return nil, nil
		}
		return nil, err
	}

	if job.State != state.StateQueued {
		// a duplicate id left behind by recovery; a current holder has its own entry
		e.sortedRemove(ctx, e.keys.Leased(), entry)
		e.logger.Debug("skipping stale job id", zap.String("job_id", id), zap.String("state", job.State.String()))
		return nil, nil
	}

	next := job.Clone()
	next.UpdatedAt = now
	if job.Attempts+1 > job.MaxAttempts {
		next.State = state.StateDeadLettered
		next.LastError = "max attempts exhausted"
		next.CompletedAt = &now
	} else {
		next.State = state.StateLeased
		next.Attempts = job.Attempts + 1
		next.LeaseID = leaseID
		next.LeaseExpiry = &expiry
	}

	ok, err := e.swap(ctx, id, raw, job, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.sortedRemove(ctx, e.keys.Leased(), entry)
		e.logger.Warn("job changed while leasing, skipping", zap.String("job_id", id))
		return nil, nil
	}

	if next.State == state.StateDeadLettered {
		e.deadLetter(ctx, next, entry)
		return nil, nil
	}

	e.observer.Record(e.keys.Queue, next.Type, EventLeased)
	return next.Clone(), nil
}

// Ack completes a leased job. An empty leaseID matches any current lease.
func (e *Engine) Ack(ctx context.Context, jobID, leaseID string) error {
	var completedAt time.Time
	prev, next, err := e.mutate(ctx, jobID, func(j *types.Job) error {
		if !j.HoldsLease(leaseID) {
			return custom_errors.ErrUnknownLease
		}
		completedAt = e.now()
		j.State = state.StateCompleted
		j.LeaseID = ""
		j.LeaseExpiry = nil
		j.UpdatedAt = completedAt
		j.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return err
	}

	e.sortedRemove(ctx, e.keys.Leased(), leaseEntry(jobID, prev.LeaseID))
	if err := e.sortedAdd(ctx, e.keys.Completed(), jobID, completedAt.UnixMilli()); err != nil {
		e.logger.Warn("completed job not indexed for retention", zap.String("job_id", jobID), zap.Error(err))
	}
	e.observer.Record(e.keys.Queue, next.Type, EventCompleted)
	return nil
}

// Fail gives a leased job back: to the tail of the queue while attempts
// remain, to the dead-letter list otherwise.
func (e *Engine) Fail(ctx context.Context, jobID, leaseID, reason string) error {
	prev, next, err := e.mutate(ctx, jobID, func(j *types.Job) error {
		if !j.HoldsLease(leaseID) {
			return custom_errors.ErrUnknownLease
		}
		e.applyFailure(j, reason)
		return nil
	})
	if err != nil {
		return err
	}

	e.observer.Record(e.keys.Queue, next.Type, EventFailed)
	return e.settleFailure(ctx, next, leaseEntry(jobID, prev.LeaseID))
}

// Release hands a leased job back without counting it as a failure. The
// attempt it used stays counted.
func (e *Engine) Release(ctx context.Context, jobID, leaseID string) error {
	prev, next, err := e.mutate(ctx, jobID, func(j *types.Job) error {
		if !j.HoldsLease(leaseID) {
			return custom_errors.ErrUnknownLease
		}
		j.State = state.StateQueued
		j.LeaseID = ""
		j.LeaseExpiry = nil
		j.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.push(ctx, e.keys.Queued(), jobID); err != nil {
		return err
	}
	e.sortedRemove(ctx, e.keys.Leased(), leaseEntry(jobID, prev.LeaseID))
	e.observer.Record(e.keys.Queue, next.Type, EventReleased)
	return nil
}

// Extend moves the lease expiry to now+d. Workers call it as a heartbeat.
func (e *Engine) Extend(ctx context.Context, jobID, leaseID string, d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, fmt.Errorf("lease extension must be positive, got %s", d)
	}
	var expiry time.Time
	prev, _, err := e.mutate(ctx, jobID, func(j *types.Job) error {
		if !j.HoldsLease(leaseID) {
			return custom_errors.ErrUnknownLease
		}
		now := e.now()
		expiry = now.Add(d)
		j.LeaseExpiry = &expiry
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if err := e.sortedAdd(ctx, e.keys.Leased(), leaseEntry(jobID, prev.LeaseID), expiry.UnixMilli()); err != nil {
		// the record is authoritative; reclaim re-scores stale entries
		e.logger.Warn("lease index not updated", zap.String("job_id", jobID), zap.Error(err))
	}
	return expiry, nil
}

// ReclaimExpiredLeases requeues or dead-letters every job whose lease ran
// out, exactly as Fail would. Concurrent reclaimers are safe: the CAS on the
// record lets only one of them act on each expiry.
func (e *Engine) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	now := e.now()
	var entries []string
	err := e.do(ctx, "scan leases", func(ctx context.Context) error {
		var err error
		entries, err = e.store.SortedRangeByScore(ctx, e.keys.Leased(), now.UnixMilli(), int64(e.reclaimBatch))
		return err
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		n, err := e.reclaimOne(ctx, entry, now)
		if err != nil {
			if errors.Is(err, custom_errors.ErrStorageUnavailable) || ctx.Err() != nil {
				return count, err
			}
			e.logger.Warn("reclaim skipped job", zap.String("entry", entry), zap.Error(err))
			continue
		}
		count += n
	}
	return count, nil
}

func (e *Engine) reclaimOne(ctx context.Context, entry string, now time.Time) (int, error) {
	id, leaseID := parseLeaseEntry(entry)
	raw, job, err := e.load(ctx, id)
	if err != nil {
		if unusable(err) {
			e.sortedRemove(ctx, e.keys.Leased(), entry)
			return 0, nil
		}
		return 0, err
	}

	switch job.State {
	case state.StateLeased:
		if job.LeaseID != leaseID {
			// left over from an earlier lease of the job
			e.sortedRemove(ctx, e.keys.Leased(), entry)
			return 0, nil
		}
		if job.LeaseExpiry != nil && job.LeaseExpiry.After(now) {
			// extended after the index was read
			return 0, e.sortedAdd(ctx, e.keys.Leased(), entry, job.LeaseExpiry.UnixMilli())
		}
		next := job.Clone()
		e.applyFailure(next, custom_errors.ErrLeaseExpired.Error())
		ok, err := e.swap(ctx, id, raw, job, next)
		if err != nil || !ok {
			return 0, err
		}
		e.logger.Info("lease expired",
			zap.String("job_id", id),
			zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.String("next_state", next.State.String()))
		e.observer.Record(e.keys.Queue, next.Type, EventReclaimed)
		if err := e.settleFailure(ctx, next, entry); err != nil {
			return 0, err
		}
		return 1, nil

	case state.StateQueued:
		// A dequeuer died between claiming the slot and writing the lease, or
		// a requeue died before its push. A fresh record is a requeue still in
		// flight. Whoever removes the entry pushes.
		if now.Sub(job.UpdatedAt) < orphanGrace {
			return 0, nil
		}
		removed, err := e.sortedRemoveOnce(ctx, e.keys.Leased(), entry)
		if err != nil || !removed {
			return 0, err
		}
		if err := e.push(ctx, e.keys.Queued(), id); err != nil {
			return 0, err
		}
		e.logger.Warn("recovered orphaned queued job", zap.String("job_id", id))
		return 1, nil

	default:
		e.sortedRemove(ctx, e.keys.Leased(), entry)
		return 0, nil
	}
}

// Get returns a snapshot of a job record.
func (e *Engine) Get(ctx context.Context, jobID string) (*types.Job, error) {
	_, job, err := e.load(ctx, jobID)
	return job, err
}

// DeadLetters pages through the dead-letter list in arrival order.
func (e *Engine) DeadLetters(ctx context.Context, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int64
	var ids []string
	err := e.do(ctx, "dead letters", func(ctx context.Context) error {
		var err error
		if total, err = e.store.ListLen(ctx, e.keys.DeadLettered()); err != nil {
			return err
		}
		ids, err = e.store.ListRange(ctx, e.keys.DeadLettered(), int64((page-1)*pageSize), int64(pageSize))
		return err
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		_, job, err := e.load(ctx, id)
		if errors.Is(err, custom_errors.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return types.NewPaginationResult(jobs, int(total), page, pageSize), nil
}

// Replay enqueues a fresh copy of a dead-lettered job. The original stays
// dead-lettered.
func (e *Engine) Replay(ctx context.Context, jobID string) (string, error) {
	job, err := e.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State != state.StateDeadLettered {
		return "", fmt.Errorf("%w: job %s is %s", ErrNotReplayable, jobID, job.State)
	}
	return e.Enqueue(ctx, job.Type, job.Payload, job.MaxAttempts)
}

func (e *Engine) Stats(ctx context.Context) (types.QueueStats, error) {
	stats := types.QueueStats{Queue: e.keys.Queue}
	err := e.do(ctx, "stats", func(ctx context.Context) error {
		var err error
		if stats.Queued, err = e.store.ListLen(ctx, e.keys.Queued()); err != nil {
			return err
		}
		if stats.Leased, err = e.store.SortedLen(ctx, e.keys.Leased()); err != nil {
			return err
		}
		if stats.DeadLettered, err = e.store.ListLen(ctx, e.keys.DeadLettered()); err != nil {
			return err
		}
		stats.Completed, err = e.store.SortedLen(ctx, e.keys.Completed())
		return err
	})
	return stats, err
}

func (e *Engine) applyFailure(j *types.Job, reason string) {
	now := e.now()
	j.State = state.AfterFailure(j.Attempts, j.MaxAttempts)
	j.LastError = reason
	j.LeaseID = ""
	j.LeaseExpiry = nil
	j.UpdatedAt = now
	if j.State == state.StateDeadLettered {
		j.CompletedAt = &now
	}
}

// settleFailure puts a failed job's id into the list matching its new state
// and then drops the lease entry it was settled from.
func (e *Engine) settleFailure(ctx context.Context, j *types.Job, entry string) error {
	if j.State == state.StateDeadLettered {
		e.deadLetter(ctx, j, entry)
		return nil
	}
	if err := e.push(ctx, e.keys.Queued(), j.ID); err != nil {
		return err
	}
	e.sortedRemove(ctx, e.keys.Leased(), entry)
	return nil
}

func (e *Engine) deadLetter(ctx context.Context, j *types.Job, entry string) {
	if err := e.push(ctx, e.keys.DeadLettered(), j.ID); err != nil {
		e.logger.Error("dead-lettered job missing from dead-letter list", zap.String("job_id", j.ID), zap.Error(err))
	}
	e.sortedRemove(ctx, e.keys.Leased(), entry)
	e.observer.Record(e.keys.Queue, j.Type, EventDeadLettered)
	e.logger.Warn("job dead-lettered",
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.Int("attempts", j.Attempts),
		zap.String("last_error", j.LastError))
}

// mutate applies fn to the current record and CASes the result in, reloading
// and retrying when another writer got there first. fn may be applied more than once.
func (e *Engine) mutate(ctx context.Context, jobID string, fn func(j *types.Job) error) (*types.Job, *types.Job, error) {
	for i := 0; i < casAttempts; i++ {
		raw, job, err := e.load(ctx, jobID)
		if err != nil {
			if errors.Is(err, custom_errors.ErrJobNotFound) {
				return nil, nil, fmt.Errorf("%w: %w", custom_errors.ErrUnknownLease, err)
			}
			return nil, nil, err
		}
		next := job.Clone()
		if err := fn(next); err != nil {
			return nil, nil, fmt.Errorf("job %s: %w", jobID, err)
		}
		ok, err := e.swap(ctx, jobID, raw, job, next)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return job, next, nil
		}
	}
	return nil, nil, fmt.Errorf("job %s: gave up after %d concurrent modifications", jobID, casAttempts)
}

func (e *Engine) swap(ctx context.Context, jobID string, raw []byte, prev, next *types.Job) (bool, error) {
	if prev.State != next.State && !state.IsValidTransition(prev.State, next.State) {
		return false, fmt.Errorf("job %s: invalid transition %s -> %s", jobID, prev.State, next.State)
	}
	data, err := types.EncodeJob(next)
	if err != nil {
		return false, err
	}
	var ok bool
	err = e.do(ctx, "cas", func(ctx context.Context) error {
		var err error
		ok, err = e.store.CompareAndSwap(ctx, e.keys.Job(jobID), raw, data)
		return err
	})
	return ok, err
}

func (e *Engine) load(ctx context.Context, jobID string) ([]byte, *types.Job, error) {
	var raw []byte
	err := e.do(ctx, "get", func(ctx context.Context) error {
		var err error
		raw, err = e.store.Get(ctx, e.keys.Job(jobID))
		return err
	})
	if store.IsNotFound(err) {
		return nil, nil, fmt.Errorf("%w: %s", custom_errors.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, nil, err
	}
	job, err := types.DecodeJob(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: job %s: %w", errUnusableRecord, jobID, err)
	}
	return raw, job, nil
}

// unusable reports a record that can never be leased: missing or undecodable.
func unusable(err error) bool {
	return errors.Is(err, custom_errors.ErrJobNotFound) || errors.Is(err, errUnusableRecord)
}

func (e *Engine) push(ctx context.Context, list, id string) error {
	return e.do(ctx, "push", func(ctx context.Context) error {
		return e.store.ListPush(ctx, list, id)
	})
}

func (e *Engine) sortedAdd(ctx context.Context, set, id string, score int64) error {
	return e.do(ctx, "index add", func(ctx context.Context) error {
		return e.store.SortedAdd(ctx, set, id, score)
	})
}

func (e *Engine) sortedRemoveOnce(ctx context.Context, set, id string) (bool, error) {
	var removed bool
	err := e.do(ctx, "index remove", func(ctx context.Context) error {
		var err error
		removed, err = e.store.SortedRemove(ctx, set, id)
		return err
	})
	return removed, err
}

// sortedRemove is for cleanup after a committed transition; a failure only
// leaves a stale index entry that reclaim later drops.
func (e *Engine) sortedRemove(ctx context.Context, set, id string) {
	if _, err := e.sortedRemoveOnce(ctx, set, id); err != nil {
		e.logger.Warn("index cleanup failed", zap.String("set", set), zap.String("job_id", id), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

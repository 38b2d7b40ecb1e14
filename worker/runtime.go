package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Engine is the part of queue.Engine the runtime drives.
type Engine interface {
	DequeueWait(ctx context.Context, leaseDuration, wait time.Duration) (*types.Job, error)
	Ack(ctx context.Context, jobID, leaseID string) error
	Fail(ctx context.Context, jobID, leaseID, reason string) error
	Extend(ctx context.Context, jobID, leaseID string, d time.Duration) (time.Time, error)
}

// Runtime leases jobs from an Engine and runs them on a bounded pool of
// goroutines. Results are settled by a single processor goroutine.
type Runtime struct {
	engine   Engine
	handlers *JobHandler
	logger   *zap.Logger

	concurrency   int
	pollInterval  time.Duration
	leaseDuration time.Duration
	heartbeat     time.Duration
	maxExecution  time.Duration
	shutdownGrace time.Duration

	running   atomic.Bool
	abandoned atomic.Bool
}

func New(engine Engine, handlers *JobHandler, opts ...Option) (*Runtime, error) {
	validationErrs := &custom_errors.ValidationError{}
	if engine == nil {
		validationErrs.Add(errors.New("engine is required"))
	}
	if handlers == nil {
		handlers = NewJobHandler()
	}

	r := &Runtime{
		engine:        engine,
		handlers:      handlers,
		logger:        zap.NewNop(),
		concurrency:   DefaultConcurrency,
		pollInterval:  DefaultPollInterval,
		leaseDuration: DefaultLeaseDuration,
		maxExecution:  DefaultMaxExecution,
		shutdownGrace: DefaultShutdownGrace,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			validationErrs.Add(err)
		}
	}
	if r.heartbeat == 0 {
		r.heartbeat = r.leaseDuration / 3
	}
	if r.heartbeat >= r.leaseDuration {
		validationErrs.Addf("heartbeat interval %s must be shorter than the lease %s", r.heartbeat, r.leaseDuration)
	}
	if validationErrs.HasError() {
		return nil, validationErrs
	}
	return r, nil
}

func (r *Runtime) RegisterHandler(jobType string, fn HandlerFunc) error {
	return r.handlers.Register(jobType, fn)
}

func (r *Runtime) Handlers() *JobHandler { return r.handlers }

// Abandoned reports whether the last Run gave up on in-flight jobs at shutdown.
func (r *Runtime) Abandoned() bool { return r.abandoned.Load() }

// Run polls until ctx is cancelled, then waits up to the shutdown grace for
// in-flight jobs. Jobs still running after that are left to lease expiry.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("worker runtime is already running")
	}
	defer r.running.Store(false)
	r.abandoned.Store(false)

	// in-flight jobs outlive ctx until the grace period ends
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	results := make(chan types.JobResult, r.concurrency)
	stop := make(chan struct{})
	processed := make(chan struct{})
	go r.startResultProcessor(jobCtx, results, stop, processed)

	sem := semaphore.NewWeighted(int64(r.concurrency))
	var wg sync.WaitGroup

	r.logger.Info("worker started",
		zap.Int("concurrency", r.concurrency),
		zap.Strings("handlers", r.handlers.List()))

	for ctx.Err() == nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, err := r.engine.DequeueWait(ctx, r.leaseDuration, r.pollInterval)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("dequeue failed", zap.Error(err))
			sleep(ctx, r.pollInterval)
			continue
		}
		if job == nil {
			sem.Release(1)
			continue
		}

		wg.Add(1)
		go r.handleJob(jobCtx, sem, &wg, job, results, stop)
	}

	r.logger.Info("worker stopping", zap.Duration("grace", r.shutdownGrace))
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	grace := time.NewTimer(r.shutdownGrace)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		r.abandoned.Store(true)
		cancelJobs()
		r.logger.Warn("shutdown grace expired, abandoning in-flight jobs")
	}

	close(stop)
	<-processed
	r.logger.Info("worker stopped")
	return nil
}

func (r *Runtime) startResultProcessor(ctx context.Context, results <-chan types.JobResult, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case res := <-results:
			r.settle(ctx, res)
		case <-stop:
			for {
				select {
				case res := <-results:
					r.settle(ctx, res)
				default:
					return
				}
			}
		}
	}
}

func (r *Runtime) settle(ctx context.Context, res types.JobResult) {
	logger := r.logger.With(zap.String("job_id", res.JobID), zap.String("type", res.Type))
	if r.abandoned.Load() {
		logger.Debug("runtime abandoned, result discarded")
		return
	}

	var err error
	switch res.Status {
	case state.StateCompleted:
		err = r.engine.Ack(ctx, res.JobID, res.LeaseID)
		if err == nil {
			logger.Debug("job completed", zap.Duration("elapsed", res.Elapsed))
		}
	case state.StateFailed:
		logger.Warn("job failed", zap.Error(res.Err), zap.Duration("elapsed", res.Elapsed))
		err = r.engine.Fail(ctx, res.JobID, res.LeaseID, res.Err.Error())
	default:
		logger.Error("unknown job result status", zap.String("status", res.Status.String()))
		return
	}

	if errors.Is(err, custom_errors.ErrUnknownLease) {
		logger.Warn("lease no longer held, result discarded", zap.Error(err))
	} else if err != nil {
		logger.Error("failed to settle job", zap.Error(err))
	}
}

func (r *Runtime) handleJob(ctx context.Context, sem *semaphore.Weighted, wg *sync.WaitGroup, job *types.Job, results chan<- types.JobResult, stop <-chan struct{}) {
	defer func() {
		sem.Release(1)
		wg.Done()
	}()

	logger := r.logger.With(zap.String("job_id", job.ID), zap.String("type", job.Type))

	execCtx, cancelExec := context.WithTimeout(ctx, r.maxExecution)
	defer cancelExec()

	var leaseLost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(execCtx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx, ctx, job, func() {
		leaseLost.Store(true)
		cancelExec()
	})

	ranAt := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- r.execute(execCtx, job)
	}()

	var err error
	select {
	case err = <-done:
	case <-execCtx.Done():
		select {
		case err = <-done:
		default:
			r.logAbandoned(logger, execCtx, &leaseLost)
			return
		}
	}
	stopHeartbeat()

	if leaseLost.Load() {
		logger.Warn("lease lost while running, result discarded")
		return
	}
	if err != nil && execCtx.Err() != nil {
		r.logAbandoned(logger, execCtx, &leaseLost)
		return
	}

	res := types.JobResult{
		JobID:   job.ID,
		LeaseID: job.LeaseID,
		Type:    job.Type,
		Err:     err,
		Status:  state.StateCompleted,
		RanAt:   ranAt,
		Elapsed: time.Since(ranAt),
	}
	if err != nil {
		res.Status = state.StateFailed
	}

	select {
	case results <- res:
	case <-stop:
	}
}

func (r *Runtime) logAbandoned(logger *zap.Logger, execCtx context.Context, leaseLost *atomic.Bool) {
	switch {
	case leaseLost.Load():
		logger.Warn("lease lost while running, job abandoned")
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		logger.Warn("job exceeded max execution, left to lease expiry", zap.Duration("max_execution", r.maxExecution))
	default:
		logger.Warn("job abandoned at shutdown, left to lease expiry")
	}
}

// heartbeatLoop extends the lease until ctx ends. Extend calls use callCtx so
// a finishing job does not cut a call short.
func (r *Runtime) heartbeatLoop(ctx, callCtx context.Context, job *types.Job, onLost func()) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := r.engine.Extend(callCtx, job.ID, job.LeaseID, r.leaseDuration)
			if errors.Is(err, custom_errors.ErrUnknownLease) {
				onLost()
				return
			}
			if err != nil {
				r.logger.Warn("lease heartbeat failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

func (r *Runtime) execute(ctx context.Context, job *types.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", custom_errors.ErrHandlerPanicked, rec)
		}
	}()
	return r.handlers.Execute(ctx, job.Type, job.Payload)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/RezaEskandarii/firequeue/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu     sync.Mutex
	events map[Event]int
}

func (o *recordingObserver) Record(_, _ string, event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		o.events = map[Event]int{}
	}
	o.events[event]++
}

func (o *recordingObserver) Count(event Event) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[event]
}

func newTestEngine(t *testing.T, s store.Store, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	e, err := New(s, "emails", opts...)
	require.NoError(t, err)
	return e, clock
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, " ", WithLogger(nil), WithReclaimBatchSize(0))
	require.Error(t, err)

	var verr *custom_errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "store is required")
	assert.Contains(t, err.Error(), "queue name is required")
	assert.Contains(t, err.Error(), "logger must not be nil")
	assert.Contains(t, err.Error(), "reclaim batch size must be positive")
}

func TestEngine_Enqueue_Validation(t *testing.T) {
	e, _ := newTestEngine(t, memory.New())

	_, err := e.Enqueue(context.Background(), "", nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job type is required")
	assert.Contains(t, err.Error(), "max attempts must be at least 1")
}

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	e, clock := newTestEngine(t, memory.New(), WithObserver(obs))

	id, err := e.Enqueue(ctx, "send_email", []byte(`{"to":"a@b.c"}`), 3)
	require.NoError(t, err)

	queued, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateQueued, queued.State)
	assert.Equal(t, 0, queued.Attempts)
	assert.Equal(t, "emails", queued.Queue)

	job, err := e.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, state.StateLeased, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.LeaseID)
	require.NotNil(t, job.LeaseExpiry)
	assert.Equal(t, clock.Now().Add(30*time.Second), *job.LeaseExpiry)
	assert.JSONEq(t, `{"to":"a@b.c"}`, string(job.Payload))

	require.NoError(t, e.Ack(ctx, job.ID, job.LeaseID))

	done, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateCompleted, done.State)
	assert.Equal(t, 1, done.Attempts)
	assert.Empty(t, done.LeaseID)
	assert.NotNil(t, done.CompletedAt)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Queued)
	assert.Equal(t, int64(0), stats.Leased)
	assert.Equal(t, int64(1), stats.Completed)

	assert.Equal(t, 1, obs.Count(EventEnqueued))
	assert.Equal(t, 1, obs.Count(EventLeased))
	assert.Equal(t, 1, obs.Count(EventCompleted))
}

func TestEngine_DequeueEmpty(t *testing.T) {
	e, _ := newTestEngine(t, memory.New())

	job, err := e.Dequeue(context.Background(), time.Second)
	assert.NoError(t, err)
	assert.Nil(t, job)

	_, err = e.Dequeue(context.Background(), 0)
	assert.Error(t, err)
}

func TestEngine_FIFO(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, memory.New())

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := e.Enqueue(ctx, "t", nil, 1)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		job, err := e.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
}

func TestEngine_SingleWorkerCompletesEachJobOnce(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, memory.New())

	const n = 20
	for i := 0; i < n; i++ {
		_, err := e.Enqueue(ctx, "t", nil, 3)
		require.NoError(t, err)
	}

	seen := map[string]int{}
	for {
		job, err := e.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		if job == nil {
			break
		}
		seen[job.ID]++
		require.NoError(t, e.Ack(ctx, job.ID, job.LeaseID))
	}

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestEngine_FailRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	e, _ := newTestEngine(t, memory.New(), WithObserver(obs))

	id, err := e.Enqueue(ctx, "flaky", []byte("p"), 2)
	require.NoError(t, err)

	first, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NoError(t, e.Fail(ctx, id, first.LeaseID, "boom 1"))

	requeued, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateQueued, requeued.State)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Equal(t, "boom 1", requeued.LastError)

	second, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempts)
	assert.NotEqual(t, first.LeaseID, second.LeaseID)
	require.NoError(t, e.Fail(ctx, id, second.LeaseID, "boom 2"))

	dead, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateDeadLettered, dead.State)
	assert.Equal(t, 2, dead.Attempts)
	assert.Equal(t, "boom 2", dead.LastError)

	none, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	page, err := e.DeadLetters(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalItems)
	require.Len(t, page.Items, 1)
	assert.Equal(t, id, page.Items[0].ID)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Queued)
	assert.Equal(t, int64(0), stats.Leased)
	assert.Equal(t, int64(1), stats.DeadLettered)

	assert.Equal(t, 2, obs.Count(EventFailed))
	assert.Equal(t, 1, obs.Count(EventDeadLettered))
}

func TestEngine_AckRejectsUnknownLease(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, memory.New())

	id, err := e.Enqueue(ctx, "t", nil, 3)
	require.NoError(t, err)

	err = e.Ack(ctx, id, "")
	assert.ErrorIs(t, err, custom_errors.ErrUnknownLease, "queued job has no lease")

	job, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	err = e.Ack(ctx, id, "someone-else")
	assert.ErrorIs(t, err, custom_errors.ErrUnknownLease)
	err = e.Fail(ctx, id, "someone-else", "x")
	assert.ErrorIs(t, err, custom_errors.ErrUnknownLease)

	unchanged, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateLeased, unchanged.State)
	assert.Equal(t, job.LeaseID, unchanged.LeaseID)

	err = e.Ack(ctx, "missing", "")
	assert.ErrorIs(t, err, custom_errors.ErrUnknownLease)
	assert.ErrorIs(t, err, custom_errors.ErrJobNotFound)

	require.NoError(t, e.Ack(ctx, id, ""))
	err = e.Ack(ctx, id, job.LeaseID)
	assert.ErrorIs(t, err, custom_errors.ErrUnknownLease, "double ack")
}

func TestEngine_ConcurrentDequeueHandsOutDistinctJobs(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, memory.New())

	const jobs, workers = 100, 10
	for i := 0; i < jobs; i++ {
		_, err := e.Enqueue(ctx, "t", nil, 1)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := e.Dequeue(ctx, time.Minute)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestEngine_Release(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	e, _ := newTestEngine(t, memory.New(), WithObserver(obs))

	id, err := e.Enqueue(ctx, "t", nil, 3)
	require.NoError(t, err)
	job, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, e.Release(ctx, id, job.LeaseID))

	released, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateQueued, released.State)
	assert.Equal(t, 1, released.Attempts)
	assert.Empty(t, released.LeaseID)

	again, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, 1, obs.Count(EventReleased))
}

func TestEngine_Extend(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t, memory.New())

	id, err := e.Enqueue(ctx, "t", nil, 3)
	require.NoError(t, err)
	job, err := e.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	clock.Advance(8 * time.Second)
	expiry, err := e.Extend(ctx, id, job.LeaseID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Second), expiry)

	clock.Advance(5 * time.Second)
	n, err := e.ReclaimExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "extended lease is still live")

	_, err = e.Extend(ctx, id, "other", time.Second)
	assert.ErrorIs(t, err, custom_errors.ErrUnknownLease)
	_, err = e.Extend(ctx, id, job.LeaseID, 0)
	assert.Error(t, err)
}

func TestEngine_Replay(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, memory.New())

	id, err := e.Enqueue(ctx, "t", []byte("payload"), 1)
	require.NoError(t, err)
	job, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, e.Fail(ctx, id, job.LeaseID, "boom"))

	_, err = e.Replay(ctx, "missing")
	assert.ErrorIs(t, err, custom_errors.ErrJobNotFound)

	newID, err := e.Replay(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	original, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StateDeadLettered, original.State)

	replayed, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, newID, replayed.ID)
	assert.Equal(t, "payload", string(replayed.Payload))
	assert.Equal(t, 1, replayed.Attempts)

	_, err = e.Replay(ctx, newID)
	assert.ErrorIs(t, err, ErrNotReplayable)
}

func TestEngine_DeadLettersPagination(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, memory.New())

	for i := 0; i < 5; i++ {
		_, err := e.Enqueue(ctx, "t", nil, 1)
		require.NoError(t, err)
		job, err := e.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NoError(t, e.Fail(ctx, job.ID, job.LeaseID, "boom"))
	}

	page, err := e.DeadLetters(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalItems)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Items, 2)

	last, err := e.DeadLetters(ctx, 3, 2)
	require.NoError(t, err)
	assert.Len(t, last.Items, 1)
}

func TestEngine_DequeueSkipsUnusableIDs(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e, _ := newTestEngine(t, s)

	require.NoError(t, s.ListPush(ctx, e.Keys().Queued(), "ghost"))
	require.NoError(t, s.Set(ctx, e.Keys().Job("garbled"), []byte("not json")))
	require.NoError(t, s.ListPush(ctx, e.Keys().Queued(), "garbled"))
	id, err := e.Enqueue(ctx, "t", nil, 1)
	require.NoError(t, err)

	job, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)

	leased, err := s.SortedLen(ctx, e.Keys().Leased())
	require.NoError(t, err)
	assert.Equal(t, int64(1), leased)
}

func TestEngine_DequeueSkipsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e, _ := newTestEngine(t, s)

	id, err := e.Enqueue(ctx, "t", nil, 3)
	require.NoError(t, err)
	require.NoError(t, s.ListPush(ctx, e.Keys().Queued(), id))

	first, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	still, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.LeaseID, still.LeaseID)
	leased, err := s.SortedLen(ctx, e.Keys().Leased())
	require.NoError(t, err)
	assert.Equal(t, int64(1), leased)
}

func TestEngine_DequeueWaitWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, memory.New())

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = e.Enqueue(ctx, "t", nil, 1)
	}()

	start := time.Now()
	job, err := e.DequeueWait(ctx, time.Minute, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestEngine_DequeueWaitTimesOut(t *testing.T) {
	e, _ := newTestEngine(t, memory.New())

	job, err := e.DequeueWait(context.Background(), time.Minute, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestEngine_DequeueWaitCancelled(t *testing.T) {
	e, _ := newTestEngine(t, memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := e.DequeueWait(ctx, time.Minute, time.Second)
	assert.NoError(t, err)
	assert.Nil(t, job)
}

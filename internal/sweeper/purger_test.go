package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/internal/lock"
	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/RezaEskandarii/firequeue/internal/store/memory"
	"github.com/RezaEskandarii/firequeue/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// finish runs one job through the engine to completion or dead letter.
func finish(t *testing.T, e *queue.Engine, fail bool) string {
	t.Helper()
	ctx := context.Background()
	id, err := e.Enqueue(ctx, "t", nil, 1)
	require.NoError(t, err)
	job, err := e.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	if fail {
		require.NoError(t, e.Fail(ctx, id, job.LeaseID, "boom"))
	} else {
		require.NoError(t, e.Ack(ctx, id, job.LeaseID))
	}
	return id
}

func TestPurger_DeletesFinishedJobsPastRetention(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-48 * time.Hour)
	e, err := queue.New(s, "emails", queue.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	oldDone := finish(t, e, false)
	oldDead := finish(t, e, true)
	clock = now.Add(-time.Hour)
	freshDone := finish(t, e, false)
	freshDead := finish(t, e, true)

	p := NewPurger(s, e.Keys(), lock.NewLocalLockManager(), 24*time.Hour, time.Hour, nil)
	p.now = func() time.Time { return now }

	n, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{oldDone, oldDead} {
		_, err := s.Get(ctx, e.Keys().Job(id))
		assert.True(t, store.IsNotFound(err), id)
	}
	for _, id := range []string{freshDone, freshDead} {
		_, err := e.Get(ctx, id)
		assert.NoError(t, err, id)
	}

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.DeadLettered)
}

func TestPurger_DropsDanglingDeadLetterIDs(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	keys := queue.NewKeys(constants.DefaultKeyPrefix, "emails")
	require.NoError(t, s.ListPush(ctx, keys.DeadLettered(), "ghost"))

	p := NewPurger(s, keys, lock.NewLocalLockManager(), time.Hour, time.Hour, nil)
	n, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	l, err := s.ListLen(ctx, keys.DeadLettered())
	require.NoError(t, err)
	assert.Zero(t, l)
}

func TestPurger_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	keys := queue.NewKeys(constants.DefaultKeyPrefix, "emails")
	require.NoError(t, s.SortedAdd(ctx, keys.Completed(), "old", 0))
	require.NoError(t, s.Set(ctx, keys.Job("old"), []byte("{}")))

	locks := lock.NewLocalLockManager()
	_, err := locks.TryAcquire(ctx, constants.PurgeLock)
	require.NoError(t, err)

	n, err := NewPurger(s, keys, locks, time.Hour, time.Hour, nil).Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Get(ctx, keys.Job("old"))
	assert.NoError(t, err)
}

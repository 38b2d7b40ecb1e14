package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocks(t *testing.T) (*miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDistributedLockManager_ExclusiveAcrossInstances(t *testing.T) {
	mr, client := newRedisLocks(t)
	ctx := context.Background()

	a := NewRedisDistributedLockManager(client, "firequeue", time.Minute)
	b := NewRedisDistributedLockManager(client, "firequeue", time.Minute)

	ok, err := a.TryAcquire(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("firequeue:lock:4"))

	ok, err = b.TryAcquire(ctx, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, 4))
	assert.False(t, mr.Exists("firequeue:lock:4"))

	ok, err = b.TryAcquire(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisDistributedLockManager_ReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newRedisLocks(t)
	ctx := context.Background()

	a := NewRedisDistributedLockManager(client, "firequeue", time.Second)
	ok, err := a.TryAcquire(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// a's lock expires and b takes it over
	mr.FastForward(2 * time.Second)
	b := NewRedisDistributedLockManager(client, "firequeue", time.Minute)
	ok, err = b.TryAcquire(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx, 1))
	assert.True(t, mr.Exists("firequeue:lock:1"), "a must not delete b's lock")
}

func TestLocalLockManager(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLockManager()

	ok, err := l.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.TryAcquire(ctx, 1)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, 1))
	ok, _ = l.TryAcquire(ctx, 1)
	assert.True(t, ok)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLockManager()
	_, _ = l.TryAcquire(ctx, 2)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = l.Release(ctx, 2)
	}()

	err := Acquire(ctx, l, 2, 5*time.Millisecond)
	assert.NoError(t, err)
}

func TestAcquire_ContextDeadline(t *testing.T) {
	l := NewLocalLockManager()
	_, _ = l.TryAcquire(context.Background(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Acquire(ctx, l, 3, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s against the store contract. Each subtest uses its own keys.
func Run(t *testing.T, s store.Store) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(context.Background(), "missing")
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "HolbertonSanFrancisco", []byte("100")))

		v, err := s.Get(ctx, "HolbertonSanFrancisco")
		require.NoError(t, err)
		assert.Equal(t, "100", string(v))

		require.NoError(t, s.Delete(ctx, "HolbertonSanFrancisco"))
		_, err = s.Get(ctx, "HolbertonSanFrancisco")
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		ctx := context.Background()

		ok, err := s.CompareAndSwap(ctx, "cas", nil, []byte("v1"))
		require.NoError(t, err)
		assert.True(t, ok, "absent key with nil expected")

		ok, err = s.CompareAndSwap(ctx, "cas", nil, []byte("v2"))
		require.NoError(t, err)
		assert.False(t, ok, "existing key with nil expected")

		ok, err = s.CompareAndSwap(ctx, "cas", []byte("wrong"), []byte("v2"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndSwap(ctx, "cas", []byte("v1"), []byte("v2"))
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := s.Get(ctx, "cas")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(v))

		ok, err = s.CompareAndSwap(ctx, "cas-missing", []byte("v1"), []byte("v2"))
		require.NoError(t, err)
		assert.False(t, ok, "missing key with non-nil expected")
	})

	t.Run("CompareAndSwapSingleWinner", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "race", []byte("start")))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, "race", []byte("start"), []byte(fmt.Sprintf("w%d", i)))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ListFIFO", func(t *testing.T) {
		ctx := context.Background()
		for _, m := range []string{"a", "b", "c"} {
			require.NoError(t, s.ListPush(ctx, "fifo", m))
		}

		n, err := s.ListLen(ctx, "fifo")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		page, err := s.ListRange(ctx, "fifo", 1, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, page)

		for _, want := range []string{"a", "b", "c"} {
			got, err := s.ListPop(ctx, "fifo")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err = s.ListPop(ctx, "fifo")
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("ListRemove", func(t *testing.T) {
		ctx := context.Background()
		for _, m := range []string{"x", "y", "x"} {
			require.NoError(t, s.ListPush(ctx, "rm", m))
		}
		removed, err := s.ListRemove(ctx, "rm", "x")
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		rest, err := s.ListRange(ctx, "rm", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"y"}, rest)
	})

	t.Run("ConcurrentPopNoDuplicates", func(t *testing.T) {
		ctx := context.Background()
		const total = 20
		for i := 0; i < total; i++ {
			require.NoError(t, s.ListPush(ctx, "concurrent", fmt.Sprintf("job-%d", i)))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					m, err := s.ListPop(ctx, "concurrent")
					if store.IsNotFound(err) {
						return
					}
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					seen[m]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for m, n := range seen {
			assert.Equal(t, 1, n, m)
		}
	})

	t.Run("SortedSet", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.SortedAdd(ctx, "leases", "late", 300))
		require.NoError(t, s.SortedAdd(ctx, "leases", "early", 100))
		require.NoError(t, s.SortedAdd(ctx, "leases", "mid", 200))

		due, err := s.SortedRangeByScore(ctx, "leases", 200, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "mid"}, due)

		due, err = s.SortedRangeByScore(ctx, "leases", 1000, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"early"}, due)

		// re-adding moves the score
		require.NoError(t, s.SortedAdd(ctx, "leases", "early", 500))
		due, err = s.SortedRangeByScore(ctx, "leases", 200, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"mid"}, due)

		n, err := s.SortedLen(ctx, "leases")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		removed, err := s.SortedRemove(ctx, "leases", "mid")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.SortedRemove(ctx, "leases", "mid")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

// RunBlocking checks the blocking pop of stores that provide one.
func RunBlocking(t *testing.T, s store.Store) {
	t.Helper()
	bp, ok := s.(store.BlockingPopper)
	require.True(t, ok, "store does not implement BlockingPopper")

	t.Run("BlockingPopTimeout", func(t *testing.T) {
		_, err := bp.BlockingListPop(context.Background(), "blocking-empty", 50*time.Millisecond)
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("BlockingPopWakesOnPush", func(t *testing.T) {
		ctx := context.Background()
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = s.ListPush(ctx, "blocking", "job-1")
		}()

		got, err := bp.BlockingListPop(ctx, "blocking", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "job-1", got)
	})

	t.Run("CancelledPopKeepsElement", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
			time.Sleep(30 * time.Millisecond)
			_ = s.ListPush(context.Background(), "blocking-cancel", "job-1")
		}()

		got, err := bp.BlockingListPop(ctx, "blocking-cancel", time.Second)
		if err == nil {
			assert.Equal(t, "job-1", got)
			return
		}
		assert.ErrorIs(t, err, context.Canceled)
		assert.Eventually(t, func() bool {
			items, err := s.ListRange(context.Background(), "blocking-cancel", 0, 0)
			return err == nil && len(items) == 1 && items[0] == "job-1"
		}, 2*time.Second, 10*time.Millisecond, "an element popped after cancellation must stay queued")
	})
}

package memory

import (
	"context"
	"testing"

	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/RezaEskandarii/firequeue/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	storetest.Run(t, New())
}

func TestMemoryStore_Blocking(t *testing.T) {
	storetest.RunBlocking(t, New())
}

func TestMemoryStore_BlockingPopHonoursContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.BlockingListPop(ctx, "q", 0)
	// timer of 0 and a cancelled context race; both end the wait
	assert.Error(t, err)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), store.ErrClosed)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("abc")))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	v[0] = 'x'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

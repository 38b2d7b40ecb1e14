package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for a missing key or an empty list.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable marks transient failures (network, timeouts, pool exhaustion).
	ErrUnavailable = errors.New("store: unavailable")
	ErrClosed      = errors.New("store: closed")
)

// Store is the key-value/list contract the queue engine is written against.
// Every call may hit a remote store and fail on its own; nothing here blocks the
// whole engine.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// CompareAndSwap writes value only if the current value equals expected.
	// A nil expected means the key must not exist yet.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error)

	// ListPush appends member at the tail.
	ListPush(ctx context.Context, list, member string) error
	// ListPop atomically removes and returns the head, or ErrNotFound.
	ListPop(ctx context.Context, list string) (string, error)
	ListRange(ctx context.Context, list string, offset, limit int64) ([]string, error)
	ListRemove(ctx context.Context, list, member string) (int64, error)
	ListLen(ctx context.Context, list string) (int64, error)

	SortedAdd(ctx context.Context, set, member string, score int64) error
	// SortedRemove reports true only to the caller that actually removed member.
	SortedRemove(ctx context.Context, set, member string) (bool, error)
	// SortedRangeByScore returns up to limit members with score <= max, lowest first.
	SortedRangeByScore(ctx context.Context, set string, max int64, limit int64) ([]string, error)
	SortedLen(ctx context.Context, set string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// BlockingPopper is implemented by stores with a native blocking pop.
type BlockingPopper interface {
	// BlockingListPop waits up to timeout for an element; ErrNotFound on timeout.
	BlockingListPop(ctx context.Context, list string, timeout time.Duration) (string, error)
}

// Unavailable wraps err as a transient store failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

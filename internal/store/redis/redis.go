package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/store"
	goredis "github.com/redis/go-redis/v9"
)

// compareAndSwapScript sets KEYS[1] to ARGV[3] when its current value equals ARGV[2],
// or when it is absent and ARGV[1] is "1".
var compareAndSwapScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
	if current then
		return 0
	end
elseif current ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[3])
return 1
`)

type Store struct {
	client goredis.UniversalClient
}

var _ store.Store = (*Store)(nil)
var _ store.BlockingPopper = (*Store)(nil)

func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to a single Redis node and verifies the connection.
func Open(ctx context.Context, address, password string, db int) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, store.Unavailable("ping", err)
	}
	return New(client), nil
}

func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, mapError("get", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return mapError("set", s.client.Set(ctx, key, value, 0).Err())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return mapError("del", s.client.Del(ctx, key).Err())
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	absent := "0"
	if expected == nil {
		absent = "1"
	}
	n, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, absent, expected, value).Int()
	if err != nil {
		return false, mapError("cas", err)
	}
	return n == 1, nil
}

func (s *Store) ListPush(ctx context.Context, list, member string) error {
	return mapError("rpush", s.client.RPush(ctx, list, member).Err())
}

func (s *Store) ListPop(ctx context.Context, list string) (string, error) {
	v, err := s.client.LPop(ctx, list).Result()
	if err != nil {
		return "", mapError("lpop", err)
	}
	return v, nil
}

func (s *Store) BlockingListPop(ctx context.Context, list string, timeout time.Duration) (string, error) {
	// BLPOP has one second resolution on the client side
	if timeout < time.Second {
		timeout = time.Second
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// Cancelling a BLPOP in flight can drop an element the server already
	// popped, so the command always runs out its timeout and a late element
	// goes back to the head.
	detached := context.WithoutCancel(ctx)
	res, err := s.client.BLPop(detached, timeout, list).Result()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", mapError("blpop", err)
	}
	if len(res) != 2 {
		return "", store.ErrNotFound
	}
	if ctx.Err() != nil {
		if err := s.client.LPush(detached, list, res[1]).Err(); err != nil {
			return "", mapError("lpush", err)
		}
		return "", ctx.Err()
	}
	return res[1], nil
}

func (s *Store) ListRange(ctx context.Context, list string, offset, limit int64) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = offset + limit - 1
	}
	v, err := s.client.LRange(ctx, list, offset, stop).Result()
	if err != nil {
		return nil, mapError("lrange", err)
	}
	return v, nil
}

func (s *Store) ListRemove(ctx context.Context, list, member string) (int64, error) {
	n, err := s.client.LRem(ctx, list, 0, member).Result()
	if err != nil {
		return 0, mapError("lrem", err)
	}
	return n, nil
}

func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	n, err := s.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, mapError("llen", err)
	}
	return n, nil
}

func (s *Store) SortedAdd(ctx context.Context, set, member string, score int64) error {
	return mapError("zadd", s.client.ZAdd(ctx, set, goredis.Z{Score: float64(score), Member: member}).Err())
}

func (s *Store) SortedRemove(ctx context.Context, set, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, set, member).Result()
	if err != nil {
		return false, mapError("zrem", err)
	}
	return n > 0, nil
}

func (s *Store) SortedRangeByScore(ctx context.Context, set string, max int64, limit int64) ([]string, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(max, 10),
	}
	if limit > 0 {
		by.Count = limit
	}
	v, err := s.client.ZRangeByScore(ctx, set, by).Result()
	if err != nil {
		return nil, mapError("zrangebyscore", err)
	}
	return v, nil
}

func (s *Store) SortedLen(ctx context.Context, set string) (int64, error) {
	n, err := s.client.ZCard(ctx, set).Result()
	if err != nil {
		return 0, mapError("zcard", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", s.client.Ping(ctx).Err())
}

func (s *Store) Close() error {
	return s.client.Close()
}

func mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.Nil):
		return store.ErrNotFound
	case errors.Is(err, goredis.ErrClosed):
		return store.ErrClosed
	default:
		return store.Unavailable(op, err)
	}
}

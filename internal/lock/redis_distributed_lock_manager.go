package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`)

// RedisDistributedLockManager holds locks as SET NX keys with a TTL so a
// crashed holder cannot keep a lock forever.
type RedisDistributedLockManager struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	mu     sync.Mutex
	tokens map[int]string
}

func NewRedisDistributedLockManager(client goredis.UniversalClient, prefix string, ttl time.Duration) *RedisDistributedLockManager {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisDistributedLockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		tokens: make(map[int]string),
	}
}

func (l *RedisDistributedLockManager) key(lockID int) string {
	return fmt.Sprintf("%s:lock:%d", l.prefix, lockID)
}

func (l *RedisDistributedLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.tokens[lockID]; held {
		return false, nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(lockID), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok {
		l.tokens[lockID] = token
	}
	return ok, nil
}

func (l *RedisDistributedLockManager) Release(ctx context.Context, lockID int) error {
	l.mu.Lock()
	token, held := l.tokens[lockID]
	delete(l.tokens, lockID)
	l.mu.Unlock()

	if !held {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(lockID)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

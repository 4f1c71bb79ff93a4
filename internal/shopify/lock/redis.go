package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"goshopify_bulk/internal/shopify/apierr"
	"goshopify_bulk/pkg/clock"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// RedisLocker stores each lock as a key holding a random token with a
// PX expiry. Refresh and release compare the token first, so a process
// can never extend or drop a lock it no longer owns.
type RedisLocker struct {
	client redis.Cmdable
	clock  clock.Clock
	log    *zap.Logger
}

// NewRedisLocker stamps handles with c, which should be the clock the
// pollers refreshing them run on. A nil c is the wall clock.
func NewRedisLocker(client redis.Cmdable, c clock.Clock, log *zap.Logger) *RedisLocker {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{client: client, clock: c, log: log.Named("lock")}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, &apierr.LockContentionError{Key: key}
	}
	l.log.Info("acquired bulk lock", zap.String("key", key), zap.Duration("ttl", ttl))
	return newHandle(key, token, ttl, l, l.clock, l.log), nil
}

func (l *RedisLocker) refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLocker) release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return n == 1, nil
}

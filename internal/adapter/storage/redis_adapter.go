package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix       = "lock:"
	idempotencyPending  = "pending"
	defaultLockTTL      = 10 * time.Second
	defaultLockRetryGap = 20 * time.Millisecond
)

// releaseLockScript deletes the lock only if it still carries our token.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

// RedisAdapter provides distributed locks and idempotency keys.
type RedisAdapter struct {
	client   *redis.Client
	lockTTL  time.Duration
	retryGap time.Duration
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{
		client:   client,
		lockTTL:  defaultLockTTL,
		retryGap: defaultLockRetryGap,
	}
}

// WithLockTiming sets how long a lock lives and how often a blocked Lock polls.
func (r *RedisAdapter) WithLockTiming(ttl, retryGap time.Duration) *RedisAdapter {
	if ttl > 0 {
		r.lockTTL = ttl
	}
	if retryGap > 0 {
		r.retryGap = retryGap
	}
	return r
}

func (r *RedisAdapter) Lock(ctx context.Context, keys ...string) (func(), error) {
	type held struct {
		key   string
		token string
	}
	var acquired []held

	release := func() {
		// Release even when the caller's context is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(acquired) - 1; i >= 0; i-- {
			releaseLockScript.Run(releaseCtx, r.client, []string{acquired[i].key}, acquired[i].token)
		}
	}

	for _, key := range sortedUnique(keys) {
		lockKey := lockKeyPrefix + key
		token := uuid.NewString()
		for {
			ok, err := r.client.SetNX(ctx, lockKey, token, r.lockTTL).Result()
			if err != nil {
				release()
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, fmt.Errorf("lock %s: %w", key, err)
			}
			if ok {
				acquired = append(acquired, held{key: lockKey, token: token})
				break
			}

			timer := time.NewTimer(r.retryGap)
			select {
			case <-ctx.Done():
				timer.Stop()
				release()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, idempotencyPending, ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) GetIdempotency(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if value == idempotencyPending {
		return "", nil
	}
	return value, nil
}

func (r *RedisAdapter) CompleteIdempotency(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

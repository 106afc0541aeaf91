package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisConfig tunes the Redis lock.
type RedisConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can block others. It must exceed
	// the longest critical section, including ready callbacks.
	TTL       time.Duration
	RetryWait time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:    "redwood:lock:",
		TTL:       30 * time.Second,
		RetryWait: 50 * time.Millisecond,
	}
}

// RedisLocker is a single-instance Redis lock (SET NX PX plus token-checked
// release).
type RedisLocker struct {
	client redis.UniversalClient
	config RedisConfig
}

func NewRedisLocker(client redis.UniversalClient, config RedisConfig) *RedisLocker {
	return &RedisLocker{client: client, config: config}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.config.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.config.TTL).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("redis lock %q: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.config.RetryWait):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
				log.Error().Err(err).Str("key", key).Msg("redis unlock failed")
			}
		})
	}, nil
}

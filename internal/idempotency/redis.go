// Package idempotency keeps order idempotency keys in Redis so replays skip
// the database, and guards each key with a short-lived lock while a request
// for it is in flight.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardvault-backend/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// DefaultLockTTL bounds how long a crashed request can block its key.
const DefaultLockTTL = 30 * time.Second

type RedisCache struct {
	client  redis.UniversalClient
	ttl     time.Duration
	lockTTL time.Duration
	release *redis.Script
}

func NewRedisCache(client redis.UniversalClient, ttl, lockTTL time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("idempotency ttl must be positive, got %s", ttl)
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &RedisCache{
		client:  client,
		ttl:     ttl,
		lockTTL: lockTTL,
		release: redis.NewScript(releaseScript),
	}, nil
}

// NewClient opens a client for addr. The caller owns Close.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func (c *RedisCache) Get(ctx context.Context, key string) (int64, bool, error) {
	logger.ExternalServiceCall("redis", "GET", "key", key)
	id, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		logger.ExternalServiceResult("redis", "GET", nil, "hit", false)
		return 0, false, nil
	}
	if err != nil {
		logger.ExternalServiceResult("redis", "GET", err)
		return 0, false, err
	}
	logger.ExternalServiceResult("redis", "GET", nil, "hit", true)
	return id, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, orderID int64) error {
	logger.ExternalServiceCall("redis", "SET", "key", key)
	err := c.client.Set(ctx, key, orderID, c.ttl).Err()
	logger.ExternalServiceResult("redis", "SET", err)
	return err
}

// Lock takes key's in-flight lock. The returned unlock only deletes the lock
// if it still holds this call's token, so an expired lock that another
// request re-acquired is left alone.
func (c *RedisCache) Lock(ctx context.Context, key string) (func(), bool, error) {
	lockKey := LockKey(key)
	token := uuid.NewString()

	logger.ExternalServiceCall("redis", "SETNX", "key", lockKey)
	ok, err := c.client.SetNX(ctx, lockKey, token, c.lockTTL).Result()
	logger.ExternalServiceResult("redis", "SETNX", err, "acquired", ok)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := c.release.Run(releaseCtx, c.client, []string{lockKey}, token).Err(); err != nil {
			logger.Warn("Failed to release idempotency lock", "key", lockKey, "error", err)
		}
	}
	return unlock, true, nil
}

func LockKey(key string) string {
	return key + ":lock"
}

package idempotency_test

import (
	"context"
	"testing"
	"time"

	"cardvault-backend/internal/idempotency"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisCache(t *testing.T) {
	t.Run("Client required", func(t *testing.T) {
		_, err := idempotency.NewRedisCache(nil, time.Hour, 0)
		assert.Error(t, err)
	})

	t.Run("TTL required", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		defer client.Close()
		_, err := idempotency.NewRedisCache(client, 0, 0)
		assert.Error(t, err)
	})
}

func TestRedisCache_Unreachable(t *testing.T) {
	// nothing listens on port 1, so every command fails fast
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cache, err := idempotency.NewRedisCache(client, time.Hour, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	_, found, err := cache.Get(ctx, "idem:order:create:1:2:k")
	assert.Error(t, err)
	assert.False(t, found)

	assert.Error(t, cache.Put(ctx, "idem:order:create:1:2:k", 5))

	unlock, acquired, err := cache.Lock(ctx, "idem:order:create:1:2:k")
	assert.Error(t, err)
	assert.False(t, acquired)
	assert.Nil(t, unlock)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "idem:order:create:1:2:abc:lock", idempotency.LockKey("idem:order:create:1:2:abc"))
}

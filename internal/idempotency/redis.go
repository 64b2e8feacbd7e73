package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend over go-redis. Grounded on the
// teacher's store/redis_idempotency.go, trimmed to the plain Get/Set
// shape idempotency/store.go's Backend interface expects (the teacher's
// two-phase LOCKED/RESULT dance exists to deduplicate concurrent HTTP
// requests for the same key; a mutation's idempotency_key is only ever
// resolved once by EMM, so there is no concurrent-writer race to guard
// against here).
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisBackend{client: client, prefix: "keepai-exec:idempotency:"}, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return b.client.Set(ctx, b.prefix+key, value, ttl).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, b.prefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "crawlsync:idem:"

// RedisStore keeps idempotency keys in Redis with a TTL, giving every API
// replica the same bounded deduplication window.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisConfig carries connection parameters for the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisStore connects a RedisStore.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Lookup resolves a key within the retention window.
func (s *RedisStore) Lookup(ctx context.Context, ownerID, key string) (string, bool, error) {
	jobID, err := s.client.Get(ctx, s.key(ownerID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return jobID, true, nil
}

// Remember stores the association with the configured TTL. SetNX keeps the
// first submission's job ID when two retries race.
func (s *RedisStore) Remember(ctx context.Context, ownerID, key, jobID string) error {
	if err := s.client.SetNX(ctx, s.key(ownerID, key), jobID, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency remember: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *RedisStore) key(ownerID, key string) string {
	return redisKeyPrefix + ownerID + ":" + key
}

// internal/store/redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"generation-core/internal/common/config"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements DurableStore on a Redis instance.
type RedisStore struct {
	Client *redis.Client
}

// NewRedis creates a new Redis-backed durable store.
func NewRedis(cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	return &RedisStore{Client: rdb}, nil
}

// NewRedisFromClient wraps an existing client (used by tests with redismock).
func NewRedisFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

// Ping tests the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if s.Client != nil {
		return s.Client.Close()
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.Client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	// Persisted job records carry their own expiry semantics; no TTL here.
	return s.Client.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.Client.Del(ctx, key).Err()
}

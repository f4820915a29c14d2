// internal/entitlement/cache.go
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"generation-core/internal/models"

	"github.com/redis/go-redis/v9"
)

const cacheKey = "entitlement:status"

// Cache is the fast local entitlement flag. It is an optimization only: the
// validator never lets a cached "active" stand without the authority
// agreeing.
type Cache interface {
	Get(ctx context.Context) (*models.EntitlementStatus, bool, error)
	Set(ctx context.Context, status *models.EntitlementStatus) error
}

// RedisCache stores the cached entitlement with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context) (*models.EntitlementStatus, bool, error) {
	val, err := c.client.Get(ctx, cacheKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var status models.EntitlementStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		// A cache blob that cannot be decoded is the same as a miss.
		return nil, false, nil
	}
	return &status, true, nil
}

func (c *RedisCache) Set(ctx context.Context, status *models.EntitlementStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey, data, c.ttl).Err()
}

// MemoryCache is the in-process Cache used by tests and by the daemon when
// Redis is not configured.
type MemoryCache struct {
	mu     sync.RWMutex
	status *models.EntitlementStatus
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(_ context.Context) (*models.EntitlementStatus, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status == nil {
		return nil, false, nil
	}
	cp := *c.status
	return &cp, true, nil
}

func (c *MemoryCache) Set(_ context.Context, status *models.EntitlementStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *status
	c.status = &cp
	return nil
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)

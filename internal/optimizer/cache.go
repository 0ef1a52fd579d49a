package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// ResultCache stores finished reports by key. Cached reports are shared and
// must be treated as read-only.
//
// Keys carry the client's data generation. Invalidate advances it after new
// records are stored, so reports computed from older records are never
// served again and simply expire.
type ResultCache interface {
	Get(ctx context.Context, key string) (*models.Report, bool, error)
	Set(ctx context.Context, key string, report *models.Report) error
	Generation(ctx context.Context, clientID string) (uint64, error)
	Invalidate(ctx context.Context, clientID string) error
}

// resultKey is the cache key of a request key at a data generation.
func resultKey(requestKey string, gen uint64) string {
	return requestKey + ":" + strconv.FormatUint(gen, 10)
}

// =============================================
// REDIS
// =============================================

const (
	redisResultPrefix     = "spendopt:result:"
	redisGenerationPrefix = "spendopt:gen:"
)

// RedisResultCache keeps JSON encoded reports in Redis with a TTL, so
// results survive restarts and are shared between replicas.
type RedisResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResultCache creates a Redis-backed result cache.
func NewRedisResultCache(client *redis.Client, ttl time.Duration) *RedisResultCache {
	return &RedisResultCache{client: client, ttl: ttl}
}

func (c *RedisResultCache) Get(ctx context.Context, key string) (*models.Report, bool, error) {
	raw, err := c.client.Get(ctx, redisResultPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached result: %w", err)
	}

	var report models.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &report, true, nil
}

func (c *RedisResultCache) Set(ctx context.Context, key string, report *models.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := c.client.Set(ctx, redisResultPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

func (c *RedisResultCache) Generation(ctx context.Context, clientID string) (uint64, error) {
	gen, err := c.client.Get(ctx, redisGenerationPrefix+clientID).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read data generation: %w", err)
	}
	return gen, nil
}

func (c *RedisResultCache) Invalidate(ctx context.Context, clientID string) error {
	if err := c.client.Incr(ctx, redisGenerationPrefix+clientID).Err(); err != nil {
		return fmt.Errorf("failed to advance data generation: %w", err)
	}
	return nil
}

// =============================================
// IN-MEMORY
// =============================================

type cacheEntry struct {
	report    *models.Report
	expiresAt time.Time
}

// MemoryResultCache is a process-local ResultCache used when Redis is
// disabled.
type MemoryResultCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	gens    map[string]uint64
}

// NewMemoryResultCache creates an in-memory cache whose entries expire
// after ttl.
func NewMemoryResultCache(ttl time.Duration) *MemoryResultCache {
	return &MemoryResultCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

func (c *MemoryResultCache) Get(ctx context.Context, key string) (*models.Report, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.report, true, nil
}

func (c *MemoryResultCache) Set(ctx context.Context, key string, report *models.Report) error {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{report: report, expiresAt: now.Add(c.ttl)}
	return nil
}

func (c *MemoryResultCache) Generation(ctx context.Context, clientID string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[clientID], nil
}

func (c *MemoryResultCache) Invalidate(ctx context.Context, clientID string) error {
	c.mu.Lock()
	c.gens[clientID]++
	c.mu.Unlock()
	return nil
}

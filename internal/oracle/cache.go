package oracle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache stores recent prices keyed by asset id. Implementations expire
// entries on their own; a miss is reported as ok=false.
type Cache interface {
	Get(ctx context.Context, assetID string) (decimal.Decimal, bool)
	Set(ctx context.Context, assetID string, price decimal.Decimal)
}

type cacheEntry struct {
	price   decimal.Decimal
	fetched time.Time
}

// MemoryCache is a process-wide TTL cache.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates a MemoryCache. now may be nil to use time.Now.
func NewMemoryCache(ttl time.Duration, now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *MemoryCache) Get(_ context.Context, assetID string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[assetID]
	if !ok || c.now().Sub(e.fetched) >= c.ttl {
		return decimal.Zero, false
	}
	return e.price, true
}

func (c *MemoryCache) Set(_ context.Context, assetID string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[assetID] = cacheEntry{price: price, fetched: c.now()}
}

// RedisCache shares prices between instances. Each asset is a hash at
// "oracle:price:{assetID}" with fields "price" and "ts", expiring after ttl.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a RedisCache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func redisPriceKey(assetID string) string {
	return "oracle:price:" + assetID
}

func (c *RedisCache) Get(ctx context.Context, assetID string) (decimal.Decimal, bool) {
	vals, err := c.rdb.HGetAll(ctx, redisPriceKey(assetID)).Result()
	if err != nil || len(vals) == 0 {
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return decimal.Zero, false
	}
	return price, true
}

func (c *RedisCache) Set(ctx context.Context, assetID string, price decimal.Decimal) {
	key := redisPriceKey(assetID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": price.String(),
		"ts":    time.Now().UnixNano(),
	})
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("oracle cache write failed", "asset", assetID, "err", err)
	}
}

// Compile-time interface checks.
var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)

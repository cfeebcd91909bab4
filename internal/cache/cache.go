package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Cache is a small JSON read cache over Redis for slow-changing
// metadata (coupon rows, discount tier sets). Misses and Redis
// errors are both reported as "not cached" so callers always fall
// back to the database; nothing authoritative lives here.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Cache. rdb may be nil, which disables caching.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get unmarshals the cached value for key into dest. Returns false
// on a miss or any error.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		log.Warnf("[cache] corrupt entry %s: %v", key, err)
		c.rdb.Del(ctx, key)
		return false
	}
	return true
}

// Set stores val under key for the configured TTL. Failures are
// logged and ignored.
func (c *Cache) Set(ctx context.Context, key string, val interface{}) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(val)
	if err != nil {
		log.Warnf("[cache] marshal %s: %v", key, err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		log.Warnf("[cache] set %s: %v", key, err)
	}
}

// Del drops a cached entry, e.g. after the underlying row changed.
func (c *Cache) Del(ctx context.Context, key string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		log.Warnf("[cache] del %s: %v", key, err)
	}
}

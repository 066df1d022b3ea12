package httpcall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quillhaven/taskwire/internal/logging"
)

// Cache stores successful responses to idempotent calls in Redis so repeat
// lookups skip the downstream round trip.
type Cache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

// NewCache builds a response cache. ttl is the default retention for
// entries stored without a per-call override.
func NewCache(rdb *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "tw:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{rdb: rdb, prefix: prefix, ttl: ttl, logger: logging.New("httpcall")}
}

func (c *Cache) redisKey(hash string) string { return c.prefix + "call:" + hash }

// Get returns the cached response for key, if any. Cache errors degrade to
// a miss.
func (c *Cache) Get(ctx context.Context, key string) (*Response, bool) {
	raw, err := c.rdb.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithContext(ctx).WithError(err).Debug("cache read failed")
		}
		return nil, false
	}
	var res Response
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// Set stores res under key. ttl <= 0 uses the cache default. Write failures
// are logged and dropped since the response was already served.
func (c *Cache) Set(ctx context.Context, key string, res *Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.redisKey(key), raw, ttl).Err(); err != nil {
		c.logger.WithContext(ctx).WithError(err).Debug("cache write failed")
	}
}

// cacheKey hashes the full request identity. Tenant is part of the key so
// tenants never share cached responses.
func cacheKey(method, url, tenantID string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(url))
	h.Write([]byte{'|'})
	h.Write([]byte(tenantID))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

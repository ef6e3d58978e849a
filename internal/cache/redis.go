package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/model"
)

// RedisCache stores entries as JSON under keys that expire with the entry.
type RedisCache struct {
	client    redis.Cmdable
	keyPrefix string
	now       func() time.Time
}

// NewRedisCache creates a cache on client. keyPrefix namespaces the keys.
func NewRedisCache(client redis.Cmdable, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "enrich:cache:"
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// SetNow replaces the clock. Tests only.
func (c *RedisCache) SetNow(now func() time.Time) { c.now = now }

func (c *RedisCache) key(orgID, field, identityKey string) string {
	return c.keyPrefix + orgID + ":" + field + ":" + identityKey
}

func (c *RedisCache) Get(ctx context.Context, orgID, field string, identity model.ContactIdentity) (*model.CacheEntry, error) {
	key := NormalizeIdentity(identity)
	if key == "" {
		return nil, nil
	}
	data, err := c.client.Get(ctx, c.key(orgID, field, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "redis cache: get")
	}

	var e model.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, eris.Wrap(err, "redis cache: decode entry")
	}
	// Key TTL and the stored expiry can disagree by clock skew between hosts.
	if e.Expired(c.now()) {
		return nil, nil
	}
	return &e, nil
}

func (c *RedisCache) Put(ctx context.Context, orgID, field string, identity model.ContactIdentity,
	value any, confidence float64, provider string, ttlDays int) error {
	key := NormalizeIdentity(identity)
	if key == "" || ttlDays <= 0 {
		return nil
	}
	e := newEntry(orgID, field, key, value, confidence, provider, ttlDays, c.now())
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "redis cache: encode entry")
	}
	ttl := time.Duration(ttlDays) * 24 * time.Hour
	return eris.Wrap(c.client.Set(ctx, c.key(orgID, field, key), data, ttl).Err(), "redis cache: set")
}

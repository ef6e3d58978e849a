package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sells-group/lead-enrichment/internal/model"
)

// MemoryCache keeps entries in process memory. Expiry is checked against the
// entry's ExpiresAt on read; go-cache's janitor only reclaims memory.
type MemoryCache struct {
	items *gocache.Cache
	now   func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: gocache.New(gocache.NoExpiration, 10*time.Minute),
		now:   time.Now,
	}
}

// SetNow replaces the clock. Tests only.
func (c *MemoryCache) SetNow(now func() time.Time) { c.now = now }

func memoryKey(orgID, field, identityKey string) string {
	return orgID + "\x00" + field + "\x00" + identityKey
}

func (c *MemoryCache) Get(_ context.Context, orgID, field string, identity model.ContactIdentity) (*model.CacheEntry, error) {
	key := NormalizeIdentity(identity)
	if key == "" {
		return nil, nil
	}
	v, ok := c.items.Get(memoryKey(orgID, field, key))
	if !ok {
		return nil, nil
	}
	e := v.(model.CacheEntry)
	if e.Expired(c.now()) {
		return nil, nil
	}
	return &e, nil
}

func (c *MemoryCache) Put(_ context.Context, orgID, field string, identity model.ContactIdentity,
	value any, confidence float64, provider string, ttlDays int) error {
	key := NormalizeIdentity(identity)
	if key == "" || ttlDays <= 0 {
		return nil
	}
	e := newEntry(orgID, field, key, value, confidence, provider, ttlDays, c.now())
	// The janitor TTL is a wall-clock bound; reads still check ExpiresAt.
	c.items.Set(memoryKey(orgID, field, key), e, time.Duration(ttlDays)*24*time.Hour)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int { return c.items.ItemCount() }

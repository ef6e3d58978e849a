package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// StoreCache keeps entries in the enrichment_cache table.
type StoreCache struct {
	store store.CacheStore
	now   func() time.Time
}

// NewStoreCache creates a cache backed by s.
func NewStoreCache(s store.CacheStore) *StoreCache {
	return &StoreCache{store: s, now: time.Now}
}

// SetNow replaces the clock. Tests only.
func (c *StoreCache) SetNow(now func() time.Time) { c.now = now }

func (c *StoreCache) Get(ctx context.Context, orgID, field string, identity model.ContactIdentity) (*model.CacheEntry, error) {
	key := NormalizeIdentity(identity)
	if key == "" {
		return nil, nil
	}
	e, err := c.store.GetCacheEntry(ctx, orgID, field, key, c.now())
	return e, eris.Wrap(err, "store cache: get")
}

func (c *StoreCache) Put(ctx context.Context, orgID, field string, identity model.ContactIdentity,
	value any, confidence float64, provider string, ttlDays int) error {
	key := NormalizeIdentity(identity)
	if key == "" || ttlDays <= 0 {
		return nil
	}
	e := newEntry(orgID, field, key, value, confidence, provider, ttlDays, c.now())
	return eris.Wrap(c.store.PutCacheEntry(ctx, e), "store cache: put")
}

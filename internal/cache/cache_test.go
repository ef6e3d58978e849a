package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/model"
)

var jane = model.ContactIdentity{Email: "Jane.Doe@ACME.com", Name: "Jane Doe"}

func TestNormalizeIdentity(t *testing.T) {
	tests := []struct {
		name string
		id   model.ContactIdentity
		want string
	}{
		{"email folded", model.ContactIdentity{Email: "  Jane.Doe@ACME.com "}, "email:jane.doe@acme.com"},
		{"email beats linkedin", model.ContactIdentity{Email: "a@b.co", LinkedInURL: "https://linkedin.com/in/x"}, "email:a@b.co"},
		{"fullwidth email", model.ContactIdentity{Email: "ＪＡＮＥ@acme.com"}, "email:jane@acme.com"},
		{"linkedin url", model.ContactIdentity{LinkedInURL: "https://www.LinkedIn.com/in/JaneDoe/?trk=x"}, "linkedin:in/janedoe"},
		{"phone digits", model.ContactIdentity{Phone: "+1 (555) 010-9999"}, "phone:15550109999"},
		{"short phone ignored", model.ContactIdentity{Phone: "123", Domain: "acme.com", Name: "Jane"}, "name:acme.com|jane"},
		{"domain and split name", model.ContactIdentity{Domain: "Acme.com", FirstName: "Jane", LastName: "DOE"}, "name:acme.com|jane doe"},
		{"company fallback", model.ContactIdentity{Company: "Acme", Name: "Jane  Doe"}, "name:acme|jane doe"},
		{"name only", model.ContactIdentity{Name: "Jane"}, ""},
		{"empty", model.ContactIdentity{}, ""},
		{"invalid email", model.ContactIdentity{Email: "not-an-email"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeIdentity(tt.id))
		})
	}
}

// cacheTestSuite runs the contract every backend must satisfy.
func cacheTestSuite(t *testing.T, newCache func(t *testing.T, now func() time.Time) Cache) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("MissThenHit", func(t *testing.T) {
		now := base
		c := newCache(t, func() time.Time { return now })
		ctx := context.Background()

		e, err := c.Get(ctx, "org-1", "title", jane)
		require.NoError(t, err)
		assert.Nil(t, e)

		require.NoError(t, c.Put(ctx, "org-1", "title", jane, "CTO", 0.9, "apollo", 30))
		e, err = c.Get(ctx, "org-1", "title", jane)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "CTO", e.Value)
		assert.Equal(t, "apollo", e.Provider)
		assert.InDelta(t, 0.9, e.Confidence, 1e-9)
		assert.True(t, base.Add(30*24*time.Hour).Equal(e.ExpiresAt))
	})

	t.Run("ScopedByOrgAndField", func(t *testing.T) {
		c := newCache(t, func() time.Time { return base })
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "org-1", "title", jane, "CTO", 0.9, "apollo", 30))

		e, err := c.Get(ctx, "org-2", "title", jane)
		require.NoError(t, err)
		assert.Nil(t, e)
		e, err = c.Get(ctx, "org-1", "phone", jane)
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("NormalizedIdentityShares", func(t *testing.T) {
		c := newCache(t, func() time.Time { return base })
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "org-1", "title", jane, "CTO", 0.9, "apollo", 30))

		e, err := c.Get(ctx, "org-1", "title", model.ContactIdentity{Email: "jane.doe@acme.com"})
		require.NoError(t, err)
		require.NotNil(t, e)
	})

	t.Run("ExpiredIsMiss", func(t *testing.T) {
		now := base
		c := newCache(t, func() time.Time { return now })
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "org-1", "title", jane, "CTO", 0.9, "apollo", 1))

		now = base.Add(24 * time.Hour)
		e, err := c.Get(ctx, "org-1", "title", jane)
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("Overwrite", func(t *testing.T) {
		c := newCache(t, func() time.Time { return base })
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "org-1", "title", jane, "CTO", 0.9, "apollo", 30))
		require.NoError(t, c.Put(ctx, "org-1", "title", jane, "CEO", 0.8, "clearbit", 30))

		e, err := c.Get(ctx, "org-1", "title", jane)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "CEO", e.Value)
		assert.Equal(t, "clearbit", e.Provider)
	})

	t.Run("ZeroTTLStoresNothing", func(t *testing.T) {
		c := newCache(t, func() time.Time { return base })
		ctx := context.Background()
		require.NoError(t, c.Put(ctx, "org-1", "title", jane, "CTO", 0.9, "apollo", 0))

		e, err := c.Get(ctx, "org-1", "title", jane)
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("UnusableIdentitySkipped", func(t *testing.T) {
		c := newCache(t, func() time.Time { return base })
		ctx := context.Background()
		anon := model.ContactIdentity{Name: "Jane"}
		require.NoError(t, c.Put(ctx, "org-1", "title", anon, "CTO", 0.9, "apollo", 30))

		e, err := c.Get(ctx, "org-1", "title", anon)
		require.NoError(t, err)
		assert.Nil(t, e)
	})
}

func TestMemoryCache(t *testing.T) {
	cacheTestSuite(t, func(t *testing.T, now func() time.Time) Cache {
		c := NewMemoryCache()
		c.SetNow(now)
		return c
	})
}

func TestMemoryCache_ExpiredEntryKeptUntilJanitor(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c := NewMemoryCache()
	c.SetNow(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "org-1", "title", jane, "CTO", 0.9, "apollo", 1))

	now = base.Add(48 * time.Hour)
	e, err := c.Get(ctx, "org-1", "title", jane)
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, 1, c.Len())
}

func TestRedisCache(t *testing.T) {
	cacheTestSuite(t, func(t *testing.T, now func() time.Time) Cache {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() }) //nolint:errcheck

		c := NewRedisCache(client, "test:")
		c.SetNow(now)
		return c
	})
}

func TestRedisCache_KeyTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close() //nolint:errcheck

	c := NewRedisCache(client, "")
	require.NoError(t, c.Put(context.Background(), "org-1", "title", jane, "CTO", 0.9, "apollo", 2))

	key := "enrich:cache:org-1:title:email:jane.doe@acme.com"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 48*time.Hour, mr.TTL(key))

	mr.FastForward(49 * time.Hour)
	assert.False(t, mr.Exists(key))
}

func TestRedisCache_BackendDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close() //nolint:errcheck
	mr.Close()

	c := NewRedisCache(client, "")
	_, err = c.Get(context.Background(), "org-1", "title", jane)
	assert.Error(t, err)

	adv := Advisory(c)
	e, err := adv.Get(context.Background(), "org-1", "title", jane)
	assert.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, adv.Put(context.Background(), "org-1", "title", jane, "CTO", 0.9, "apollo", 30))
}

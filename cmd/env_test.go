package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/config"
)

const testWaterfallYAML = `
waterfall:
  defaults:
    provider_order: [acme]
    max_attempts: 1
    timeout_ms: 2000
    min_confidence: 0.5
    cache_ttl_days: 30
  fields:
    title: {}
`

// newProviderServer answers the acme title lookup for jane@acme.com.
func newProviderServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") != "jane@acme.com" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"person":{"title":"CTO","score":0.92}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// testConfig returns a run-mode config over a temp SQLite store, a file
// waterfall source and one HTTP provider pointed at baseURL.
func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	providers := fmt.Sprintf(`
providers:
  acme:
    base_url: %s
    rates:
      per_call: 0.05
    fields:
      title:
        path: /people
        query:
          email: "{email}"
        value: person.title
        confidence: person.score
`, baseURL)

	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.SQLitePath = filepath.Join(dir, "enrich.db")
	c.Cache.Backend = "memory"
	c.Waterfall.Source = "file"
	c.Waterfall.File = writeFile(t, dir, "waterfall.yaml", testWaterfallYAML)
	c.Providers.File = writeFile(t, dir, "providers.yaml", providers)
	c.Orchestrator.FieldConcurrency = 2
	c.Circuit.FailureThreshold = 3
	c.Circuit.CooldownSecs = 60
	c.Retry.MaxAttempts = 1
	c.Queue.Stream = "test:jobs"
	c.Queue.Group = "test-workers"
	c.Queue.Consumer = "test"
	c.Queue.Consumers = 1
	c.Server.Port = 8080
	return c
}

func TestInitEnv_SQLite(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t, "http://127.0.0.1:1")

	env, err := initEnv(ctx, c, "run")
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Redis)
	assert.Equal(t, []string{"acme"}, env.Registry.List())
	assert.NotNil(t, env.Cache)
	assert.InDelta(t, 0.05, env.Rates["acme"].PerCall, 1e-9)
	require.NoError(t, env.Store.Ping(ctx))

	policy, err := env.Source.Get(ctx, "org-1", "title")
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.Equal(t, []string{"acme"}, policy.ProviderOrder)
}

func TestInitEnv_MissingProvidersFile(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	c.Providers.File = filepath.Join(t.TempDir(), "absent.yaml")

	env, err := initEnv(context.Background(), c, "run")
	require.NoError(t, err)
	defer env.Close()
	assert.Empty(t, env.Registry.List())
}

func TestInitEnv_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testConfig(t, "http://127.0.0.1:1")
	c.Redis.Addr = mr.Addr()
	c.Cache.Backend = "redis"
	c.Cache.KeyPrefix = "test:"

	env, err := initEnv(context.Background(), c, "worker")
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Redis)
	assert.NoError(t, redisPinger{env.Redis}.Ping(context.Background()))
	assert.NotNil(t, env.newWorker())
}

func TestInitEnv_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		mutate func(*config.Config)
	}{
		{"invalid config", "run", func(c *config.Config) { c.Store.Driver = "mysql" }},
		{"unreachable redis", "worker", func(c *config.Config) { c.Redis.Addr = "127.0.0.1:1" }},
		{"missing waterfall file", "run", func(c *config.Config) { c.Waterfall.File = filepath.Join(t.TempDir(), "none.yaml") }},
		{"bad providers file", "run", func(c *config.Config) { c.Providers.File = writeFile(t, t.TempDir(), "p.yaml", "providers: [") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig(t, "http://127.0.0.1:1")
			tt.mutate(c)
			_, err := initEnv(context.Background(), c, tt.mode)
			assert.Error(t, err)
		})
	}
}

func TestBuildSource(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t, "http://127.0.0.1:1")
	env, err := initEnv(ctx, c, "run")
	require.NoError(t, err)
	defer env.Close()

	for _, source := range []string{"file", "store", "chain"} {
		c.Waterfall.Source = source
		src, err := buildSource(c.Waterfall, env.Store)
		require.NoError(t, err, source)
		assert.NotNil(t, src, source)
	}

	c.Waterfall.Source = "etcd"
	_, err = buildSource(c.Waterfall, env.Store)
	assert.Error(t, err)
}

func TestBuildCache_None(t *testing.T) {
	assert.Nil(t, buildCache(config.CacheConfig{Backend: "none"}, nil, nil))
}

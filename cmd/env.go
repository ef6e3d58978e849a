package main

import (
	"context"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/adapters/crm"
	"github.com/sells-group/lead-enrichment/internal/adapters/httpjson"
	"github.com/sells-group/lead-enrichment/internal/cache"
	"github.com/sells-group/lead-enrichment/internal/config"
	"github.com/sells-group/lead-enrichment/internal/cost"
	"github.com/sells-group/lead-enrichment/internal/health"
	"github.com/sells-group/lead-enrichment/internal/queue"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/store"
	"github.com/sells-group/lead-enrichment/internal/waterfall"
	"github.com/sells-group/lead-enrichment/internal/waterfall/provider"
	"github.com/sells-group/lead-enrichment/pkg/salesforce"
)

// appEnv holds the wired components shared by the commands.
type appEnv struct {
	Config   *config.Config
	Store    store.Store
	Redis    *redis.Client // nil unless the mode or cache backend needs it
	Registry *provider.Registry
	Rates    cost.Rates
	Policy   resilience.CircuitPolicy
	Tracker  health.Tracker
	Source   waterfall.Source
	Cache    cache.Cache
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode and wires the store, Redis,
// providers, health tracker, policy source and cache. Callers should defer
// env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{Config: c}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env.Store = st
	if err := st.Migrate(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate store")
	}

	if mode == "serve" || mode == "worker" || c.Cache.Backend == "redis" {
		env.Redis, err = initRedis(ctx, c.Redis)
		if err != nil {
			return nil, err
		}
	}

	env.Policy = resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.CooldownSecs)
	env.Tracker = health.NewStoreTracker(st, env.Policy)

	env.Registry, env.Rates, err = buildRegistry(c)
	if err != nil {
		return nil, err
	}

	env.Source, err = buildSource(c.Waterfall, st)
	if err != nil {
		return nil, err
	}

	env.Cache = buildCache(c.Cache, st, env.Redis)

	ok = true
	return env, nil
}

func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		return store.NewSQLite(sc.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

func initRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "connect redis %s", rc.Addr)
	}
	return client, nil
}

// buildRegistry registers the HTTP providers from the providers file and,
// when configured, the Salesforce CRM adapter. A missing providers file is
// allowed so a CRM-only deployment needs no file.
func buildRegistry(c *config.Config) (*provider.Registry, cost.Rates, error) {
	file := &httpjson.File{}
	if _, err := os.Stat(c.Providers.File); err == nil {
		file, err = httpjson.LoadFile(c.Providers.File)
		if err != nil {
			return nil, nil, err
		}
	} else {
		zap.L().Warn("providers file not found, no HTTP providers registered",
			zap.String("file", c.Providers.File))
	}

	reg := provider.NewRegistry(file.Defaults)
	file.Register(reg, httpjson.WithRetry(
		resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs)))
	rates := file.Rates()

	if c.Salesforce.Enabled() {
		sf, err := salesforce.Connect(salesforce.JWTCreds{
			LoginURL: c.Salesforce.LoginURL,
			Username: c.Salesforce.Username,
			ClientID: c.Salesforce.ClientID,
			KeyPath:  c.Salesforce.KeyPath,
		}, salesforce.WithRateLimit(c.Salesforce.RateLimit))
		if err != nil {
			return nil, nil, err
		}
		a := crm.New(sf, crm.Config{
			Name:       c.Salesforce.Provider,
			Confidence: c.Salesforce.Confidence,
			Fields:     c.Salesforce.Fields,
		})
		reg.Register(a, nil)
		zap.L().Info("registered CRM provider", zap.String("provider", a.Name()))
	}

	zap.L().Info("providers registered", zap.Strings("providers", reg.List()))
	return reg, rates, nil
}

func buildSource(wc config.WaterfallConfig, st store.ConfigStore) (waterfall.Source, error) {
	switch wc.Source {
	case "store":
		return waterfall.NewStoreSource(st), nil
	case "file", "chain":
		fs, err := waterfall.LoadConfig(wc.File)
		if err != nil {
			return nil, err
		}
		if wc.Source == "file" {
			return fs, nil
		}
		return waterfall.Chain(waterfall.NewStoreSource(st), fs), nil
	default:
		return nil, eris.Errorf("unsupported waterfall source: %s", wc.Source)
	}
}

// buildCache returns the configured backend wrapped so its failures degrade
// to misses. A nil cache disables caching.
func buildCache(cc config.CacheConfig, st store.CacheStore, rdb *redis.Client) cache.Cache {
	switch cc.Backend {
	case "redis":
		return cache.Advisory(cache.NewRedisCache(rdb, cc.KeyPrefix))
	case "store":
		return cache.Advisory(cache.NewStoreCache(st))
	case "memory":
		return cache.Advisory(cache.NewMemoryCache())
	default:
		return nil
	}
}

// newOrchestrator builds an orchestrator over the environment.
func (e *appEnv) newOrchestrator(opts ...waterfall.Option) *waterfall.Orchestrator {
	base := []waterfall.Option{
		waterfall.WithFieldConcurrency(e.Config.Orchestrator.FieldConcurrency),
		waterfall.WithCalculator(cost.NewCalculator(e.Rates)),
	}
	return waterfall.NewOrchestrator(e.Source, e.Registry, e.Cache, e.Tracker, append(base, opts...)...)
}

// newWorker builds a queue worker whose orchestrator checkpoints through it.
func (e *appEnv) newWorker() *queue.Worker {
	w := queue.NewWorker(e.Store, e.Store, nil, e.Config.Orchestrator.DLQMaxRetries)
	w.SetExecutor(e.newOrchestrator(waterfall.WithCheckpoint(w.Checkpoint)))
	return w
}

func (e *appEnv) newQueue(consumer string) *queue.RedisQueue {
	qc := e.Config.Queue
	return queue.NewRedisQueue(e.Redis, queue.RedisConfig{
		Stream:        qc.Stream,
		Group:         qc.Group,
		Consumer:      consumer,
		Block:         time.Duration(qc.BlockMs) * time.Millisecond,
		ClaimIdle:     time.Duration(qc.ClaimIdleSecs) * time.Second,
		MaxDeliveries: qc.MaxDeliveries,
		MaxLen:        qc.MaxLen,
	})
}

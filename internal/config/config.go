package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Redis        RedisConfig        `yaml:"redis" mapstructure:"redis"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Circuit      CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Providers    ProvidersConfig    `yaml:"providers" mapstructure:"providers"`
	Waterfall    WaterfallConfig    `yaml:"waterfall" mapstructure:"waterfall"`
	Salesforce   SalesforceConfig   `yaml:"salesforce" mapstructure:"salesforce"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig holds the Redis connection used by the queue and the cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	PoolSize int    `yaml:"pool_size" mapstructure:"pool_size"`
}

// QueueConfig configures the job stream and its consumer group.
type QueueConfig struct {
	Stream        string `yaml:"stream" mapstructure:"stream"`
	Group         string `yaml:"group" mapstructure:"group"`
	Consumer      string `yaml:"consumer" mapstructure:"consumer"`
	Consumers     int    `yaml:"consumers" mapstructure:"consumers"`
	BlockMs       int    `yaml:"block_ms" mapstructure:"block_ms"`
	ClaimIdleSecs int    `yaml:"claim_idle_secs" mapstructure:"claim_idle_secs"`
	MaxDeliveries int64  `yaml:"max_deliveries" mapstructure:"max_deliveries"`
	MaxLen        int64  `yaml:"max_len" mapstructure:"max_len"`
}

// CacheConfig selects the enrichment cache backend: redis, store or memory.
type CacheConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// OrchestratorConfig tunes job execution.
type OrchestratorConfig struct {
	FieldConcurrency int `yaml:"field_concurrency" mapstructure:"field_concurrency"`
	DLQMaxRetries    int `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
}

// CircuitConfig configures the per-provider circuit breaker and the
// scheduled health probe.
type CircuitConfig struct {
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int    `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	ProbeSchedule    string `yaml:"probe_schedule" mapstructure:"probe_schedule"`
	ProbeTimeoutSecs int    `yaml:"probe_timeout_secs" mapstructure:"probe_timeout_secs"`
}

// RetryConfig configures in-call retries of HTTP provider requests.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ProvidersConfig points at the provider definitions file.
type ProvidersConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// WaterfallConfig selects where per-field policies come from: file, store,
// or chain (store first, file as fallback).
type WaterfallConfig struct {
	Source string `yaml:"source" mapstructure:"source"`
	File   string `yaml:"file" mapstructure:"file"`
}

// SalesforceConfig holds Salesforce JWT auth settings for the CRM adapter.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`

	// Provider is the id waterfall policies use for the CRM adapter.
	Provider   string  `yaml:"provider" mapstructure:"provider"`
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
	// Fields maps enrichment fields to Contact attributes. Empty uses the
	// adapter's built-in mapping.
	Fields map[string]string `yaml:"fields" mapstructure:"fields"`
}

// Enabled reports whether the CRM adapter can authenticate.
func (c SalesforceConfig) Enabled() bool {
	return c.ClientID != "" && c.Username != "" && c.KeyPath != ""
}

// ServerConfig configures the HTTP intake server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures alert thresholds and the check loop.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	OpenCircuitThreshold int     `yaml:"open_circuit_threshold" mapstructure:"open_circuit_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml, if present, and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. Unlike the default
// ./config.yaml, a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "enrich.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("queue.stream", "enrich:jobs")
	v.SetDefault("queue.group", "enrich-workers")
	v.SetDefault("queue.consumers", 4)
	v.SetDefault("queue.block_ms", 2000)
	v.SetDefault("queue.claim_idle_secs", 300)
	v.SetDefault("queue.max_deliveries", 10)
	v.SetDefault("cache.backend", "store")
	v.SetDefault("cache.key_prefix", "enrich:cache:")
	v.SetDefault("orchestrator.field_concurrency", 4)
	v.SetDefault("orchestrator.dlq_max_retries", 3)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown_secs", 60)
	v.SetDefault("circuit.probe_schedule", "@every 5m")
	v.SetDefault("circuit.probe_timeout_secs", 10)
	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("providers.file", "providers.yaml")
	v.SetDefault("waterfall.source", "chain")
	v.SetDefault("waterfall.file", "waterfall.yaml")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.provider", "salesforce")
	v.SetDefault("salesforce.rate_limit", 5.0)
	v.SetDefault("salesforce.confidence", 0.95)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.open_circuit_threshold", 1)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if cfg.Queue.Consumer == "" {
		cfg.Queue.Consumer = defaultConsumer()
	}

	return &cfg, nil
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Validate checks the settings a command needs. Mode is one of serve,
// worker, run or probe.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	switch c.Cache.Backend {
	case "redis", "store", "memory", "none":
	default:
		errs = append(errs, fmt.Sprintf("cache.backend %q must be redis, store, memory or none", c.Cache.Backend))
	}
	switch c.Waterfall.Source {
	case "file", "chain":
		if c.Waterfall.File == "" {
			errs = append(errs, "waterfall.file is required for the file and chain sources")
		}
	case "store":
	default:
		errs = append(errs, fmt.Sprintf("waterfall.source %q must be file, store or chain", c.Waterfall.Source))
	}

	if c.Orchestrator.FieldConcurrency < 1 || c.Orchestrator.FieldConcurrency > 64 {
		errs = append(errs, "orchestrator.field_concurrency must be between 1 and 64")
	}
	if c.Circuit.FailureThreshold < 1 {
		errs = append(errs, "circuit.failure_threshold must be >= 1")
	}
	if c.Circuit.CooldownSecs < 1 {
		errs = append(errs, "circuit.cooldown_secs must be >= 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateQueue()...)
	case "worker":
		errs = append(errs, c.validateQueue()...)
	case "run", "probe":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateQueue() []string {
	var errs []string
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}
	if c.Queue.Stream == "" || c.Queue.Group == "" {
		errs = append(errs, "queue.stream and queue.group are required")
	}
	if c.Queue.Consumers < 1 {
		errs = append(errs, "queue.consumers must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/tokenmeter/domain/provider"
)

// Config is the root configuration structure.
type Config struct {
	Server          ServerConfig     `yaml:"server"`
	Database        DatabaseConfig   `yaml:"database"`
	Redis           RedisConfig      `yaml:"redis"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit"`
	Cache           CacheConfig      `yaml:"cache"`
	Quota           QuotaConfig      `yaml:"quota"`
	Upstream        UpstreamConfig   `yaml:"upstream"`
	Providers       []ProviderConfig `yaml:"providers"`
	DefaultProvider string           `yaml:"default_provider"`
	Logging         LoggingConfig    `yaml:"logging"`
	Metrics         MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the ledger store.
type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix,omitempty"` // postgres only

	// IdempotencyTTL prunes processed event keys older than this (postgres
	// only). Zero keeps them forever.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl,omitempty"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig configures the rate limit store. Limits themselves are
// per provider.
type RateLimitConfig struct {
	Backend         string        `yaml:"backend"` // "memory" or "redis"
	Shards          int           `yaml:"shards"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	KeyPrefix       string        `yaml:"key_prefix,omitempty"` // redis only
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend    string        `yaml:"backend"` // "none", "memory", "redis" or "badger"
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`          // memory only
	Dir        string        `yaml:"dir,omitempty"`        // badger only, empty for in-memory
	GCInterval time.Duration `yaml:"gc_interval"`          // badger only
	KeyPrefix  string        `yaml:"key_prefix,omitempty"` // redis only
}

// QuotaConfig configures ledger policy.
type QuotaConfig struct {
	PremiumDaily    int64         `yaml:"premium_daily"`
	ConflictRetries int           `yaml:"conflict_retries"`
	InvokeTimeout   time.Duration `yaml:"invoke_timeout"`
	Timezone        string        `yaml:"timezone"` // IANA name used for monthly and daily resets

	// RegisteredUsersOnly rejects user ids missing from the SQLite users table.
	RegisteredUsersOnly bool `yaml:"registered_users_only"`
}

// UpstreamConfig configures how providers are called.
type UpstreamConfig struct {
	Mode            string        `yaml:"mode"` // "http" or "mock"
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// ProviderConfig configures one provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	FreeMonthly int64         `yaml:"free_monthly"`
	PaidOnly    bool          `yaml:"paid_only"`
	RateLimit   int           `yaml:"rate_limit"` // Requests per window, 0 for unlimited
	Window      time.Duration `yaml:"window"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := newConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	TOKENMETER_SERVER_HOST        - Server host (default: 0.0.0.0)
//	TOKENMETER_SERVER_PORT        - Server port (default: 8080)
//	TOKENMETER_DATABASE_DRIVER    - memory, sqlite or postgres (default: sqlite)
//	TOKENMETER_DATABASE_DSN       - Database path or URL (default: tokenmeter.db)
//	TOKENMETER_REDIS_ADDR         - Redis address (default: localhost:6379)
//	TOKENMETER_RATELIMIT_BACKEND  - memory or redis (default: memory)
//	TOKENMETER_CACHE_BACKEND      - none, memory, redis or badger (default: memory)
//	TOKENMETER_CACHE_TTL          - Response cache TTL (default: 5m)
//	TOKENMETER_QUOTA_PREMIUM_DAILY - Premium daily allowance (default: 50000)
//	TOKENMETER_QUOTA_TIMEZONE     - Reset calendar (default: UTC)
//	TOKENMETER_UPSTREAM_MODE      - http or mock (default: http)
//	TOKENMETER_LOG_LEVEL          - Log level: debug, info, warn, error (default: info)
//	TOKENMETER_LOG_FORMAT         - Log format: json or console (default: json)
//	TOKENMETER_METRICS_ENABLED    - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	cfg := newConfig()

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads path when it exists and falls back to environment
// variables otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies TOKENMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("TOKENMETER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TOKENMETER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Storage configuration
	if v := os.Getenv("TOKENMETER_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TOKENMETER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TOKENMETER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TOKENMETER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TOKENMETER_RATELIMIT_BACKEND"); v != "" {
		cfg.RateLimit.Backend = v
	}
	if v := os.Getenv("TOKENMETER_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("TOKENMETER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("TOKENMETER_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}

	// Quota configuration
	if v := os.Getenv("TOKENMETER_QUOTA_PREMIUM_DAILY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Quota.PremiumDaily = n
		}
	}
	if v := os.Getenv("TOKENMETER_QUOTA_TIMEZONE"); v != "" {
		cfg.Quota.Timezone = v
	}
	if v := os.Getenv("TOKENMETER_QUOTA_INVOKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Quota.InvokeTimeout = d
		}
	}

	// Upstream configuration
	if v := os.Getenv("TOKENMETER_UPSTREAM_MODE"); v != "" {
		cfg.Upstream.Mode = v
	}
	if v := os.Getenv("TOKENMETER_DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = v
	}

	// Logging configuration
	if v := os.Getenv("TOKENMETER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOKENMETER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("TOKENMETER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("TOKENMETER_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// newConfig returns the base config decoded into. Fields where zero is a
// meaningful setting get their defaults here, so an explicit 0 in the file
// or environment survives setDefaults.
func newConfig() Config {
	return Config{
		Metrics: MetricsConfig{Enabled: true},
		Quota: QuotaConfig{
			PremiumDaily:    50_000,
			ConflictRetries: 5,
		},
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "tokenmeter.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.IdleTTL == 0 {
		cfg.RateLimit.IdleTTL = time.Hour
	}
	if cfg.RateLimit.CleanupInterval == 0 {
		cfg.RateLimit.CleanupInterval = 5 * time.Minute
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Cache.GCInterval == 0 {
		cfg.Cache.GCInterval = 10 * time.Minute
	}

	if cfg.Quota.InvokeTimeout == 0 {
		cfg.Quota.InvokeTimeout = 60 * time.Second
	}
	if cfg.Quota.Timezone == "" {
		cfg.Quota.Timezone = "UTC"
	}

	if cfg.Upstream.Mode == "" {
		cfg.Upstream.Mode = "http"
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}

	// Built-in provider table if none configured
	if len(cfg.Providers) == 0 {
		for _, p := range provider.All() {
			d := provider.Defaults(p)
			cfg.Providers = append(cfg.Providers, ProviderConfig{
				Name:        p.String(),
				FreeMonthly: d.FreeMonthly,
				PaidOnly:    d.PaidOnly,
				RateLimit:   d.RateLimit,
				Window:      d.Window,
			})
		}
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].RateLimit > 0 && cfg.Providers[i].Window == 0 {
			cfg.Providers[i].Window = time.Minute
		}
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = provider.Gemini.String()
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: memory, sqlite, postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is 'postgres'")
	}

	if cfg.Database.IdempotencyTTL < 0 {
		return fmt.Errorf("database.idempotency_ttl must not be negative")
	}
	if cfg.Quota.RegisteredUsersOnly && cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("quota.registered_users_only requires database.driver 'sqlite'")
	}

	validRateBackends := map[string]bool{"memory": true, "redis": true}
	if !validRateBackends[cfg.RateLimit.Backend] {
		return fmt.Errorf("rate_limit.backend must be 'memory' or 'redis', got %q", cfg.RateLimit.Backend)
	}

	validCacheBackends := map[string]bool{"none": true, "memory": true, "redis": true, "badger": true}
	if !validCacheBackends[cfg.Cache.Backend] {
		return fmt.Errorf("cache.backend must be one of: none, memory, redis, badger, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}

	if cfg.Quota.PremiumDaily < 0 {
		return fmt.Errorf("quota.premium_daily must not be negative")
	}
	if cfg.Quota.ConflictRetries < 0 {
		return fmt.Errorf("quota.conflict_retries must not be negative")
	}
	if cfg.Quota.InvokeTimeout < 0 {
		return fmt.Errorf("quota.invoke_timeout must not be negative")
	}
	if _, err := time.LoadLocation(cfg.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}

	validUpstreamModes := map[string]bool{"http": true, "mock": true}
	if !validUpstreamModes[cfg.Upstream.Mode] {
		return fmt.Errorf("upstream.mode must be 'http' or 'mock', got %q", cfg.Upstream.Mode)
	}

	if _, err := cfg.Catalog(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level)
	}

	return nil
}

// Catalog builds the provider catalog. Providers missing from the config
// fall back to their built-in defaults.
func (c *Config) Catalog() (provider.Catalog, error) {
	cat := provider.Catalog{Providers: make(map[provider.ID]provider.Config, len(c.Providers))}
	for i, pc := range c.Providers {
		id, err := provider.Parse(pc.Name)
		if err != nil {
			return provider.Catalog{}, fmt.Errorf("providers[%d].name: %w: %q", i, err, pc.Name)
		}
		if _, dup := cat.Providers[id]; dup {
			return provider.Catalog{}, fmt.Errorf("providers[%d]: duplicate provider %s", i, id)
		}
		cat.Providers[id] = provider.Config{
			FreeMonthly: pc.FreeMonthly,
			PaidOnly:    pc.PaidOnly,
			RateLimit:   pc.RateLimit,
			Window:      pc.Window,
		}
	}

	def, err := provider.Parse(c.DefaultProvider)
	if err != nil {
		return provider.Catalog{}, fmt.Errorf("default_provider: %w: %q", err, c.DefaultProvider)
	}
	cat.Default = def

	if err := cat.Validate(); err != nil {
		return provider.Catalog{}, fmt.Errorf("providers: %w", err)
	}
	return cat, nil
}

// Location returns the reset calendar.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Endpoint returns the configured upstream for a provider.
func (c *Config) Endpoint(p provider.ID) (ProviderConfig, bool) {
	for _, pc := range c.Providers {
		if id, err := provider.Parse(pc.Name); err == nil && id == p {
			return pc, true
		}
	}
	return ProviderConfig{}, false
}

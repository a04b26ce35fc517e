// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Lease    LeaseConfig    `mapstructure:"lease"`
	Queue    QueueConfig    `mapstructure:"queue"`
	API      APIConfig      `mapstructure:"api"`
	Discover DiscoverConfig `mapstructure:"discover"`
	DB       DBConfig       `mapstructure:"db"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig selects and configures the shared persistent store.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Instance namespaces every key so multiple deployments can share one
	// Redis.
	Instance string `mapstructure:"instance"`
}

// LeaseConfig holds the leader election timings.
type LeaseConfig struct {
	StaleAfterSeconds   int `mapstructure:"stale_after_seconds"`
	RenewEverySeconds   int `mapstructure:"renew_every_seconds"`
	ReclaimAfterSeconds int `mapstructure:"reclaim_after_seconds"`
}

// QueueConfig governs the processing loop.
type QueueConfig struct {
	Concurrency  int `mapstructure:"concurrency"`
	MaxRetries   int `mapstructure:"max_retries"`
	BusyDelayMin int `mapstructure:"busy_delay_min_ms"`
	BusyDelayMax int `mapstructure:"busy_delay_max_ms"`
	IdleDelayMin int `mapstructure:"idle_delay_min_ms"`
	IdleDelayMax int `mapstructure:"idle_delay_max_ms"`
}

// APIConfig configures the remote metadata API client.
type APIConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	Token            string `mapstructure:"token"`
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	RequestsPerWin   int    `mapstructure:"requests_per_window"`
	WindowSeconds    int    `mapstructure:"window_seconds"`
	CacheTTLSeconds  int    `mapstructure:"cache_ttl_seconds"`
	CacheSize        int    `mapstructure:"cache_size"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// DiscoverConfig configures the library page discoverer.
type DiscoverConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LibraryURL   string `mapstructure:"library_url"`
	ScanSeconds  int    `mapstructure:"scan_seconds"`
	UseHeadless  bool   `mapstructure:"use_headless"`
	NavTimeout   int    `mapstructure:"nav_timeout_seconds"`
	AllowedHosts string `mapstructure:"allowed_hosts"`
}

// DBConfig controls the optional relational archive.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// SnapshotConfig controls the optional GCS library snapshots.
type SnapshotConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.instance", "default")
	v.SetDefault("lease.stale_after_seconds", 15)
	v.SetDefault("lease.renew_every_seconds", 5)
	v.SetDefault("lease.reclaim_after_seconds", 30)
	v.SetDefault("queue.concurrency", 8)
	v.SetDefault("queue.max_retries", 2)
	v.SetDefault("queue.busy_delay_min_ms", 100)
	v.SetDefault("queue.busy_delay_max_ms", 300)
	v.SetDefault("queue.idle_delay_min_ms", 1000)
	v.SetDefault("queue.idle_delay_max_ms", 2000)
	v.SetDefault("api.base_url", "https://www.udio.com/api")
	v.SetDefault("api.user_agent", "tunevault-harvester/0.1")
	v.SetDefault("api.timeout_seconds", 15)
	v.SetDefault("api.requests_per_window", 30)
	v.SetDefault("api.window_seconds", 60)
	v.SetDefault("api.cache_ttl_seconds", 300)
	v.SetDefault("api.cache_size", 100)
	v.SetDefault("api.backoff_initial_ms", 1000)
	v.SetDefault("api.backoff_max_ms", 30000)
	v.SetDefault("discover.enabled", false)
	v.SetDefault("discover.scan_seconds", 120)
	v.SetDefault("discover.nav_timeout_seconds", 25)
	v.SetDefault("snapshot.prefix", "library")
	v.SetDefault("snapshot.interval_seconds", 0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("store.backend must be redis or memory, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Addr == "" {
		return fmt.Errorf("store.addr must be set for the redis backend")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.Lease.RenewEverySeconds <= 0 {
		return fmt.Errorf("lease.renew_every_seconds must be > 0")
	}
	if c.Discover.Enabled && c.Discover.LibraryURL == "" {
		return fmt.Errorf("discover.library_url must be set when discovery is enabled")
	}
	return nil
}

// APITimeout returns the request timeout as a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// RateWindow returns the rate limit window as a duration.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.API.WindowSeconds) * time.Second
}

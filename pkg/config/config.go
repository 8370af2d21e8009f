// Package config provides the unified configuration system for dockgate.
// It defines a single Config structure shared by the pool, the status cache,
// the background refresher, and the HTTP surface, ensuring every component is
// tuned from one place.
//
// The configuration is organized into logical sections:
//   - Daemon: how to reach the container engine and how hard it may be queried
//   - Pool: connection pool sizing, timeouts, and sweep cadence
//   - Cache: freshness windows, cooldown, and bookkeeping bounds
//   - Refresh: background refresher cadence
//   - Server: the diagnostics HTTP surface
//   - Log: structured logging
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Pool.MaxConnections = 4
//	cfg.Cache.TTL = time.Minute
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// Config is the single unified configuration structure for a dockgate runtime.
type Config struct {
	// Daemon describes the container engine endpoint and its rate budget
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Pool controls the bounded connection pool
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Cache controls status cache freshness and bookkeeping
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Refresh controls the background refresher
	Refresh RefreshConfig `yaml:"refresh" json:"refresh"`

	// Server controls the diagnostics HTTP surface
	Server ServerConfig `yaml:"server" json:"server"`

	// Log controls structured logging
	Log LogConfig `yaml:"log" json:"log"`
}

// DaemonConfig describes how to reach the engine daemon and how fast it may
// be queried. The daemon is slow and rate-sensitive; QueriesPerSecond is a
// client-side guard that sits underneath the cache's cooldown.
type DaemonConfig struct {
	// Host is the engine endpoint, e.g. unix:///var/run/docker.sock or tcp://127.0.0.1:2375
	Host string `yaml:"host" json:"host"`
	// APIVersion pins the engine API version used in request paths
	APIVersion string `yaml:"api_version" json:"api_version"`
	// RequestTimeout bounds a single daemon call
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// QueriesPerSecond caps daemon calls issued by this process (0 = unlimited)
	QueriesPerSecond float64 `yaml:"queries_per_second" json:"queries_per_second"`
	// Burst is the rate limiter burst size
	Burst int `yaml:"burst" json:"burst"`
}

// PoolConfig controls the bounded connection pool and its FIFO queue.
type PoolConfig struct {
	// MaxConnections caps |idle| + |in_use|
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// AcquireTimeout bounds a single acquire attempt
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// QueueTimeoutFloor is the minimum wait budget for a queued request
	QueueTimeoutFloor time.Duration `yaml:"queue_timeout_floor" json:"queue_timeout_floor"`
	// QueueTimeoutFactor scales AcquireTimeout into the queued wait budget;
	// the effective budget is max(QueueTimeoutFloor, QueueTimeoutFactor × AcquireTimeout)
	QueueTimeoutFactor int `yaml:"queue_timeout_factor" json:"queue_timeout_factor"`
	// QueueCapacity bounds how many requests may wait at once
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
	// HealthCheckTimeout bounds the ping issued when recycling an idle connection
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" json:"health_check_timeout"`
	// CreateTimeout bounds creation of a new connection
	CreateTimeout time.Duration `yaml:"create_timeout" json:"create_timeout"`
	// CreationRetryInterval paces retries after a failed creation while queued
	CreationRetryInterval time.Duration `yaml:"creation_retry_interval" json:"creation_retry_interval"`
	// IdleSweepInterval gates the opportunistic sweep of dead idle connections
	IdleSweepInterval time.Duration `yaml:"idle_sweep_interval" json:"idle_sweep_interval"`
}

// QueueTimeout returns the wait budget granted to a queued acquire. It is
// deliberately larger than AcquireTimeout so queueing delay does not starve
// requests that would otherwise have succeeded.
func (p PoolConfig) QueueTimeout() time.Duration {
	scaled := time.Duration(p.QueueTimeoutFactor) * p.AcquireTimeout
	if scaled < p.QueueTimeoutFloor {
		return p.QueueTimeoutFloor
	}
	return scaled
}

// CacheConfig controls status cache freshness tiers and bookkeeping bounds.
type CacheConfig struct {
	// TTL is the window during which cached data is served without any daemon call
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// MaxAge is the window during which stale data is still served under cooldown
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
	// QueryCooldown is the minimum interval between any two daemon queries
	// triggered through the cache, independent of caller count
	QueryCooldown time.Duration `yaml:"query_cooldown" json:"query_cooldown"`
	// MaxEntities bounds per-entity bookkeeping (fingerprints, timestamps)
	MaxEntities int `yaml:"max_entities" json:"max_entities"`
	// Retention is how long an unseen entity's bookkeeping is kept before pruning
	Retention time.Duration `yaml:"retention" json:"retention"`
	// PruneEveryCycles triggers the amortized prune pass every N refresh cycles
	PruneEveryCycles int `yaml:"prune_every_cycles" json:"prune_every_cycles"`
}

// RefreshConfig controls the background refresher.
type RefreshConfig struct {
	// Enabled starts the refresher with the runtime
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Interval between refresh attempts
	Interval time.Duration `yaml:"interval" json:"interval"`
	// Timeout bounds a single background refresh
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// FailureBackoff is the pause after a failed refresh before the next cycle
	FailureBackoff time.Duration `yaml:"failure_backoff" json:"failure_backoff"`
}

// ServerConfig controls the diagnostics HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. :8085
	Addr string `yaml:"addr" json:"addr"`
	// EnableMetrics exposes Prometheus metrics on /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// ReadTimeout / WriteTimeout bound HTTP I/O
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// Default returns a Config with production-safe defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:             "unix:///var/run/docker.sock",
			APIVersion:       "v1.43",
			RequestTimeout:   10 * time.Second,
			QueriesPerSecond: 5,
			Burst:            5,
		},
		Pool: PoolConfig{
			MaxConnections:        3,
			AcquireTimeout:        5 * time.Second,
			QueueTimeoutFloor:     15 * time.Second,
			QueueTimeoutFactor:    3,
			QueueCapacity:         128,
			HealthCheckTimeout:    2 * time.Second,
			CreateTimeout:         5 * time.Second,
			CreationRetryInterval: 500 * time.Millisecond,
			IdleSweepInterval:     60 * time.Second,
		},
		Cache: CacheConfig{
			TTL:              30 * time.Second,
			MaxAge:           5 * time.Minute,
			QueryCooldown:    2 * time.Second,
			MaxEntities:      256,
			Retention:        24 * time.Hour,
			PruneEveryCycles: 20,
		},
		Refresh: RefreshConfig{
			Enabled:        true,
			Interval:       25 * time.Second,
			Timeout:        20 * time.Second,
			FailureBackoff: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:          ":8085",
			EnableMetrics: true,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Daemon.Host == "" {
		return fmt.Errorf("daemon.host is required")
	}
	if c.Daemon.RequestTimeout <= 0 {
		return fmt.Errorf("daemon.request_timeout must be positive")
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}
	if c.Pool.QueueCapacity <= 0 {
		return fmt.Errorf("pool.queue_capacity must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.MaxAge < c.Cache.TTL {
		return fmt.Errorf("cache.max_age (%s) must be >= cache.ttl (%s)", c.Cache.MaxAge, c.Cache.TTL)
	}
	if c.Cache.QueryCooldown < 0 {
		return fmt.Errorf("cache.query_cooldown must not be negative")
	}
	if c.Cache.MaxEntities <= 0 {
		return fmt.Errorf("cache.max_entities must be positive")
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be positive")
	}
	if c.Refresh.Timeout <= 0 {
		return fmt.Errorf("refresh.timeout must be positive")
	}
	return nil
}

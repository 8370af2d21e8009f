package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Pool.MaxConnections)
	assert.Equal(t, "unix:///var/run/docker.sock", cfg.Daemon.Host)
	assert.True(t, cfg.Refresh.Enabled)
}

func TestQueueTimeoutIsFloorOrScaled(t *testing.T) {
	p := PoolConfig{
		AcquireTimeout:     5 * time.Second,
		QueueTimeoutFloor:  15 * time.Second,
		QueueTimeoutFactor: 3,
	}
	assert.Equal(t, 15*time.Second, p.QueueTimeout(), "floor wins a tie")

	p.AcquireTimeout = 10 * time.Second
	assert.Equal(t, 30*time.Second, p.QueueTimeout(), "scaled budget wins when larger")

	p.QueueTimeoutFactor = 0
	assert.Equal(t, 15*time.Second, p.QueueTimeout(), "zero factor falls back to the floor")
}

func TestValidateRejectsInconsistencies(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Daemon.Host = "" }},
		{"zero max connections", func(c *Config) { c.Pool.MaxConnections = 0 }},
		{"zero acquire timeout", func(c *Config) { c.Pool.AcquireTimeout = 0 }},
		{"zero queue capacity", func(c *Config) { c.Pool.QueueCapacity = 0 }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"max age below ttl", func(c *Config) { c.Cache.MaxAge = c.Cache.TTL / 2 }},
		{"negative cooldown", func(c *Config) { c.Cache.QueryCooldown = -time.Second }},
		{"zero max entities", func(c *Config) { c.Cache.MaxEntities = 0 }},
		{"zero refresh interval", func(c *Config) { c.Refresh.Interval = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
daemon:
  host: tcp://127.0.0.1:2375
pool:
  max_connections: 5
cache:
  ttl: 10s
  max_age: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:2375", cfg.Daemon.Host)
	assert.Equal(t, 5, cfg.Pool.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.Cache.TTL)
	assert.Equal(t, time.Minute, cfg.Cache.MaxAge)
	// Untouched sections keep their defaults.
	assert.Equal(t, ":8085", cfg.Server.Addr)
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("DOCKGATE_TEST_HOST", "tcp://10.0.0.7:2375")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "daemon:\n  host: ${DOCKGATE_TEST_HOST}\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://10.0.0.7:2375", cfg.Daemon.Host)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool: [not, a, map]"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Pool.MaxConnections = 7

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Pool.MaxConnections)
	assert.Equal(t, cfg.Cache.TTL, loaded.Cache.TTL)
}

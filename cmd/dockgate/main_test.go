package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockgate/dockgate/pkg/config"
)

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dockgate.yaml")

	cmd := newConfigCmd()
	cmd.SetArgs([]string{"init", path})
	require.NoError(t, cmd.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Pool.MaxConnections, cfg.Pool.MaxConnections)
	assert.Equal(t, config.Default().Daemon.Host, cfg.Daemon.Host)
}

func TestConfigInitRefusesToClobber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dockgate.yaml")

	cmd := newConfigCmd()
	cmd.SetArgs([]string{"init", path})
	require.NoError(t, cmd.Execute())

	cmd = newConfigCmd()
	cmd.SetArgs([]string{"init", path})
	require.Error(t, cmd.Execute(), "must not overwrite without --force")

	cmd = newConfigCmd()
	cmd.SetArgs([]string{"init", path, "--force"})
	require.NoError(t, cmd.Execute())
}

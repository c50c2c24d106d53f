package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "frameworkName: custom-scheduler\nmesosMaster: 10.0.0.1:5050\ntaskLaunchTimeout: 30s\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "custom-scheduler", cfg.FrameworkName)
	assert.Equal(t, "10.0.0.1:5050", cfg.MesosMaster)
	assert.Equal(t, 30*time.Second, cfg.TaskLaunchTimeout)
	assert.Equal(t, Default().ZookeeperHosts, cfg.ZookeeperHosts)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.HTTPHost)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "pilot.db", cfg.DBPath)
	assert.Equal(t, 15*time.Second, cfg.StepTimeout)
	assert.Equal(t, 10*time.Minute, cfg.PlanTimeout)
	assert.Equal(t, 3, cfg.MaxCommandAttempts)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 9191
db:
  path: /tmp/other.db
runner:
  max_command_attempts: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTPPort)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.MaxCommandAttempts)
	assert.Equal(t, "localhost", cfg.HTTPHost, "unset keys keep defaults")
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runner:\n  max_command_attempts: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

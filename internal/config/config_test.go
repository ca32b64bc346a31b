package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "mods", cfg.ModsDir)
	assert.Equal(t, "5s", cfg.Runtime.RunTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mods_dir: /srv/mods
runtime:
  run_timeout: 250ms
network:
  allowed_hosts:
    - api.example.com
logging:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/mods", cfg.ModsDir)
	assert.Equal(t, "250ms", cfg.Runtime.RunTimeout)
	assert.Equal(t, []string{"api.example.com"}, cfg.Network.AllowedHosts)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, "15s", cfg.Runtime.InitTimeout)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mods_dir: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MODHOST_MODS_DIR", "/env/mods")
	t.Setenv("MODHOST_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/env/mods", cfg.ModsDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "modhost.yaml")

	cfg := DefaultConfig()
	cfg.ModsDir = "/opt/mods"
	cfg.Network.AllowedHosts = []string{"api.example.com"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config did not survive the round trip (-saved +loaded):\n%s", diff)
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("5s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("soon", time.Minute))
}

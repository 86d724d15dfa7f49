package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/api/v1", cfg.Server.BasePath)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, "sql", cfg.Notifications.Queue)
	assert.Equal(t, 24*time.Hour, cfg.Reminders.Window)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
notifications:
  queue: redis
  workers: 4
  redis:
    addr: redis:6379
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/api/v1", cfg.Server.BasePath, "unset keys keep defaults")
	assert.Equal(t, "redis", cfg.Notifications.Queue)
	assert.Equal(t, 4, cfg.Notifications.Workers)
	assert.Equal(t, "taskmanager:notifications", cfg.Notifications.Redis.Key)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad backend":     "mail:\n  backend: pigeon\n",
		"bad queue":       "notifications:\n  queue: kafka\n",
		"empty secret":    "auth:\n  jwt_secret: \"\"\n",
		"relative base":   "server:\n  base_path: api\n",
		"smtp needs host": "mail:\n  backend: smtp\n  smtp:\n    host: \"\"\n",
		"bad yaml":        "server: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.ErrorContains(t, err, "not found")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr)
}

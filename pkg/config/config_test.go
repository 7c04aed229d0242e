package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 5*time.Second, cfg.Reconciler.Interval)
	assert.Equal(t, 8, cfg.Bus.Workers)
	assert.False(t, cfg.Safety.FailOpen)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"redis": {"address": "redis.lan:6379"},
		"api": {"listen_addr": ":9999"},
		"safety": {"max_fan_speed": 2}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.lan:6379", cfg.Redis.Address)
	assert.Equal(t, ":9999", cfg.API.ListenAddr)
	assert.Equal(t, 2, cfg.Safety.MaxFanSpeed)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost", cfg.Database.Host)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nats": {"url": "nats://file:4222"}}`), 0o600))

	t.Setenv("CALCIFER_NATS_URL", "nats://env:4222")
	t.Setenv("CALCIFER_DB_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

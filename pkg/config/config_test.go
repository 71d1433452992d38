package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tessera/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TESSERA_SERVER_NAME", "example.org")
	t.Setenv("TESSERA_PORT", "")
	t.Setenv("TESSERA_LOG_LEVEL", "")
	t.Setenv("TESSERA_DATABASE_URL", "")
	t.Setenv("TESSERA_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8448", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "tessera.db", cfg.DatabaseURL)
	assert.Equal(t, 90*24*time.Hour, cfg.KeyValidity)
	assert.Equal(t, 50, cfg.RateLimitRPS)
}

func TestLoadRequiresServerName(t *testing.T) {
	t.Setenv("TESSERA_SERVER_NAME", "")
	t.Setenv("TESSERA_CONFIG", "")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TESSERA_SERVER_NAME", "example.org")
	t.Setenv("TESSERA_PORT", "9448")
	t.Setenv("TESSERA_DATABASE_URL", "postgres://prod:5432/tessera")
	t.Setenv("TESSERA_KEY_VALIDITY", "24h")
	t.Setenv("TESSERA_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9448", cfg.Port)
	assert.Equal(t, "postgres://prod:5432/tessera", cfg.DatabaseURL)
	assert.Equal(t, 24*time.Hour, cfg.KeyValidity)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tessera.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server_name: overlay.org\nport: \"7448\"\nredis_url: redis://localhost:6379\n"), 0o600))

	t.Setenv("TESSERA_SERVER_NAME", "env.org")
	t.Setenv("TESSERA_LOG_LEVEL", "DEBUG")
	t.Setenv("TESSERA_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "overlay.org", cfg.ServerName, "file wins over environment")
	assert.Equal(t, "7448", cfg.Port)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "DEBUG", cfg.LogLevel, "fields absent from the file keep env values")
}

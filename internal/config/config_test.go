package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_URL", "postgres://wm:wm@localhost:5432/walletmirror")
	t.Setenv("CACHE_URL", "redis://localhost:6379/0")
	t.Setenv("UPSTREAM_URL", "wss://indexer.example.com/stream")
	t.Setenv("ENCRYPTION_SALT", "a-real-deployment-salt")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.CachePoolMin)
	assert.Equal(t, 50, cfg.CachePoolMax)
	assert.Equal(t, 300*time.Second, cfg.CacheDefaultTTL)
	assert.Equal(t, 0.80, cfg.CacheMemThreshold)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.AutoRegister)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CACHE_POOL_MIN", "5")
	t.Setenv("CACHE_POOL_MAX", "20")
	t.Setenv("CACHE_DEFAULT_TTL_SECONDS", "60")
	t.Setenv("AUTO_REGISTER", "true")
	t.Setenv("AUTO_REGISTER_WALLETS", "WalletA, WalletB ,,WalletC")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.CachePoolMin)
	assert.Equal(t, 20, cfg.CachePoolMax)
	assert.Equal(t, time.Minute, cfg.CacheDefaultTTL)
	assert.True(t, cfg.AutoRegister)
	assert.Equal(t, []string{"WalletA", "WalletB", "WalletC"}, cfg.Wallets)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Port)
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "7070")

	dir := t.TempDir()
	path := filepath.Join(dir, "walletmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: warn
port: 6060
cache_pool_min: 2
cache_pool_max: 4
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7070, cfg.Port, "environment must override the file")
	assert.Equal(t, 2, cfg.CachePoolMin)
	assert.Equal(t, 4, cfg.CachePoolMax)
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	setRequired(t)
	_, err := Load("/nonexistent/walletmirror.yaml")
	assert.NoError(t, err)
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		unset string
	}{
		{"store url", "STORE_URL"},
		{"cache url", "CACHE_URL"},
		{"upstream url", "UPSTREAM_URL"},
		{"encryption salt", "ENCRYPTION_SALT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.unset, "")
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestValidateRejectsInsecureSalt(t *testing.T) {
	setRequired(t)
	t.Setenv("ENCRYPTION_SALT", "CHANGEME")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure")
}

func TestValidateMasterKey(t *testing.T) {
	setRequired(t)

	t.Setenv("PROTOCOL_MASTER_KEY", "too-short")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("PROTOCOL_MASTER_KEY", "0123456789abcdef0123456789abcdef-ok")
	_, err = Load("")
	assert.NoError(t, err)
}

func TestValidatePoolBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("CACHE_POOL_MIN", "20")
	t.Setenv("CACHE_POOL_MAX", "10")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateMemThreshold(t *testing.T) {
	setRequired(t)
	t.Setenv("CACHE_MEMORY_THRESHOLD", "1.5")
	_, err := Load("")
	assert.Error(t, err)
}

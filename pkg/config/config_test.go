package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/trove/pkg/observability"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TROVE_DATABASE_URI", "sqlite:///var/lib/trove/catalog.db")
	t.Setenv("TROVE_SIGNING_KEYS", "0123456789abcdef0123456789abcdef")
	t.Setenv("TROVE_POLICY_CONFIG", "/etc/trove/policy.yml")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.False(t, cfg.Server.AllowAnonymous)
	assert.Equal(t, 500, cfg.Server.CompressionThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenLifetime)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTokenLifetime)
	assert.Equal(t, defaultScopeUniverse, cfg.Policy.ScopeUniverse)
	assert.Equal(t, observability.InfoLevel, cfg.LogLevel)
	assert.EqualValues(t, 0, cfg.Cache.ByteBudget)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TROVE_PORT", "9001")
	t.Setenv("TROVE_ALLOW_ANONYMOUS", "true")
	t.Setenv("TROVE_SCOPE_UNIVERSE", "read:metadata, read:data,admin")
	t.Setenv("TROVE_READABLE_STORAGE", "/mnt/a,/mnt/b")
	t.Setenv("TROVE_LOG_LEVEL", "debug")
	t.Setenv("TROVE_CACHE_BYTE_BUDGET", "1048576")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9001", cfg.Server.Port)
	assert.True(t, cfg.Server.AllowAnonymous)
	assert.Equal(t, []string{"read:metadata", "read:data", "admin"}, cfg.Policy.ScopeUniverse)
	assert.Equal(t, []string{"/mnt/a", "/mnt/b"}, cfg.Catalog.ReadableStorage)
	assert.Equal(t, observability.DebugLevel, cfg.LogLevel)
	assert.EqualValues(t, 1<<20, cfg.Cache.ByteBudget)
}

func TestValidateRejectsMissingDatabase(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TROVE_DATABASE_URI", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URI")
}

func TestValidateRejectsUnknownScheme(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TROVE_DATABASE_URI", "mysql://nope")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidateRejectsShortSigningKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TROVE_SIGNING_KEYS", "short")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing keys")
}

func TestValidateRejectsInvertedTokenLifetimes(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TROVE_ACCESS_TOKEN_LIFETIME", "2h")
	t.Setenv("TROVE_REFRESH_TOKEN_LIFETIME", "1h")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestSigningKeyBytes(t *testing.T) {
	cfg := AuthConfig{SigningKeys: []string{"first-key", "second-key"}}
	keys := cfg.SigningKeyBytes()
	require.Len(t, keys, 2)
	assert.Equal(t, []byte("first-key"), keys[0])
}

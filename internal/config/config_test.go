package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("REVIEWSYNC_CONFIG", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "8081", cfg.Port)
	require.Equal(t, time.Minute, cfg.MembershipCacheTTL)
	require.Equal(t, 24*time.Hour, cfg.TokenTTL)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reviewsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
log_level: debug
membership_cache_ttl: 30s
cleanup_token: from-file
`), 0o600))

	t.Setenv("REVIEWSYNC_CONFIG", path)
	t.Setenv("CLEANUP_TOKEN", "from-env")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 30*time.Second, cfg.MembershipCacheTTL)
	require.Equal(t, "from-env", cfg.CleanupToken)
}

func TestLoadConfig_BadDuration(t *testing.T) {
	t.Setenv("REVIEWSYNC_CONFIG", "")
	t.Setenv("TOKEN_TTL", "forever")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfig_ProductionNeedsSecret(t *testing.T) {
	t.Setenv("REVIEWSYNC_CONFIG", "")
	t.Setenv("ENV", "production")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "s3cret")
	_, err = LoadConfig()
	require.NoError(t, err)
}

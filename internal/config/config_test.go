package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"STORE_CONNECTION", "BOOT_FUNCTION_ID", "APP_USER_ID", "APP_TENANT_ID",
		"SIGNING_KEY_HEX", "ENVIRONMENT", "ALLOWED_ORIGINS", "MANIFEST_CACHE_TTL_MS",
		"CREDENTIALS_CACHE_TTL_MS", "HTTP_ADDR", "API_TOKENS", "JWT_SECRET",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, defaultManifestCacheTTLMs, cfg.ManifestCacheTTLMs)
	require.Equal(t, defaultCredentialsCacheTTLMs, cfg.CredentialsCacheTTLMs)
	require.Equal(t, defaultHTTPAddr, cfg.HTTPAddr)
	require.False(t, cfg.IsProduction())
}

func TestLoadReadsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_CONNECTION", "postgres://localhost/test")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("API_TOKENS", "a, b ,c")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/test", cfg.StoreConnection)
	require.True(t, cfg.IsProduction())
	require.Equal(t, []string{"a", "b", "c"}, cfg.APITokens)
}

func TestLoadAppliesJSONOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_CONNECTION", "postgres://localhost/base")
	t.Setenv("HTTP_ADDR", ":9000")

	overlay, err := json.Marshal(map[string]any{"StoreConnection": "postgres://localhost/overlay"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "overlay.json")
	require.NoError(t, os.WriteFile(path, overlay, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/overlay", cfg.StoreConnection)
	require.Equal(t, ":9000", cfg.HTTPAddr) // unset overlay fields leave the env value untouched
}

func TestLoadReturnsErrorOnUnreadableOverlay(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestGetEnvIntFallsBackOnMalformedValue(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	require.Equal(t, 42, GetEnvInt("SOME_INT", 42))
}

func TestGetEnvBoolFallsBackOnMalformedValue(t *testing.T) {
	t.Setenv("SOME_BOOL", "maybe")
	require.True(t, GetEnvBool("SOME_BOOL", true))
}

func TestRequireEnvErrorsWhenUnset(t *testing.T) {
	t.Setenv("SOME_REQUIRED", "")
	_, err := RequireEnv("SOME_REQUIRED")
	require.Error(t, err)
}

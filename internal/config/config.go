// Package config loads the recognized configuration surface (§6.4) from the
// process environment, with an optional JSON file overlay for local
// development. Grounded on the teacher's infrastructure/config.GetEnv/
// RequireEnv/GetEnvBool helper style, trimmed to plain os.Getenv lookups —
// the Marble-secret fallback those helpers also support is out of scope
// here (§1: secret retrieval is an opaque platform capability, not core
// config-loading behavior).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the recognized configuration surface from §6.4.
type Config struct {
	StoreConnection       string
	BootFunctionID         string
	AppUserID              string
	AppTenantID            string
	SigningKeyHex          string
	Environment            string
	AllowedOrigins         []string
	ManifestCacheTTLMs     int
	CredentialsCacheTTLMs  int

	HTTPAddr   string
	APITokens  []string
	JWTSecret  string
}

const (
	defaultManifestCacheTTLMs    = 300_000
	defaultCredentialsCacheTTLMs = 900_000
	defaultHTTPAddr              = ":8080"
)

// Load reads configuration from the environment (optionally loading a local
// .env file first, following the teacher's cmd/*/main.go convention of
// godotenv.Load being a best-effort no-op when no file is present) and then
// applies overridePath as a JSON overlay if non-empty.
func Load(overridePath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StoreConnection:       GetEnv("STORE_CONNECTION", ""),
		BootFunctionID:        GetEnv("BOOT_FUNCTION_ID", ""),
		AppUserID:             GetEnv("APP_USER_ID", ""),
		AppTenantID:           GetEnv("APP_TENANT_ID", ""),
		SigningKeyHex:         GetEnv("SIGNING_KEY_HEX", ""),
		Environment:           GetEnv("ENVIRONMENT", "development"),
		AllowedOrigins:        splitCSV(GetEnv("ALLOWED_ORIGINS", "")),
		ManifestCacheTTLMs:    GetEnvInt("MANIFEST_CACHE_TTL_MS", defaultManifestCacheTTLMs),
		CredentialsCacheTTLMs: GetEnvInt("CREDENTIALS_CACHE_TTL_MS", defaultCredentialsCacheTTLMs),
		HTTPAddr:              GetEnv("HTTP_ADDR", defaultHTTPAddr),
		APITokens:             splitCSV(GetEnv("API_TOKENS", "")),
		JWTSecret:             GetEnv("JWT_SECRET", ""),
	}

	if overridePath != "" {
		if err := applyOverlay(cfg, overridePath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// IsProduction reports whether strict manifest checks and error redaction
// (§4.4, §7) apply.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}
	var overlay Config
	if err := json.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: decode overlay %s: %w", path, err)
	}
	merge(cfg, &overlay)
	return nil
}

func merge(base, overlay *Config) {
	if overlay.StoreConnection != "" {
		base.StoreConnection = overlay.StoreConnection
	}
	if overlay.BootFunctionID != "" {
		base.BootFunctionID = overlay.BootFunctionID
	}
	if overlay.AppUserID != "" {
		base.AppUserID = overlay.AppUserID
	}
	if overlay.AppTenantID != "" {
		base.AppTenantID = overlay.AppTenantID
	}
	if overlay.SigningKeyHex != "" {
		base.SigningKeyHex = overlay.SigningKeyHex
	}
	if overlay.Environment != "" {
		base.Environment = overlay.Environment
	}
	if len(overlay.AllowedOrigins) > 0 {
		base.AllowedOrigins = overlay.AllowedOrigins
	}
	if overlay.ManifestCacheTTLMs > 0 {
		base.ManifestCacheTTLMs = overlay.ManifestCacheTTLMs
	}
	if overlay.CredentialsCacheTTLMs > 0 {
		base.CredentialsCacheTTLMs = overlay.CredentialsCacheTTLMs
	}
	if overlay.HTTPAddr != "" {
		base.HTTPAddr = overlay.HTTPAddr
	}
	if len(overlay.APITokens) > 0 {
		base.APITokens = overlay.APITokens
	}
	if overlay.JWTSecret != "" {
		base.JWTSecret = overlay.JWTSecret
	}
}

// GetEnv retrieves an environment variable with a default fallback.
func GetEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// RequireEnv retrieves a required environment variable, returning an error
// naming the missing key rather than silently defaulting.
func RequireEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("config: required environment variable %s is not set", key)
	}
	return v, nil
}

// GetEnvBool retrieves a boolean environment variable.
func GetEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvInt retrieves an integer environment variable.
func GetEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

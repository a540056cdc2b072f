// Package config loads and validates the server configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/beamline/trove/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Catalog  CatalogConfig
	Auth     AuthConfig
	Policy   PolicyConfig
	Cache    CacheConfig
	LogLevel observability.LogLevel
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// AllowAnonymous lets unauthenticated requests see public-tagged
	// nodes instead of receiving 401.
	AllowAnonymous bool
	// CompressionThreshold is the smallest response body, in bytes,
	// worth compressing.
	CompressionThreshold int
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
}

// CatalogConfig holds catalog database and storage configuration
type CatalogConfig struct {
	// DatabaseURI is sqlite://<path> or a postgresql:// URL.
	DatabaseURI string
	// WritableStorage is the directory new writable data sources are
	// initialized under.
	WritableStorage string
	// ReadableStorage are the directories external assets may reference.
	ReadableStorage []string
	// InitIfMissing permits schema auto-initialization of an empty
	// database.
	InitIfMissing bool
}

// AuthConfig holds token and provider configuration
type AuthConfig struct {
	// SigningKeys verify tokens; the first entry signs new ones. Comma
	// separated in the environment so keys can rotate without
	// invalidating outstanding tokens.
	SigningKeys []string
	// AccessTokenLifetime bounds access tokens.
	AccessTokenLifetime time.Duration
	// RefreshTokenLifetime bounds individual refresh tokens.
	RefreshTokenLifetime time.Duration
	// SessionMaxAge is the absolute session lifetime; refreshes past it
	// are refused regardless of token validity.
	SessionMaxAge time.Duration
	// DefaultRole is assigned to principals on first login.
	DefaultRole string
	// StaticUsers are "username:password" entries for the built-in
	// password provider; empty disables it.
	StaticUsers []string

	// OIDC provider settings; empty issuer disables the provider.
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
}

// PolicyConfig holds access policy configuration
type PolicyConfig struct {
	// ConfigPath locates the policy YAML document.
	ConfigPath string
	// ScopeUniverse is the closed set of valid scope names.
	ScopeUniverse []string
	// WatchConfig reloads the policy when the YAML file changes.
	WatchConfig bool
	// PartialRefreshMinutes is the period of the incremental policy
	// update task; FullReloadMinutes the period of the full reload.
	PartialRefreshMinutes int
	FullReloadMinutes     int
}

// CacheConfig holds object cache configuration
type CacheConfig struct {
	// ByteBudget bounds the in-process object cache; zero disables it.
	ByteBudget int64
	// RedisURL enables the shared redis tier when set.
	RedisURL string
	RedisTTL time.Duration
}

var defaultScopeUniverse = []string{
	"read:metadata", "read:data", "write:metadata", "write:data",
	"create", "delete", "apikeys", "admin",
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:                 getEnv("TROVE_HOST", "0.0.0.0"),
			Port:                 getEnv("TROVE_PORT", "8000"),
			ReadTimeout:          getEnvDuration("TROVE_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:         getEnvDuration("TROVE_WRITE_TIMEOUT", 5*time.Minute),
			IdleTimeout:          getEnvDuration("TROVE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:      getEnvDuration("TROVE_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowAnonymous:       getEnvBool("TROVE_ALLOW_ANONYMOUS", false),
			CompressionThreshold: getEnvInt("TROVE_COMPRESSION_THRESHOLD", 500),
			MaxBodyBytes:         getEnvInt64("TROVE_MAX_BODY_BYTES", 10<<20),
		},
		Catalog: CatalogConfig{
			DatabaseURI:     getEnv("TROVE_DATABASE_URI", ""),
			WritableStorage: getEnv("TROVE_WRITABLE_STORAGE", ""),
			ReadableStorage: getEnvList("TROVE_READABLE_STORAGE", nil),
			InitIfMissing:   getEnvBool("TROVE_INIT_IF_MISSING", false),
		},
		Auth: AuthConfig{
			SigningKeys:          getEnvList("TROVE_SIGNING_KEYS", nil),
			AccessTokenLifetime:  getEnvDuration("TROVE_ACCESS_TOKEN_LIFETIME", 15*time.Minute),
			RefreshTokenLifetime: getEnvDuration("TROVE_REFRESH_TOKEN_LIFETIME", 7*24*time.Hour),
			SessionMaxAge:        getEnvDuration("TROVE_SESSION_MAX_AGE", 30*24*time.Hour),
			DefaultRole:          getEnv("TROVE_DEFAULT_ROLE", "user"),
			StaticUsers:          getEnvList("TROVE_STATIC_USERS", nil),
			OIDCIssuer:           getEnv("TROVE_OIDC_ISSUER", ""),
			OIDCClientID:         getEnv("TROVE_OIDC_CLIENT_ID", ""),
			OIDCClientSecret:     getEnv("TROVE_OIDC_CLIENT_SECRET", ""),
			OIDCRedirectURL:      getEnv("TROVE_OIDC_REDIRECT_URL", ""),
		},
		Policy: PolicyConfig{
			ConfigPath:            getEnv("TROVE_POLICY_CONFIG", ""),
			ScopeUniverse:         getEnvList("TROVE_SCOPE_UNIVERSE", defaultScopeUniverse),
			WatchConfig:           getEnvBool("TROVE_POLICY_WATCH", true),
			PartialRefreshMinutes: getEnvInt("TROVE_POLICY_PARTIAL_REFRESH_MINUTES", 1),
			FullReloadMinutes:     getEnvInt("TROVE_POLICY_FULL_RELOAD_MINUTES", 60),
		},
		Cache: CacheConfig{
			ByteBudget: getEnvInt64("TROVE_CACHE_BYTE_BUDGET", 0),
			RedisURL:   getEnv("TROVE_REDIS_URL", ""),
			RedisTTL:   getEnvDuration("TROVE_REDIS_TTL", 15*time.Minute),
		},
		LogLevel: parseLogLevel(getEnv("TROVE_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Catalog.DatabaseURI == "" {
		return fmt.Errorf("database URI is required")
	}
	if !strings.HasPrefix(c.Catalog.DatabaseURI, "sqlite://") &&
		!strings.HasPrefix(c.Catalog.DatabaseURI, "postgresql://") &&
		!strings.HasPrefix(c.Catalog.DatabaseURI, "postgres://") {
		return fmt.Errorf("database URI must be sqlite:// or postgresql://, got %q", c.Catalog.DatabaseURI)
	}
	if len(c.Auth.SigningKeys) == 0 {
		return fmt.Errorf("at least one signing key is required")
	}
	for _, key := range c.Auth.SigningKeys {
		if len(key) < 16 {
			return fmt.Errorf("signing keys must be at least 16 bytes")
		}
	}
	if c.Auth.RefreshTokenLifetime <= c.Auth.AccessTokenLifetime {
		return fmt.Errorf("refresh token lifetime must exceed access token lifetime")
	}
	if c.Auth.SessionMaxAge < c.Auth.RefreshTokenLifetime {
		return fmt.Errorf("session max age must be at least the refresh token lifetime")
	}
	if c.Policy.ConfigPath == "" {
		return fmt.Errorf("policy config path is required")
	}
	if len(c.Policy.ScopeUniverse) == 0 {
		return fmt.Errorf("scope universe must not be empty")
	}
	if c.Server.CompressionThreshold < 0 {
		return fmt.Errorf("compression threshold must be non-negative")
	}
	if c.Cache.ByteBudget < 0 {
		return fmt.Errorf("cache byte budget must be non-negative")
	}
	return nil
}

// SigningKeyBytes renders the signing keys as the byte slices the token
// issuer consumes.
func (c *AuthConfig) SigningKeyBytes() [][]byte {
	keys := make([][]byte, len(c.SigningKeys))
	for i, k := range c.SigningKeys {
		keys[i] = []byte(k)
	}
	return keys
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a
// default; entries are trimmed, empties dropped.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emissary-hq/emissary/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server Server
	Auth   Auth
	SSO    SSO

	// PostgresURL selects the postgres store when non-empty; the in-memory
	// store is used otherwise.
	PostgresURL string

	LogLevel observability.LogLevel
}

// Server holds HTTP server configuration
type Server struct {
	Addr            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Auth holds session and token configuration
type Auth struct {
	// SigningSecret signs access, refresh and SSO flow-state tokens.
	SigningSecret string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// SecureCookies forces the Secure attribute on session cookies. It is
	// implied when Environment is "production".
	SecureCookies bool
	Environment   string
}

// SSO holds static fallback SSO provider settings. Per-organization settings
// stored in the database take precedence.
type SSO struct {
	SAMLSettingsJSON string
	OIDCSettingsJSON string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: Server{
			Addr:            getEnv("EMISSARY_ADDR", ":8080"),
			BaseURL:         strings.TrimSuffix(getEnv("EMISSARY_BASE_URL", "http://localhost:8080"), "/"),
			ReadTimeout:     getEnvDuration("EMISSARY_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("EMISSARY_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("EMISSARY_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("EMISSARY_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: Auth{
			SigningSecret:   os.Getenv("EMISSARY_SIGNING_SECRET"),
			AccessTokenTTL:  getEnvDuration("EMISSARY_ACCESS_TOKEN_TTL", 24*time.Hour),
			RefreshTokenTTL: getEnvDuration("EMISSARY_REFRESH_TOKEN_TTL", 7*24*time.Hour),
			SecureCookies:   getEnvBool("EMISSARY_SECURE_COOKIES", false),
			Environment:     getEnv("EMISSARY_ENV", "development"),
		},
		SSO: SSO{
			SAMLSettingsJSON: os.Getenv("EMISSARY_SAML_SETTINGS"),
			OIDCSettingsJSON: os.Getenv("EMISSARY_OIDC_SETTINGS"),
		},
		PostgresURL: os.Getenv("EMISSARY_POSTGRES_URL"),
		LogLevel:    observability.ParseLogLevel(getEnv("EMISSARY_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("EMISSARY_SIGNING_SECRET is required")
	}
	if len(c.Auth.SigningSecret) < 32 {
		return fmt.Errorf("EMISSARY_SIGNING_SECRET must be at least 32 bytes")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	return nil
}

// CookiesSecure reports whether session cookies must carry the Secure flag
func (c *Config) CookiesSecure() bool {
	return c.Auth.SecureCookies || strings.EqualFold(c.Auth.Environment, "production")
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

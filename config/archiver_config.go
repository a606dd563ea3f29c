package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// Token confidentiality
	EncryptionKey string

	// Remote mail provider (JMAP)
	SessionURL     string
	StaticAPIToken string

	// OAuth (refresh path)
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string

	// Sync engine
	SyncAccountID string
	SyncInterval  time.Duration
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration

	// Webhooks
	WebhookSecret  string
	WebhookEnabled bool

	// Management API auth (optional)
	ManagementJWTSecret string

	// Logging
	LogLevel string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		SessionURL:     getEnv("JMAP_SESSION_URL", ""),
		StaticAPIToken: getEnv("REMOTE_API_TOKEN", ""),

		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),

		SyncAccountID: getEnv("SYNC_ACCOUNT_ID", ""),
		SyncInterval:  time.Duration(getEnvInt("SYNC_INTERVAL_MINUTES", 15)) * time.Minute,
		BatchSize:     getEnvInt("BATCH_SIZE", 100),
		MaxRetries:    getEnvInt("MAX_RETRIES", 3),
		RetryDelay:    time.Duration(getEnvInt("RETRY_DELAY_MS", 5000)) * time.Millisecond,

		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		WebhookEnabled: getEnvBool("WEBHOOK_ENABLED", true),

		ManagementJWTSecret: getEnv("MANAGEMENT_JWT_SECRET", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces required keys. A missing key here is fatal to the process.
func (c *Config) Validate() error {
	var missing []string

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.SessionURL == "" {
		missing = append(missing, "JMAP_SESSION_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.StaticAPIToken == "" && (c.OAuthClientID == "" || c.OAuthClientSecret == "" || c.OAuthTokenURL == "") {
		return errors.New("either REMOTE_API_TOKEN or OAUTH_CLIENT_ID/OAUTH_CLIENT_SECRET/OAUTH_TOKEN_URL must be set")
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// HasOAuthRefresh reports whether the refresh-token exchange is configured.
func (c *Config) HasOAuthRefresh() bool {
	return c.OAuthClientID != "" && c.OAuthClientSecret != "" && c.OAuthTokenURL != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

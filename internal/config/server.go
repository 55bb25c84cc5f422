package config

import (
	"fmt"
	"time"

	"github.com/gridworks/dispatch/internal/env"
)

// ServerConfig holds all configuration for the coordinator binary.
type ServerConfig struct {
	Database        DatabaseConfig
	HTTP            HTTPConfig
	Auth            AuthConfig
	Populate        PopulateConfig
	Recovery        RecoveryConfig
	Cleanup         CleanupConfig
	Archive         ArchiveConfig
	Observability   ObservabilityConfig
	ShutdownTimeout time.Duration `env:"DISPATCH_SHUTDOWN_TIMEOUT"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Host              string        `env:"DISPATCH_HTTP_HOST"`
	Port              string        `env:"DISPATCH_HTTP_PORT"`
	ReadTimeout       time.Duration `env:"DISPATCH_HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `env:"DISPATCH_HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `env:"DISPATCH_HTTP_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `env:"DISPATCH_HTTP_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `env:"DISPATCH_HTTP_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `env:"DISPATCH_HTTP_MAX_BODY_BYTES"`
}

// AuthConfig holds token issuance and admin authentication configuration.
type AuthConfig struct {
	// AdminToken authorizes the privileged admin surface. Required.
	AdminToken string `env:"ADMIN_TOKEN"`

	// PrivateKeyPEM is the PKCS#1 or PKCS#8 encoded RSA signing key.
	// When empty an ephemeral key is generated at startup and sessions
	// do not survive restarts.
	PrivateKeyPEM string `env:"AUTH_PRIVATE_KEY_PEM"`

	// TokenTTLSeconds is the session token lifetime, clamped by
	// Validate to [600, 1800].
	TokenTTLSeconds int `env:"TOKEN_TTL_SECONDS"`

	// MinClientVersion rejects token requests from older agents with
	// an upgrade-required response.
	MinClientVersion string `env:"AUTH_MIN_CLIENT_VERSION"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.TokenTTLSeconds != 0 && (c.TokenTTLSeconds < 600 || c.TokenTTLSeconds > 1800) {
		return fmt.Errorf("TOKEN_TTL_SECONDS must be between 600 and 1800, got %d", c.TokenTTLSeconds)
	}
	return nil
}

// PopulateConfig holds the auto-populate loop configuration.
type PopulateConfig struct {
	IntervalMS int `env:"POPULATE_INTERVAL_MS"`
	BatchSize  int `env:"BATCH_SIZE"`
}

// Validate validates the populate configuration.
func (c *PopulateConfig) Validate() error {
	if c.BatchSize < 0 {
		return fmt.Errorf("BATCH_SIZE must not be negative, got %d", c.BatchSize)
	}
	return nil
}

// RecoveryConfig holds the stuck-job monitor configuration. Timeouts
// below one minute would race healthy workers and are rejected.
type RecoveryConfig struct {
	ClaimedTimeoutSeconds    int `env:"CLAIMED_JOB_TIMEOUT_SECONDS"`
	ProcessingTimeoutSeconds int `env:"PROCESSING_JOB_TIMEOUT_SECONDS"`
	CheckIntervalSeconds     int `env:"RECOVERY_CHECK_INTERVAL_SECONDS"`
}

// Validate validates the recovery configuration.
func (c *RecoveryConfig) Validate() error {
	if c.ClaimedTimeoutSeconds != 0 && c.ClaimedTimeoutSeconds < 60 {
		return fmt.Errorf("CLAIMED_JOB_TIMEOUT_SECONDS must be at least 60, got %d", c.ClaimedTimeoutSeconds)
	}
	if c.ProcessingTimeoutSeconds != 0 && c.ProcessingTimeoutSeconds < 60 {
		return fmt.Errorf("PROCESSING_JOB_TIMEOUT_SECONDS must be at least 60, got %d", c.ProcessingTimeoutSeconds)
	}
	return nil
}

// CleanupConfig holds the deleted-bot retention sweeper configuration.
type CleanupConfig struct {
	RetentionDays int  `env:"BOT_RETENTION_DAYS"`
	IntervalHours int  `env:"CLEANUP_INTERVAL_HOURS"`
	DryRun        bool `env:"CLEANUP_DRY_RUN"`
}

// ArchiveConfig holds the append-only result archive configuration.
type ArchiveConfig struct {
	// Dir is where daily JSONL result files are written. Empty
	// disables archiving.
	Dir string `env:"ARCHIVE_DIR"`
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"DISPATCH_OTEL_ENABLED"`
	ServiceName string `env:"OTEL_SERVICE_NAME"`
}

// LoadServerConfig loads and validates coordinator configuration from
// the environment.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	if cfg.Auth.AdminToken == "" {
		return nil, fmt.Errorf("ADMIN_TOKEN is required")
	}

	return cfg, nil
}

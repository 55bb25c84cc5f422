package config

import (
	"fmt"
	"time"

	"github.com/gridworks/dispatch/internal/env"
)

// BotConfig holds all configuration for the worker agent binary.
type BotConfig struct {
	// BotKey is the stable credential identity, BootstrapSecret the
	// shared secret exchanged for session tokens. Both required.
	BotKey          string `env:"BOT_KEY"`
	BootstrapSecret string `env:"BOT_BOOTSTRAP_SECRET"`

	// ServerURL is the coordinator base URL, e.g. http://localhost:8080.
	ServerURL string `env:"MAIN_SERVER_URL"`

	HeartbeatIntervalMS  int     `env:"HEARTBEAT_INTERVAL_MS"`
	ProcessingDurationMS int     `env:"PROCESSING_DURATION_MS"`
	FailureRate          float64 `env:"FAILURE_RATE"`
	MaxStartupAttempts   int     `env:"MAX_STARTUP_ATTEMPTS"`

	Breaker BreakerConfig
	Retry   RetryConfig
}

// BreakerConfig holds circuit breaker tuning shared by all four
// coordinator endpoints the agent calls.
type BreakerConfig struct {
	FailureThreshold int     `env:"CB_FAILURE_THRESHOLD"`
	RecoveryTimeout  float64 `env:"CB_RECOVERY_TIMEOUT"` // seconds
	HalfOpenMaxCalls int     `env:"CB_HALF_OPEN_MAX_CALLS"`
}

// RetryConfig holds exponential backoff tuning for agent startup calls.
type RetryConfig struct {
	MaxAttempts     int     `env:"RETRY_MAX_ATTEMPTS"`
	BaseDelay       float64 `env:"RETRY_BASE_DELAY"` // seconds
	MaxDelay        float64 `env:"RETRY_MAX_DELAY"`  // seconds
	ExponentialBase float64 `env:"RETRY_EXPONENTIAL_BASE"`
}

// Validate validates the bot configuration.
func (c *BotConfig) Validate() error {
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("FAILURE_RATE must be between 0 and 1, got %g", c.FailureRate)
	}
	return nil
}

// Defaults mirror the platform's documented operating points.
const (
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultProcessingDuration = 5 * time.Second
	DefaultFailureRate        = 0.15
	DefaultMaxStartupAttempts = 20

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerRecoveryTimeout  = 30 * time.Second
	DefaultBreakerHalfOpenMaxCalls = 3

	DefaultRetryMaxAttempts     = 10
	DefaultRetryBaseDelay       = 1 * time.Second
	DefaultRetryMaxDelay        = 60 * time.Second
	DefaultRetryExponentialBase = 2.0
)

// HeartbeatInterval returns the configured heartbeat interval or the
// default.
func (c *BotConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalMS <= 0 {
		return DefaultHeartbeatInterval
	}
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// ProcessingDuration returns the simulated work duration or the default.
func (c *BotConfig) ProcessingDuration() time.Duration {
	if c.ProcessingDurationMS <= 0 {
		return DefaultProcessingDuration
	}
	return time.Duration(c.ProcessingDurationMS) * time.Millisecond
}

// LoadBotConfig loads and validates agent configuration from the
// environment.
func LoadBotConfig() (*BotConfig, error) {
	cfg := &BotConfig{
		FailureRate: DefaultFailureRate,
	}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load bot config: %w", err)
	}

	if cfg.BotKey == "" {
		return nil, fmt.Errorf("BOT_KEY is required")
	}
	if cfg.BootstrapSecret == "" {
		return nil, fmt.Errorf("BOT_BOOTSTRAP_SECRET is required")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("MAIN_SERVER_URL is required")
	}

	return cfg, nil
}

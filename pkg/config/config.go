// Package config loads process configuration from the environment,
// following the same getEnvOrDefault/Validate idiom as the teacher's
// pkg/database/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the optional Redis cache connection used by the
// billing guard's balance cache and the GPU-retry dedup key.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PodProviderConfig holds the GPU-cloud provider adapter settings.
type PodProviderConfig struct {
	BaseURL            string
	APIToken           string
	DefaultGPUTypes    []string
	PollInterval       time.Duration
	ReadyDeadline      time.Duration
	BreakerMaxFailures uint32
}

// RemoteShellConfig holds the SSH key material used to reach pods for
// artifact upload and skip-stage control.
type RemoteShellConfig struct {
	PrivateKeyPath string
	ConnectTimeout time.Duration
}

// TerminationConfig holds the termination worker's settings
// (spec.md §4.9). Only PollInterval and Concurrency are passed to the
// worker; LeaseSeconds, StuckSeconds and MaxAttempts are loaded and
// validated, but the worker uses the constants in pkg/termination and
// models.MaxTerminationAttempts instead.
type TerminationConfig struct {
	LeaseSeconds  int
	StuckSeconds  int
	PollInterval  time.Duration
	Concurrency   int
	MaxAttempts   int
}

// LauncherConfig holds launcher tunables.
type LauncherConfig struct {
	StartupGrace    time.Duration
	MaxGPURetries   int
}

// SlackConfig holds the out-of-band notifier settings. Empty Token
// disables Slack notifications (the notifier becomes a no-op).
type SlackConfig struct {
	Token     string
	ChannelID string
}

// Config is the fully resolved process configuration.
type Config struct {
	HTTPPort       string
	WebhookBaseURL string
	MetricsEnabled bool

	Database    DatabaseConfig
	Redis       RedisConfig
	PodProvider PodProviderConfig
	RemoteShell RemoteShellConfig
	Termination TerminationConfig
	Launcher    LauncherConfig
	Slack       SlackConfig
}

// LoadFromEnv loads and validates the process configuration.
func LoadFromEnv() (Config, error) {
	dbPort, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "10"))
	maxLifetime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}

	redisDB, _ := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))

	pollInterval, err := time.ParseDuration(getEnvOrDefault("POD_POLL_INTERVAL", "5s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid POD_POLL_INTERVAL: %w", err)
	}
	readyDeadline, err := time.ParseDuration(getEnvOrDefault("POD_READY_DEADLINE", "10m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid POD_READY_DEADLINE: %w", err)
	}
	breakerMaxFailures, _ := strconv.Atoi(getEnvOrDefault("POD_BREAKER_MAX_FAILURES", "5"))

	sshConnectTimeout, err := time.ParseDuration(getEnvOrDefault("SSH_CONNECT_TIMEOUT", "15s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SSH_CONNECT_TIMEOUT: %w", err)
	}

	leaseSeconds, _ := strconv.Atoi(getEnvOrDefault("TERMINATION_LEASE_SECONDS", "3000"))
	stuckSeconds, _ := strconv.Atoi(getEnvOrDefault("TERMINATION_STUCK_SECONDS", "3600"))
	terminationPoll, err := time.ParseDuration(getEnvOrDefault("TERMINATION_POLL_INTERVAL", "1s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid TERMINATION_POLL_INTERVAL: %w", err)
	}
	concurrency, _ := strconv.Atoi(getEnvOrDefault("TERMINATION_CONCURRENCY", "4"))
	maxAttempts, _ := strconv.Atoi(getEnvOrDefault("TERMINATION_MAX_ATTEMPTS", "3"))

	startupGrace, err := time.ParseDuration(getEnvOrDefault("RUN_STARTUP_GRACE", "10m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid RUN_STARTUP_GRACE: %w", err)
	}
	maxGPURetries, _ := strconv.Atoi(getEnvOrDefault("MAX_GPU_RETRIES", "3"))

	cfg := Config{
		HTTPPort:       getEnvOrDefault("HTTP_PORT", "8080"),
		WebhookBaseURL: getEnvOrDefault("WEBHOOK_BASE_URL", "http://localhost:8080"),
		MetricsEnabled: getEnvOrDefault("METRICS_ENABLED", "false") == "true",
		Database: DatabaseConfig{
			Host:            getEnvOrDefault("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnvOrDefault("DB_USER", "runlifecycle"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnvOrDefault("DB_NAME", "runlifecycle"),
			SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
			MaxOpenConns:    maxOpen,
			MaxIdleConns:    maxIdle,
			ConnMaxLifetime: maxLifetime,
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		PodProvider: PodProviderConfig{
			BaseURL:            getEnvOrDefault("POD_PROVIDER_BASE_URL", ""),
			APIToken:           os.Getenv("POD_PROVIDER_API_TOKEN"),
			DefaultGPUTypes:    splitCSV(getEnvOrDefault("POD_PROVIDER_DEFAULT_GPU_TYPES", "A100,A6000,RTX4090")),
			PollInterval:       pollInterval,
			ReadyDeadline:      readyDeadline,
			BreakerMaxFailures: uint32(breakerMaxFailures),
		},
		RemoteShell: RemoteShellConfig{
			PrivateKeyPath: getEnvOrDefault("SSH_PRIVATE_KEY_PATH", ""),
			ConnectTimeout: sshConnectTimeout,
		},
		Termination: TerminationConfig{
			LeaseSeconds: leaseSeconds,
			StuckSeconds: stuckSeconds,
			PollInterval: terminationPoll,
			Concurrency:  concurrency,
			MaxAttempts:  maxAttempts,
		},
		Launcher: LauncherConfig{
			StartupGrace:  startupGrace,
			MaxGPURetries: maxGPURetries,
		},
		Slack: SlackConfig{
			Token:     os.Getenv("SLACK_BOT_TOKEN"),
			ChannelID: os.Getenv("SLACK_ALERT_CHANNEL_ID"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants not captured by individual
// parse steps.
func (c Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Termination.MaxAttempts < 1 {
		return fmt.Errorf("TERMINATION_MAX_ATTEMPTS must be at least 1")
	}
	if c.Launcher.MaxGPURetries < 0 {
		return fmt.Errorf("MAX_GPU_RETRIES cannot be negative")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Package config loads process configuration from the environment and the
// optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/audit"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/escalation"
)

// Config holds the service configuration.
type Config struct {
	HTTPAddr    string `env:"GOVERNOR_HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"GOVERNOR_SQLITE_PATH" envDefault:"governor.db"`
	PolicyFile  string `env:"GOVERNOR_POLICY_FILE"`
	LogFormat   string `env:"GOVERNOR_LOG_FORMAT" envDefault:"json"`
	LogLevel    string `env:"GOVERNOR_LOG_LEVEL" envDefault:"info"`
	Environment string `env:"GOVERNOR_ENV" envDefault:"development"`

	Redis     RedisConfig
	Windows   WindowConfig
	Actuator  ActuatorConfig
	Audit     AuditConfig
	Telemetry TelemetryConfig
	RateLimit RateLimitConfig

	ReaperSchedule     string        `env:"GOVERNOR_REAPER_SCHEDULE" envDefault:"@every 15m"`
	HighRiskApprovers  int           `env:"GOVERNOR_HIGH_RISK_APPROVERS" envDefault:"1"`
	OverrideSigningKey string        `env:"GOVERNOR_OVERRIDE_SIGNING_KEY"`
	RecoveryHorizon    time.Duration `env:"GOVERNOR_RECOVERY_HORIZON" envDefault:"24h"`
	OrphanLockAge      time.Duration `env:"GOVERNOR_ORPHAN_LOCK_AGE" envDefault:"5m"`
	TimerRetryBase     time.Duration `env:"GOVERNOR_TIMER_RETRY_BASE" envDefault:"5s"`
	TimerRetryMax      time.Duration `env:"GOVERNOR_TIMER_RETRY_MAX" envDefault:"5m"`
}

// RedisConfig enables the Redis lock manager and notifier when Addr is set.
type RedisConfig struct {
	Addr          string `env:"GOVERNOR_REDIS_ADDR"`
	Password      string `env:"GOVERNOR_REDIS_PASSWORD"`
	DB            int    `env:"GOVERNOR_REDIS_DB" envDefault:"0"`
	ChannelPrefix string `env:"GOVERNOR_NOTIFY_CHANNEL_PREFIX" envDefault:"governor"`
}

// WindowConfig holds the lifecycle timeouts.
type WindowConfig struct {
	AutoApply   time.Duration `env:"GOVERNOR_AUTO_APPLY_DELAY" envDefault:"5m"`
	Acknowledge time.Duration `env:"GOVERNOR_ACK_WINDOW" envDefault:"4h"`
	Secondary   time.Duration `env:"GOVERNOR_SECONDARY_ESCALATION" envDefault:"4h"`
	Senior      time.Duration `env:"GOVERNOR_SENIOR_ESCALATION" envDefault:"24h"`
	Approval    time.Duration `env:"GOVERNOR_APPROVAL_WINDOW" envDefault:"168h"`
}

// ActuatorConfig selects where apply signals are delivered. An empty URL
// logs signals instead.
type ActuatorConfig struct {
	URL           string        `env:"GOVERNOR_ACTUATOR_URL"`
	Token         string        `env:"GOVERNOR_ACTUATOR_TOKEN"`
	Timeout       time.Duration `env:"GOVERNOR_ACTUATOR_TIMEOUT" envDefault:"10s"`
	RelayInterval time.Duration `env:"GOVERNOR_RELAY_INTERVAL" envDefault:"2s"`
}

// AuditConfig configures the compliance export sink.
type AuditConfig struct {
	Sink     string `env:"GOVERNOR_AUDIT_SINK"`
	Dir      string `env:"GOVERNOR_AUDIT_DIR" envDefault:"audit-export"`
	Bucket   string `env:"GOVERNOR_AUDIT_BUCKET"`
	Region   string `env:"GOVERNOR_AUDIT_REGION"`
	Endpoint string `env:"GOVERNOR_AUDIT_ENDPOINT"`
	Prefix   string `env:"GOVERNOR_AUDIT_PREFIX"`
}

// TelemetryConfig configures OTLP export. Disabled by default.
type TelemetryConfig struct {
	Enabled    bool    `env:"GOVERNOR_OTEL_ENABLED" envDefault:"false"`
	Endpoint   string  `env:"GOVERNOR_OTEL_ENDPOINT" envDefault:"localhost:4317"`
	Insecure   bool    `env:"GOVERNOR_OTEL_INSECURE" envDefault:"false"`
	SampleRate float64 `env:"GOVERNOR_OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	PerSecond float64 `env:"GOVERNOR_RATE_LIMIT" envDefault:"20"`
	Burst     int     `env:"GOVERNOR_RATE_BURST" envDefault:"40"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := c.EscalationWindows().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.HighRiskApprovers < 1 {
		errs = append(errs, fmt.Errorf("GOVERNOR_HIGH_RISK_APPROVERS must be at least 1, got %d", c.HighRiskApprovers))
	}
	if c.RecoveryHorizon < 0 {
		errs = append(errs, errors.New("GOVERNOR_RECOVERY_HORIZON must not be negative"))
	}
	if c.OrphanLockAge <= 0 {
		errs = append(errs, errors.New("GOVERNOR_ORPHAN_LOCK_AGE must be positive"))
	}
	if c.TimerRetryBase <= 0 || c.TimerRetryMax < c.TimerRetryBase {
		errs = append(errs, errors.New("GOVERNOR_TIMER_RETRY_BASE must be positive and at most GOVERNOR_TIMER_RETRY_MAX"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("GOVERNOR_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate limit and burst must be positive"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("GOVERNOR_OTEL_SAMPLE_RATE must be within [0, 1], got %v", c.Telemetry.SampleRate))
	}
	switch audit.SinkType(c.Audit.Sink) {
	case audit.SinkNone, audit.SinkFS:
	case audit.SinkS3, audit.SinkGCS:
		if c.Audit.Bucket == "" {
			errs = append(errs, fmt.Errorf("GOVERNOR_AUDIT_BUCKET is required for the %s sink", c.Audit.Sink))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported GOVERNOR_AUDIT_SINK %q", c.Audit.Sink))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EscalationWindows converts the window settings.
func (c *Config) EscalationWindows() escalation.Windows {
	return escalation.Windows{
		AutoApply:   c.Windows.AutoApply,
		Acknowledge: c.Windows.Acknowledge,
		Secondary:   c.Windows.Secondary,
		Senior:      c.Windows.Senior,
		Approval:    c.Windows.Approval,
	}
}

// AuditSink converts the export settings.
func (c *Config) AuditSink() audit.SinkConfig {
	return audit.SinkConfig{
		Type:     audit.SinkType(c.Audit.Sink),
		Dir:      c.Audit.Dir,
		Bucket:   c.Audit.Bucket,
		Region:   c.Audit.Region,
		Endpoint: c.Audit.Endpoint,
		Prefix:   c.Audit.Prefix,
	}
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("GOVERNOR_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// LiteMode reports whether the SQLite store is used.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// Package config loads TacEdge's runtime configuration, adapted from the
// teacher's pkg/config layered-merge design: an optional YAML base file,
// overridden by TACEDGE_-prefixed environment variables, one flat name
// per field (e.g. TACEDGE_QUEUE_WATERMARK_FLASH). TacEdge runs as a single process, so
// the teacher's per-tenant/per-env file layering collapses to one
// optional file plus env overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Watermarks holds the per-precedence backpressure thresholds from
// spec.md §5, in precedence order [FLASH, IMMEDIATE, PRIORITY, ROUTINE].
type Watermarks struct {
	Flash     int `yaml:"flash"`
	Immediate int `yaml:"immediate"`
	Priority  int `yaml:"priority"`
	Routine   int `yaml:"routine"`
}

// Config is the enumerated configuration surface from spec.md §6.
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`

	DispatcherTickMS int `yaml:"dispatcher_tick_ms"`

	HeartbeatThresholdS int `yaml:"heartbeat_threshold_s"`

	MaxAttempts int `yaml:"max_attempts"`

	BackoffBaseMS int `yaml:"backoff_base_ms"`
	BackoffMaxMS  int `yaml:"backoff_max_ms"`

	AttemptTimeoutFlashMS int `yaml:"attempt_timeout_flash_ms"`
	AttemptTimeoutOtherMS int `yaml:"attempt_timeout_other_ms"`

	QueueWatermarks Watermarks `yaml:"queue_watermarks"`

	TokenSigningKey     string `yaml:"token_signing_key"`
	ContentEncryptionKey string `yaml:"content_encryption_key"`
	KeyVersion          int    `yaml:"key_version"`

	RedisAddr string `yaml:"redis_addr"`
	NodesDSN  string `yaml:"nodes_dsn"`
	AuditDSN  string `yaml:"audit_dsn"`

	RateLimitFlashPerMin int `yaml:"rate_limit_flash_per_min"`
	RateLimitOtherPerMin int `yaml:"rate_limit_other_per_min"`
	RateLimitReadsPerMin int `yaml:"rate_limit_reads_per_min"`
}

func defaults() Config {
	return Config{
		Env:      "local",
		LogLevel: "info",
		HTTPAddr: ":8080",

		DispatcherTickMS: 2000,

		HeartbeatThresholdS: 60,

		MaxAttempts: 5,

		BackoffBaseMS: 500,
		BackoffMaxMS:  60000,

		AttemptTimeoutFlashMS: 5000,
		AttemptTimeoutOtherMS: 30000,

		QueueWatermarks: Watermarks{
			Flash:     100,
			Immediate: 1000,
			Priority:  10000,
			Routine:   100000,
		},

		KeyVersion: 1,

		RedisAddr: "localhost:6379",
		NodesDSN:  "file:tacedge_nodes.db?mode=memory&cache=shared",
		AuditDSN:  "file:tacedge_audit.db?mode=memory&cache=shared",

		RateLimitFlashPerMin: 100,
		RateLimitOtherPerMin: 1000,
		RateLimitReadsPerMin: 5000,
	}
}

// Load reads an optional YAML file at path (skipped if path is empty or
// missing), then applies TACEDGE_-prefixed environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("TACEDGE_ENV", &cfg.Env)
	str("TACEDGE_LOG_LEVEL", &cfg.LogLevel)
	str("TACEDGE_HTTP_ADDR", &cfg.HTTPAddr)

	num("TACEDGE_DISPATCHER_TICK_MS", &cfg.DispatcherTickMS)
	num("TACEDGE_HEARTBEAT_THRESHOLD_S", &cfg.HeartbeatThresholdS)
	num("TACEDGE_MAX_ATTEMPTS", &cfg.MaxAttempts)
	num("TACEDGE_BACKOFF_BASE_MS", &cfg.BackoffBaseMS)
	num("TACEDGE_BACKOFF_MAX_MS", &cfg.BackoffMaxMS)
	num("TACEDGE_ATTEMPT_TIMEOUT_FLASH_MS", &cfg.AttemptTimeoutFlashMS)
	num("TACEDGE_ATTEMPT_TIMEOUT_OTHER_MS", &cfg.AttemptTimeoutOtherMS)

	num("TACEDGE_QUEUE_WATERMARK_FLASH", &cfg.QueueWatermarks.Flash)
	num("TACEDGE_QUEUE_WATERMARK_IMMEDIATE", &cfg.QueueWatermarks.Immediate)
	num("TACEDGE_QUEUE_WATERMARK_PRIORITY", &cfg.QueueWatermarks.Priority)
	num("TACEDGE_QUEUE_WATERMARK_ROUTINE", &cfg.QueueWatermarks.Routine)

	str("TACEDGE_TOKEN_SIGNING_KEY", &cfg.TokenSigningKey)
	str("TACEDGE_CONTENT_ENCRYPTION_KEY", &cfg.ContentEncryptionKey)
	num("TACEDGE_KEY_VERSION", &cfg.KeyVersion)

	str("TACEDGE_REDIS_ADDR", &cfg.RedisAddr)
	str("TACEDGE_NODES_DSN", &cfg.NodesDSN)
	str("TACEDGE_AUDIT_DSN", &cfg.AuditDSN)

	num("TACEDGE_RATE_LIMIT_FLASH_PER_MIN", &cfg.RateLimitFlashPerMin)
	num("TACEDGE_RATE_LIMIT_OTHER_PER_MIN", &cfg.RateLimitOtherPerMin)
	num("TACEDGE_RATE_LIMIT_READS_PER_MIN", &cfg.RateLimitReadsPerMin)
}

func validate(cfg Config) error {
	if cfg.TokenSigningKey == "" {
		return fmt.Errorf("config: TACEDGE_TOKEN_SIGNING_KEY is required")
	}
	if cfg.ContentEncryptionKey == "" {
		return fmt.Errorf("config: TACEDGE_CONTENT_ENCRYPTION_KEY is required")
	}
	if cfg.DispatcherTickMS <= 0 {
		return fmt.Errorf("config: dispatcher_tick_ms must be positive")
	}
	return nil
}

// DispatcherTick returns the configured tick interval as a duration.
func (c Config) DispatcherTick() time.Duration {
	return time.Duration(c.DispatcherTickMS) * time.Millisecond
}

// HeartbeatThreshold returns the configured node liveness threshold.
func (c Config) HeartbeatThreshold() time.Duration {
	return time.Duration(c.HeartbeatThresholdS) * time.Second
}

// BackoffBase returns the configured retry backoff base.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the configured retry backoff ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// AttemptTimeout returns the per-attempt delivery timeout for precedence.
func (c Config) AttemptTimeout(flash bool) time.Duration {
	if flash {
		return time.Duration(c.AttemptTimeoutFlashMS) * time.Millisecond
	}
	return time.Duration(c.AttemptTimeoutOtherMS) * time.Millisecond
}

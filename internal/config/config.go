// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

// Package config provides layered configuration loading with Koanf v2.
// Precedence: environment variables > YAML config file > built-in defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Resonance server.
type Config struct {
	Broker   BrokerConfig   `koanf:"broker"`
	Database DatabaseConfig `koanf:"database"`
	Cache    CacheConfig    `koanf:"cache"`
	Server   ServerConfig   `koanf:"server"`
	API      APIConfig      `koanf:"api"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
	Pipeline PipelineConfig `koanf:"pipeline"`
}

// BrokerConfig holds NATS JetStream broker settings.
type BrokerConfig struct {
	// URL is the NATS server connection URL.
	URL string `koanf:"url"`

	// EmbeddedServer enables an embedded NATS server.
	// If false, expects an external NATS server at URL.
	EmbeddedServer bool `koanf:"embedded_server"`

	// StoreDir is the JetStream storage directory.
	StoreDir string `koanf:"store_dir"`

	// MaxMemory is the maximum memory for JetStream in bytes.
	MaxMemory int64 `koanf:"max_memory"`

	// MaxStore is the maximum disk storage for JetStream in bytes.
	MaxStore int64 `koanf:"max_store"`

	// StreamRetentionDays is how long to keep messages in the stream.
	StreamRetentionDays int `koanf:"stream_retention_days"`

	// QueueGroup is the queue group used for competing consumers.
	QueueGroup string `koanf:"queue_group"`

	// AckWait is the visibility timeout: how long the broker waits for an
	// ack before redelivering a message to another consumer.
	AckWait time.Duration `koanf:"ack_wait"`

	// MaxDeliver is the maximum delivery attempts before a message is
	// routed to the dead-letter topic.
	MaxDeliver int `koanf:"max_deliver"`

	// MaxAckPending bounds the number of unacknowledged messages per
	// consumer, providing backpressure on slow stages.
	MaxAckPending int `koanf:"max_ack_pending"`

	// Router middleware settings (Watermill Router).

	// RouterRetryCount is the maximum number of retries for failed messages.
	RouterRetryCount int `koanf:"router_retry_count"`

	// RouterRetryInitialInterval is the initial backoff interval for retries.
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`

	// RouterThrottlePerSecond limits messages per second per handler.
	// 0 disables throttling.
	RouterThrottlePerSecond int `koanf:"router_throttle_per_second"`

	// RouterDeduplicationEnabled enables middleware-level deduplication.
	RouterDeduplicationEnabled bool `koanf:"router_deduplication_enabled"`

	// RouterDeduplicationTTL is how long message IDs are remembered.
	RouterDeduplicationTTL time.Duration `koanf:"router_deduplication_ttl"`

	// RouterPoisonQueueEnabled routes permanently failing messages to
	// the poison topic instead of dropping them.
	RouterPoisonQueueEnabled bool `koanf:"router_poison_queue_enabled"`

	// RouterPoisonQueueTopic is the dead-letter topic name.
	RouterPoisonQueueTopic string `koanf:"router_poison_queue_topic"`

	// RouterCloseTimeout is the graceful shutdown timeout for the router.
	RouterCloseTimeout time.Duration `koanf:"router_close_timeout"`

	// CircuitBreaker settings for the publisher.
	CircuitBreakerMaxRequests uint32        `koanf:"circuit_breaker_max_requests"`
	CircuitBreakerInterval    time.Duration `koanf:"circuit_breaker_interval"`
	CircuitBreakerTimeout     time.Duration `koanf:"circuit_breaker_timeout"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path                   string `koanf:"path"`
	MaxMemory              string `koanf:"max_memory"`
	Threads                int    `koanf:"threads"` // 0 = use NumCPU
	PreserveInsertionOrder bool   `koanf:"preserve_insertion_order"`
	MaxOpenConns           int    `koanf:"max_open_conns"`
	MaxIdleConns           int    `koanf:"max_idle_conns"`
}

// CacheConfig holds BadgerDB feature cache settings.
type CacheConfig struct {
	// Path is the on-disk cache directory. Empty string uses in-memory mode.
	Path string `koanf:"path"`

	// TTL is how long cached feature records stay fresh.
	TTL time.Duration `koanf:"ttl"`

	// MaxEntriesPerSensor bounds the real-time window kept per sensor.
	MaxEntriesPerSensor int `koanf:"max_entries_per_sensor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int           `koanf:"port"`
	Host        string        `koanf:"host"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"` // "development", "staging", "production"
}

// APIConfig holds API pagination and response settings.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`
}

// SecurityConfig holds authentication and rate limiting settings.
type SecurityConfig struct {
	JWTSecret         string        `koanf:"jwt_secret"`
	SessionTimeout    time.Duration `koanf:"session_timeout"`
	AdminUsername     string        `koanf:"admin_username"`
	AdminPassword     string        `koanf:"admin_password"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// LoggingConfig holds zerolog settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is the output format: json or console.
	Format string `koanf:"format"`

	// Caller includes caller file and line number in logs.
	Caller bool `koanf:"caller"`
}

// PipelineConfig holds processing stage settings.
type PipelineConfig struct {
	// AlgorithmAWorkers is the worker pool size for the first stage.
	AlgorithmAWorkers int `koanf:"algorithm_a_workers"`

	// AlgorithmBWorkers is the worker pool size for the second stage.
	AlgorithmBWorkers int `koanf:"algorithm_b_workers"`

	// AlgorithmADeadline is the per-message processing deadline for stage A.
	AlgorithmADeadline time.Duration `koanf:"algorithm_a_deadline"`

	// AlgorithmBDeadline is the per-message processing deadline for stage B.
	AlgorithmBDeadline time.Duration `koanf:"algorithm_b_deadline"`

	// WriterRetryAttempts is how many times a failed write is retried
	// before the message is nacked for redelivery.
	WriterRetryAttempts int `koanf:"writer_retry_attempts"`

	// WriterRetryDelay is the base delay between write retries.
	WriterRetryDelay time.Duration `koanf:"writer_retry_delay"`

	// WriterDeadline is the per-message processing deadline for the
	// data writer stage.
	WriterDeadline time.Duration `koanf:"writer_deadline"`
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.MaxDeliver < 1 {
		return fmt.Errorf("broker.max_deliver must be at least 1, got %d", c.Broker.MaxDeliver)
	}
	if c.Broker.MaxAckPending < 1 {
		return fmt.Errorf("broker.max_ack_pending must be at least 1, got %d", c.Broker.MaxAckPending)
	}
	if c.Broker.RouterPoisonQueueEnabled && c.Broker.RouterPoisonQueueTopic == "" {
		return fmt.Errorf("broker.router_poison_queue_topic is required when poison queue is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Pipeline.AlgorithmAWorkers < 1 {
		return fmt.Errorf("pipeline.algorithm_a_workers must be at least 1, got %d", c.Pipeline.AlgorithmAWorkers)
	}
	if c.Pipeline.AlgorithmBWorkers < 1 {
		return fmt.Errorf("pipeline.algorithm_b_workers must be at least 1, got %d", c.Pipeline.AlgorithmBWorkers)
	}
	if c.Pipeline.WriterRetryAttempts < 1 {
		return fmt.Errorf("pipeline.writer_retry_attempts must be at least 1, got %d", c.Pipeline.WriterRetryAttempts)
	}
	if c.Pipeline.WriterDeadline <= 0 {
		return fmt.Errorf("pipeline.writer_deadline must be positive, got %s", c.Pipeline.WriterDeadline)
	}
	if c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api.max_page_size (%d) must be >= api.default_page_size (%d)",
			c.API.MaxPageSize, c.API.DefaultPageSize)
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters when set")
	}
	if c.Server.Environment == "production" {
		if c.Security.JWTSecret == "" {
			return fmt.Errorf("security.jwt_secret is required in production")
		}
		if c.Security.AdminUsername == "" || c.Security.AdminPassword == "" {
			return fmt.Errorf("security.admin_username and security.admin_password are required in production")
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/resonance/config.yaml",
	"/etc/resonance/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:                 "nats://127.0.0.1:4222",
			EmbeddedServer:      true,
			StoreDir:            "/data/nats/jetstream",
			MaxMemory:           1 << 30,  // 1GB
			MaxStore:            10 << 30, // 10GB
			StreamRetentionDays: 7,
			QueueGroup:          "resonance-workers",
			AckWait:             30 * time.Second,
			MaxDeliver:          5,
			MaxAckPending:       512,

			RouterRetryCount:           3,
			RouterRetryInitialInterval: 100 * time.Millisecond,
			RouterThrottlePerSecond:    0, // Unlimited
			RouterDeduplicationEnabled: false,
			RouterDeduplicationTTL:     5 * time.Minute,
			RouterPoisonQueueEnabled:   true,
			RouterPoisonQueueTopic:     "dlq.audio-pipeline",
			RouterCloseTimeout:         30 * time.Second,

			CircuitBreakerMaxRequests: 3,
			CircuitBreakerInterval:    60 * time.Second,
			CircuitBreakerTimeout:     30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:                   "/data/resonance.duckdb",
			MaxMemory:              "2GB",
			Threads:                0, // 0 = use runtime.NumCPU()
			PreserveInsertionOrder: true,
			MaxOpenConns:           8,
			MaxIdleConns:           4,
		},
		Cache: CacheConfig{
			Path:                "/data/cache",
			TTL:                 5 * time.Minute,
			MaxEntriesPerSensor: 100,
		},
		Server: ServerConfig{
			Port:        8095,
			Host:        "0.0.0.0",
			Timeout:     30 * time.Second,
			Environment: "development",
		},
		API: APIConfig{
			DefaultPageSize: 50,
			MaxPageSize:     1000,
		},
		Security: SecurityConfig{
			JWTSecret:         "",
			SessionTimeout:    24 * time.Hour,
			AdminUsername:     "",
			AdminPassword:     "",
			RateLimitReqs:     100,
			RateLimitWindow:   1 * time.Minute,
			RateLimitDisabled: false,
			CORSOrigins:       []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Pipeline: PipelineConfig{
			AlgorithmAWorkers:   4,
			AlgorithmBWorkers:   4,
			AlgorithmADeadline:  200 * time.Millisecond,
			AlgorithmBDeadline:  150 * time.Millisecond,
			WriterRetryAttempts: 3,
			WriterRetryDelay:    250 * time.Millisecond,
			WriterDeadline:      5 * time.Second,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML file (if exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma-separated env values for slice fields
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated slices.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for known
// slice fields. Env vars come in as strings but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - NATS_URL -> broker.url
//   - DUCKDB_PATH -> database.path
//   - HTTP_PORT -> server.port
//   - JWT_SECRET -> security.jwt_secret
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Broker mappings
		"nats_url":                      "broker.url",
		"nats_embedded":                 "broker.embedded_server",
		"nats_store_dir":                "broker.store_dir",
		"nats_max_memory":               "broker.max_memory",
		"nats_max_store":                "broker.max_store",
		"nats_stream_retention_days":    "broker.stream_retention_days",
		"nats_queue_group":              "broker.queue_group",
		"nats_ack_wait":                 "broker.ack_wait",
		"nats_max_deliver":              "broker.max_deliver",
		"nats_max_ack_pending":          "broker.max_ack_pending",
		"router_retry_count":            "broker.router_retry_count",
		"router_retry_initial_interval": "broker.router_retry_initial_interval",
		"router_throttle_per_second":    "broker.router_throttle_per_second",
		"router_deduplication_enabled":  "broker.router_deduplication_enabled",
		"router_deduplication_ttl":      "broker.router_deduplication_ttl",
		"router_poison_queue_enabled":   "broker.router_poison_queue_enabled",
		"router_poison_queue_topic":     "broker.router_poison_queue_topic",
		"router_close_timeout":          "broker.router_close_timeout",

		// Database mappings
		"duckdb_path":                     "database.path",
		"duckdb_max_memory":               "database.max_memory",
		"duckdb_threads":                  "database.threads",
		"duckdb_preserve_insertion_order": "database.preserve_insertion_order",
		"duckdb_max_open_conns":           "database.max_open_conns",
		"duckdb_max_idle_conns":           "database.max_idle_conns",

		// Cache mappings
		"cache_path":                   "cache.path",
		"cache_ttl":                    "cache.ttl",
		"cache_max_entries_per_sensor": "cache.max_entries_per_sensor",

		// Server mappings
		"http_port":      "server.port",
		"http_host":      "server.host",
		"server_timeout": "server.timeout",
		"environment":    "server.environment",

		// API mappings
		"api_default_page_size": "api.default_page_size",
		"api_max_page_size":     "api.max_page_size",

		// Security mappings
		"jwt_secret":          "security.jwt_secret",
		"session_timeout":     "security.session_timeout",
		"admin_username":      "security.admin_username",
		"admin_password":      "security.admin_password",
		"rate_limit_reqs":     "security.rate_limit_reqs",
		"rate_limit_window":   "security.rate_limit_window",
		"rate_limit_disabled": "security.rate_limit_disabled",
		"cors_origins":        "security.cors_origins",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Pipeline mappings
		"pipeline_algorithm_a_workers":   "pipeline.algorithm_a_workers",
		"pipeline_algorithm_b_workers":   "pipeline.algorithm_b_workers",
		"pipeline_algorithm_a_deadline":  "pipeline.algorithm_a_deadline",
		"pipeline_algorithm_b_deadline":  "pipeline.algorithm_b_deadline",
		"pipeline_writer_retry_attempts": "pipeline.writer_retry_attempts",
		"pipeline_writer_retry_delay":    "pipeline.writer_retry_delay",
		"pipeline_writer_deadline":       "pipeline.writer_deadline",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unknown env vars are ignored rather than guessed at, so unrelated
	// variables in the host environment cannot corrupt the config tree.
	return ""
}

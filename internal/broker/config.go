// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

// Package broker provides NATS JetStream messaging for the audio pipeline:
// resilient publishing with circuit breaker protection, durable queue-group
// consumption, a Watermill router with retry and poison queue middleware,
// stream lifecycle management, and an optional embedded server.
package broker

import (
	"time"
)

// Pipeline topics. Each stage consumes from one topic and publishes to the next.
const (
	// TopicAudioStream carries raw audio messages from sensors.
	TopicAudioStream = "audio-stream"

	// TopicFeaturesA carries first-stage feature records.
	TopicFeaturesA = "features-a-stream"

	// TopicFeaturesB carries second-stage enhanced feature records.
	TopicFeaturesB = "features-b-stream"

	// TopicDeadLetter receives messages that exhausted all retries.
	TopicDeadLetter = "dlq.audio-pipeline"
)

// StreamName is the JetStream stream holding all pipeline subjects.
const StreamName = "AUDIO_EVENTS"

// PublisherConfig holds publisher configuration.
type PublisherConfig struct {
	URL              string
	MaxReconnects    int
	ReconnectWait    time.Duration
	ReconnectBuffer  int
	EnableTrackMsgID bool
}

// DefaultPublisherConfig returns production defaults for publisher.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:              url,
		MaxReconnects:    -1, // Unlimited
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024, // 8MB
		EnableTrackMsgID: true,
	}
}

// SubscriberConfig holds subscriber configuration.
type SubscriberConfig struct {
	URL              string
	DurableName      string
	QueueGroup       string
	SubscribersCount int
	AckWaitTimeout   time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration
	MaxReconnects    int
	ReconnectWait    time.Duration

	// StreamName is the JetStream stream to bind to. When set, AutoProvision
	// is disabled and the subscriber binds to the existing stream. Required
	// because the pipeline stream is pre-created with multiple subjects.
	StreamName string
}

// DefaultSubscriberConfig returns production defaults for subscriber.
// DurableName must be unique per stage so each stage tracks its own
// delivery state; QueueGroup distributes messages across workers of the
// same stage without duplication.
func DefaultSubscriberConfig(url, durableName, queueGroup string) SubscriberConfig {
	return SubscriberConfig{
		URL:              url,
		DurableName:      durableName,
		QueueGroup:       queueGroup,
		SubscribersCount: 4,
		AckWaitTimeout:   30 * time.Second,
		MaxDeliver:       5,   // Max redelivery attempts
		MaxAckPending:    512, // Flow control
		CloseTimeout:     30 * time.Second,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		StreamName:       StreamName,
	}
}

// StreamConfig defines audio pipeline stream settings.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns production stream configuration covering all
// pipeline subjects including the dead-letter topic.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name: StreamName,
		Subjects: []string{
			TopicAudioStream,
			TopicFeaturesA,
			TopicFeaturesB,
			"dlq.>",
		},
		MaxAge:          7 * 24 * time.Hour,      // 7 days
		MaxBytes:        10 * 1024 * 1024 * 1024, // 10GB
		MaxMsgs:         -1,                      // Unlimited
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1, // Increase for clustering
	}
}

// RouterConfig holds configuration for the Watermill Router.
type RouterConfig struct {
	// CloseTimeout is how long to wait for handlers to finish when closing.
	CloseTimeout time.Duration

	// Retry configuration
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	// Throttle configuration (messages per second, 0 = disabled)
	ThrottlePerSecond int64

	// PoisonQueue configuration
	PoisonQueueTopic string

	// Deduplication configuration
	DeduplicationEnabled bool
	DeduplicationTTL     time.Duration
}

// DefaultRouterConfig returns production defaults for the Router.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		ThrottlePerSecond:    0, // Disabled by default
		PoisonQueueTopic:     TopicDeadLetter,
		DeduplicationEnabled: false, // Broker-level dedup via Nats-Msg-Id is primary
		DeduplicationTTL:     5 * time.Minute,
	}
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32        // Allowed in half-open state
	Interval         time.Duration // Reset interval for counts
	Timeout          time.Duration // Time to stay open
	FailureThreshold uint32        // Failures before opening
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// ServerConfig holds embedded NATS server configuration.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// DefaultServerConfig returns production defaults for embedded NATS server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              4222,
		StoreDir:          "/data/nats/jetstream",
		JetStreamMaxMem:   1 << 30,  // 1GB
		JetStreamMaxStore: 10 << 30, // 10GB
	}
}

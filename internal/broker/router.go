// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
)

// Router wraps the Watermill Router with pre-configured middleware.
// It provides automatic Ack/Nack handling, retry with exponential backoff,
// panic recovery, and poison queue routing for failed messages.
type Router struct {
	router    *message.Router
	config    RouterConfig
	logger    watermill.LoggerAdapter
	poisonPub message.Publisher
	running   bool
	dedupRepo *InMemoryDeduplicator
}

// InMemoryDeduplicator tracks recently handled message IDs with a TTL.
// A key is marked only after its handler succeeds, never on first sight,
// so a message that is being retried is not misclassified as a duplicate
// of itself and silently dropped.
type InMemoryDeduplicator struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewInMemoryDeduplicator creates a new in-memory deduplicator with bounded
// memory: when capacity is reached, expired entries are swept first and the
// map is cleared as a last resort.
func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: 10000,
	}
}

// Seen reports whether the key was marked and hasn't expired.
func (d *InMemoryDeduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.seen[key]
	return ok && time.Now().Before(expiry)
}

// Mark records the key for the TTL window.
func (d *InMemoryDeduplicator) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if len(d.seen) >= d.maxSize {
		for k, expiry := range d.seen {
			if now.After(expiry) {
				delete(d.seen, k)
			}
		}
		if len(d.seen) >= d.maxSize {
			d.seen = make(map[string]time.Time)
		}
	}
	d.seen[key] = now.Add(d.ttl)
}

// NewRouter creates a new Watermill Router with pre-configured middleware.
// The router handles:
//   - Automatic Ack/Nack based on handler success/failure
//   - Panic recovery with stack trace logging
//   - Exponential backoff retry for transient failures
//   - Poison queue routing for permanent failures
//   - Optional rate limiting (throttling)
//   - Optional simple deduplication (for exact message matches)
func NewRouter(
	cfg *RouterConfig,
	poisonPublisher message.Publisher,
	logger watermill.LoggerAdapter,
) (*Router, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	if cfg == nil {
		defaultCfg := DefaultRouterConfig()
		cfg = &defaultCfg
	}

	routerCfg := message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}

	wmRouter, err := message.NewRouter(routerCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{
		router:    wmRouter,
		config:    *cfg,
		logger:    logger,
		poisonPub: poisonPublisher,
	}

	wmRouter.AddPlugin(plugin.SignalsHandler)

	// Middleware order, outer to inner:
	// Recoverer -> PoisonQueue -> Retry -> Throttle -> Deduplicator
	// PoisonQueue sits outside Retry so an error only reaches the poison
	// topic after the retry budget is spent.

	wmRouter.AddMiddleware(middleware.Recoverer)

	if poisonPublisher != nil && cfg.PoisonQueueTopic != "" {
		poisonQueue, err := middleware.PoisonQueue(poisonPublisher, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poisonQueue)
	}

	retryMiddleware := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retryMiddleware.Middleware)

	if cfg.ThrottlePerSecond > 0 {
		throttle := middleware.NewThrottle(cfg.ThrottlePerSecond, time.Second)
		wmRouter.AddMiddleware(throttle.Middleware)
	}

	if cfg.DeduplicationEnabled {
		r.dedupRepo = NewInMemoryDeduplicator(cfg.DeduplicationTTL)
		wmRouter.AddMiddleware(r.dedupMiddleware)
	}

	return r, nil
}

// dedupMiddleware acks redeliveries of messages whose handling already
// succeeded within the TTL window. The mark happens after the handler
// returns cleanly, so a failing message stays eligible for retry.
func (r *Router) dedupMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if r.dedupRepo.Seen(msg.UUID) {
			return nil, nil
		}
		out, err := h(msg)
		if err == nil {
			r.dedupRepo.Mark(msg.UUID)
		}
		return out, err
	}
}

// AddHandler registers a handler that consumes from subscribeTopic and
// publishes its output messages to publishTopic.
// Errors trigger retry logic; permanent failures go to the poison queue.
func (r *Router) AddHandler(
	name string,
	subscribeTopic string,
	subscriber message.Subscriber,
	publishTopic string,
	publisher message.Publisher,
	handler message.HandlerFunc,
) *message.Handler {
	return r.router.AddHandler(
		name,
		subscribeTopic,
		subscriber,
		publishTopic,
		publisher,
		handler,
	)
}

// AddConsumerHandler registers a handler that doesn't produce output messages.
func (r *Router) AddConsumerHandler(
	name string,
	subscribeTopic string,
	subscriber message.Subscriber,
	handler message.NoPublishHandlerFunc,
) *message.Handler {
	return r.router.AddConsumerHandler(
		name,
		subscribeTopic,
		subscriber,
		handler,
	)
}

// Run starts the router and blocks until context cancellation or Close().
func (r *Router) Run(ctx context.Context) error {
	r.running = true
	defer func() { r.running = false }()
	return r.router.Run(ctx)
}

// Close gracefully stops the router.
// Waits for in-flight messages to complete up to CloseTimeout.
func (r *Router) Close() error {
	return r.router.Close()
}

// IsRunning returns whether the router is currently processing messages.
func (r *Router) IsRunning() bool {
	return r.running
}

// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

// Package main is the entry point for the Resonance server.
//
// Resonance is a message-driven audio feature pipeline. Sensors post audio
// captures to the ingestion endpoint; the pipeline extracts features
// (Algorithm A), enhances them (Algorithm B), and persists the results to
// DuckDB, populating a Badger-backed real-time cache on each commit. A
// Chi-based query API serves real-time and historical feature reads
// independently of the write path.
//
// # Initialization order
//
//  1. Configuration: Koanf v2 layered sources (env > config.yaml > defaults)
//  2. Logging: zerolog, JSON or console per config
//  3. DuckDB store and Badger feature cache
//  4. NATS: embedded server (optional), JetStream stream provisioning
//  5. Broker: publisher with circuit breaker, per-stage durable subscribers
//  6. Watermill router: Algorithm A, Algorithm B, writer, DLQ handlers
//  7. Auth: bcrypt user store, HS256 JWT manager
//  8. HTTP server: ingestion + query API, WebSocket hub, /metrics
//  9. Supervision: suture tree (pipeline / messaging / api layers)
//
// # Signal handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, the router stops pulling messages and waits for
// handlers, then the store checkpoints and closes.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/resonance-pipeline/resonance/internal/api"
	"github.com/resonance-pipeline/resonance/internal/auth"
	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/cache"
	"github.com/resonance-pipeline/resonance/internal/config"
	"github.com/resonance-pipeline/resonance/internal/database"
	"github.com/resonance-pipeline/resonance/internal/logging"
	"github.com/resonance-pipeline/resonance/internal/pipeline"
	"github.com/resonance-pipeline/resonance/internal/supervisor"
	ws "github.com/resonance-pipeline/resonance/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("broker_url", cfg.Broker.URL).
		Str("db_path", cfg.Database.Path).
		Str("environment", cfg.Server.Environment).
		Msg("Starting Resonance")

	// Store and cache come up first; every pipeline stage depends on them.
	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	featureCache, err := cache.New(cache.Options{
		Path:                cfg.Cache.Path,
		TTL:                 cfg.Cache.TTL,
		MaxEntriesPerSensor: cfg.Cache.MaxEntriesPerSensor,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize feature cache")
	}
	defer func() {
		if err := featureCache.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing feature cache")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker: optional embedded server, stream provisioning, publisher,
	// per-stage subscribers, and the message router.
	brokerURL := cfg.Broker.URL
	var embedded *broker.EmbeddedServer
	if cfg.Broker.EmbeddedServer {
		srvCfg := broker.DefaultServerConfig()
		if cfg.Broker.StoreDir != "" {
			srvCfg.StoreDir = cfg.Broker.StoreDir
		}
		if cfg.Broker.MaxMemory > 0 {
			srvCfg.JetStreamMaxMem = cfg.Broker.MaxMemory
		}
		if cfg.Broker.MaxStore > 0 {
			srvCfg.JetStreamMaxStore = cfg.Broker.MaxStore
		}
		embedded, err = broker.NewEmbeddedServer(&srvCfg)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
			}
		}()
		brokerURL = embedded.ClientURL()
		logging.Info().Str("url", brokerURL).Msg("Embedded NATS server started")
	}

	streamInit, streamConn, err := provisionStream(ctx, brokerURL, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision JetStream stream")
	}
	defer streamConn.Close()

	wmLogger := broker.NewZerologAdapter(logging.Logger())

	publisher, err := broker.NewPublisher(broker.DefaultPublisherConfig(brokerURL), wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}()

	cbCfg := broker.DefaultCircuitBreakerConfig("publisher")
	if cfg.Broker.CircuitBreakerMaxRequests > 0 {
		cbCfg.MaxRequests = cfg.Broker.CircuitBreakerMaxRequests
	}
	if cfg.Broker.CircuitBreakerInterval > 0 {
		cbCfg.Interval = cfg.Broker.CircuitBreakerInterval
	}
	if cfg.Broker.CircuitBreakerTimeout > 0 {
		cbCfg.Timeout = cfg.Broker.CircuitBreakerTimeout
	}
	publisher.SetCircuitBreaker(broker.NewCircuitBreaker(cbCfg))

	// The hub is created before the router so the writer handler can
	// broadcast committed records to live WebSocket subscribers.
	hub := ws.NewHub()

	router, err := buildRouter(cfg, brokerURL, db, featureCache, hub, publisher, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build message router")
	}
	defer func() {
		if err := router.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing message router")
		}
	}()

	// Auth: JWT manager requires a secret. Outside production an ephemeral
	// one is generated so development setups work out of the box; tokens
	// do not survive a restart.
	secCfg := cfg.Security
	if secCfg.JWTSecret == "" {
		secCfg.JWTSecret = ephemeralSecret()
		logging.Warn().Msg("security.jwt_secret not set, generated ephemeral secret; tokens will not survive restarts")
	}
	jwtManager, err := auth.NewJWTManager(&secCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create JWT manager")
	}
	users, err := auth.NewUserStore(&secCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create user store")
	}

	ingestor := pipeline.NewIngestor(publisher, db)

	// Readiness covers both halves of the broker: the router must be
	// pulling messages and the JetStream stream must be reachable.
	brokerReady := func() bool {
		if !router.IsRunning() {
			return false
		}
		checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return streamInit.IsHealthy(checkCtx)
	}

	handlers := api.NewHandlers(db, featureCache, hub, jwtManager, users, ingestor, cfg.API, brokerReady)
	authMW := auth.NewMiddleware(jwtManager, secCfg.RateLimitReqs, secCfg.RateLimitWindow, secCfg.RateLimitDisabled)
	chiMW := api.NewChiMiddleware(&api.ChiMiddlewareConfig{
		CORSAllowedOrigins: secCfg.CORSOrigins,
		RateLimitRequests:  secCfg.RateLimitReqs,
		RateLimitWindow:    secCfg.RateLimitWindow,
		RateLimitDisabled:  secCfg.RateLimitDisabled,
	})
	httpRouter := api.NewRouter(handlers, authMW, chiMW)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           httpRouter.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       120 * time.Second,
	}

	// Supervision tree: a pipeline-layer crash restarts the router without
	// taking down the API, and vice versa.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(supervisor.NewRouterService(router))
	tree.AddMessagingService(supervisor.NewWebSocketHubService(hub))
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, 10*time.Second))

	logging.Info().
		Str("addr", httpServer.Addr).
		Msg("Resonance started")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
	}

	logging.Info().Msg("Resonance stopped")
}

// provisionStream ensures the pipeline stream exists before any publisher
// or subscriber touches it. The connection stays open: the initializer
// keeps serving stream health checks for the readiness probe.
func provisionStream(ctx context.Context, url string, cfg *config.Config) (*broker.StreamInitializer, *natsgo.Conn, error) {
	nc, err := natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := broker.DefaultStreamConfig()
	if cfg.Broker.StreamRetentionDays > 0 {
		streamCfg.MaxAge = time.Duration(cfg.Broker.StreamRetentionDays) * 24 * time.Hour
	}

	init, err := broker.NewStreamInitializer(js, &streamCfg)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	provisionCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := init.EnsureStream(provisionCtx); err != nil {
		nc.Close()
		return nil, nil, err
	}
	logging.Info().Str("stream", streamCfg.Name).Msg("JetStream stream provisioned")
	return init, nc, nil
}

// buildRouter wires the three pipeline stages plus the DLQ consumer onto
// the Watermill router. Each stage gets its own durable subscriber so
// delivery state is tracked independently.
func buildRouter(
	cfg *config.Config,
	brokerURL string,
	db *database.DB,
	featureCache *cache.FeatureCache,
	hub *ws.Hub,
	publisher *broker.Publisher,
	wmLogger *broker.ZerologAdapter,
) (*broker.Router, error) {
	routerCfg := broker.DefaultRouterConfig()
	if cfg.Broker.RouterRetryCount > 0 {
		routerCfg.RetryMaxRetries = cfg.Broker.RouterRetryCount
	}
	if cfg.Broker.RouterRetryInitialInterval > 0 {
		routerCfg.RetryInitialInterval = cfg.Broker.RouterRetryInitialInterval
	}
	routerCfg.ThrottlePerSecond = int64(cfg.Broker.RouterThrottlePerSecond)
	routerCfg.DeduplicationEnabled = cfg.Broker.RouterDeduplicationEnabled
	if cfg.Broker.RouterDeduplicationTTL > 0 {
		routerCfg.DeduplicationTTL = cfg.Broker.RouterDeduplicationTTL
	}
	if !cfg.Broker.RouterPoisonQueueEnabled {
		routerCfg.PoisonQueueTopic = ""
	} else if cfg.Broker.RouterPoisonQueueTopic != "" {
		routerCfg.PoisonQueueTopic = cfg.Broker.RouterPoisonQueueTopic
	}
	if cfg.Broker.RouterCloseTimeout > 0 {
		routerCfg.CloseTimeout = cfg.Broker.RouterCloseTimeout
	}

	router, err := broker.NewRouter(&routerCfg, publisher.WatermillPublisher(), wmLogger)
	if err != nil {
		return nil, err
	}

	newSub := func(durable string, workers int) (*broker.Subscriber, error) {
		subCfg := broker.DefaultSubscriberConfig(brokerURL, durable, cfg.Broker.QueueGroup)
		if workers > 0 {
			subCfg.SubscribersCount = workers
		}
		if cfg.Broker.AckWait > 0 {
			subCfg.AckWaitTimeout = cfg.Broker.AckWait
		}
		if cfg.Broker.MaxDeliver > 0 {
			subCfg.MaxDeliver = cfg.Broker.MaxDeliver
		}
		if cfg.Broker.MaxAckPending > 0 {
			subCfg.MaxAckPending = cfg.Broker.MaxAckPending
		}
		return broker.NewSubscriber(&subCfg, wmLogger)
	}

	subA, err := newSub("algorithm-a", cfg.Pipeline.AlgorithmAWorkers)
	if err != nil {
		return nil, fmt.Errorf("create algorithm-a subscriber: %w", err)
	}
	subB, err := newSub("algorithm-b", cfg.Pipeline.AlgorithmBWorkers)
	if err != nil {
		return nil, fmt.Errorf("create algorithm-b subscriber: %w", err)
	}
	subW, err := newSub("writer", 0)
	if err != nil {
		return nil, fmt.Errorf("create writer subscriber: %w", err)
	}
	subDLQ, err := newSub("dlq", 1)
	if err != nil {
		return nil, fmt.Errorf("create dlq subscriber: %w", err)
	}

	stageA := pipeline.NewFeatureAHandler(cfg.Pipeline.AlgorithmADeadline, db, db, db)
	stageB := pipeline.NewFeatureBHandler(cfg.Pipeline.AlgorithmBDeadline, db, db, db)
	writer := pipeline.NewWriter(pipeline.WriterConfig{
		RetryAttempts: cfg.Pipeline.WriterRetryAttempts,
		RetryDelay:    cfg.Pipeline.WriterRetryDelay,
		Deadline:      cfg.Pipeline.WriterDeadline,
	}, db, featureCache, hub, db, db)
	dlq := pipeline.NewDLQConsumer(db, db)

	router.AddHandler("algorithm-a", broker.TopicAudioStream, subA.WatermillSubscriber(),
		broker.TopicFeaturesA, publisher.WatermillPublisher(), stageA.Handler())
	router.AddHandler("algorithm-b", broker.TopicFeaturesA, subB.WatermillSubscriber(),
		broker.TopicFeaturesB, publisher.WatermillPublisher(), stageB.Handler())
	router.AddConsumerHandler("writer", broker.TopicFeaturesB, subW.WatermillSubscriber(), writer.Handler())
	router.AddConsumerHandler("dlq", broker.TopicDeadLetter, subDLQ.WatermillSubscriber(), dlq.Handler())

	return router, nil
}

// ephemeralSecret generates a random 48-byte hex secret for development
// runs without a configured JWT secret.
func ephemeralSecret() string {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		logging.Fatal().Err(err).Msg("Failed to generate ephemeral secret")
	}
	return hex.EncodeToString(buf)
}

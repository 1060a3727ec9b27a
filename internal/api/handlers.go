// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/resonance-pipeline/resonance/internal/auth"
	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/cache"
	"github.com/resonance-pipeline/resonance/internal/config"
	"github.com/resonance-pipeline/resonance/internal/database"
	"github.com/resonance-pipeline/resonance/internal/logging"
	"github.com/resonance-pipeline/resonance/internal/models"
	"github.com/resonance-pipeline/resonance/internal/validation"
	"github.com/resonance-pipeline/resonance/internal/websocket"
)

// FeatureStore is the relational query surface the handlers read from.
type FeatureStore interface {
	GetRealTimeFeatures(ctx context.Context, sensorID string, limit int) ([]*models.FeatureBRecord, error)
	GetHistoricalFeatures(ctx context.Context, sensorID string, startTime, endTime time.Time, page, limit int) ([]*models.FeatureBRecord, error)
	CountHistoricalFeatures(ctx context.Context, sensorID string, startTime, endTime time.Time) (int64, error)
	GetProcessingStatus(ctx context.Context, audioID string) (*models.ProcessingStatus, error)
	GetDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error)
	GetPipelineStats(ctx context.Context) (*models.PipelineStats, error)
	Ping(ctx context.Context) error
}

// RecentCache serves the hot path for real-time feature reads.
type RecentCache interface {
	GetRecent(ctx context.Context, sensorID string, limit int) ([]*models.FeatureBRecord, error)
}

// Ingestor accepts validated audio messages into the pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, audio *models.AudioMessage) error
}

// Handlers holds the dependencies for all HTTP endpoints.
type Handlers struct {
	store       FeatureStore
	cache       RecentCache
	hub         *websocket.Hub
	jwtManager  *auth.JWTManager
	users       *auth.UserStore
	ingestor    Ingestor
	cfg         config.APIConfig
	brokerReady func() bool
	upgrader    gorillaws.Upgrader
}

// NewHandlers creates the handler set. brokerReady reports whether the
// message router is processing; it feeds the readiness probe.
func NewHandlers(
	store FeatureStore,
	recentCache RecentCache,
	hub *websocket.Hub,
	jwtManager *auth.JWTManager,
	users *auth.UserStore,
	ingestor Ingestor,
	cfg config.APIConfig,
	brokerReady func() bool,
) *Handlers {
	return &Handlers{
		store:       store,
		cache:       recentCache,
		hub:         hub,
		jwtManager:  jwtManager,
		users:       users,
		ingestor:    ingestor,
		cfg:         cfg,
		brokerReady: brokerReady,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Auth happens via bearer token before the upgrade.
				return true
			},
		},
	}
}

// Login authenticates a user and issues a JWT.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid request body")
		return
	}

	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ValidationError(apiErr.Message, apiErr.Details)
		return
	}

	role, err := h.users.Authenticate(req.Username, req.Password)
	if err != nil {
		logging.Warn().Str("username", req.Username).Msg("Login failed")
		rw.Unauthorized("invalid credentials")
		return
	}

	token, err := h.jwtManager.GenerateToken(req.Username, role)
	if err != nil {
		logging.Error().Err(err).Msg("Token generation failed")
		rw.Error(http.StatusInternalServerError, ErrCodeInternal, "failed to generate token")
		return
	}

	rw.Success(map[string]interface{}{
		"token":    token,
		"role":     role,
		"username": req.Username,
	})
}

// IngestAudio accepts one audio message from a sensor and forwards it to
// the pipeline. Validation failures get 400 with the offending field; a
// broker outage gets 503 so sensors back off and retry.
func (h *Handlers) IngestAudio(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var audio models.AudioMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, int64(models.MaxPayloadBytes)*2)).Decode(&audio); err != nil {
		rw.BadRequest("invalid request body")
		return
	}

	if err := h.ingestor.Ingest(r.Context(), &audio); err != nil {
		if broker.IsPermanentError(err) {
			rw.ValidationError(err.Error(), nil)
			return
		}
		logging.Error().Err(err).Str("sensor_id", audio.SensorID).Msg("Ingest publish failed")
		rw.ServiceUnavailable("pipeline unavailable, retry later")
		return
	}

	rw.Success(map[string]string{
		"audio_id": audio.AudioID,
		"status":   "accepted",
	})
}

// RealTimeFeatures returns the most recent enhanced features for a sensor,
// newest first. The cache is consulted first; on a miss the query falls
// through to the relational store.
func (h *Handlers) RealTimeFeatures(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	query := models.RealTimeQuery{
		SensorID: r.URL.Query().Get("sensor_id"),
		Limit:    parseIntParam(r, "limit", h.cfg.DefaultPageSize),
	}
	if query.Limit > h.cfg.MaxPageSize {
		query.Limit = h.cfg.MaxPageSize
	}

	if verr := validation.ValidateStruct(&query); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ValidationError(apiErr.Message, apiErr.Details)
		return
	}

	records, err := h.cache.GetRecent(r.Context(), query.SensorID, query.Limit)
	if err == nil {
		rw.Cached().SuccessWithCount(records, len(records))
		return
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logging.Warn().Err(err).Str("sensor_id", query.SensorID).Msg("Cache read failed, falling back to store")
	}

	records, err = h.store.GetRealTimeFeatures(r.Context(), query.SensorID, query.Limit)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithCount(records, len(records))
}

// HistoricalFeatures returns enhanced features in a time range, oldest
// first, with offset pagination. A start time after the end time yields an
// empty result set rather than an error.
func (h *Handlers) HistoricalFeatures(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var query models.HistoricalQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		rw.BadRequest("invalid request body")
		return
	}

	if query.Page < 1 {
		query.Page = 1
	}
	if query.Limit <= 0 {
		query.Limit = h.cfg.DefaultPageSize
	}
	if query.Limit > h.cfg.MaxPageSize {
		query.Limit = h.cfg.MaxPageSize
	}

	if verr := validation.ValidateStruct(&query); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ValidationError(apiErr.Message, apiErr.Details)
		return
	}

	records, err := h.store.GetHistoricalFeatures(
		r.Context(), query.SensorID, query.StartTime, query.EndTime, query.Page, query.Limit)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	total, err := h.store.CountHistoricalFeatures(r.Context(), query.SensorID, query.StartTime, query.EndTime)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithCount(map[string]interface{}{
		"records": records,
		"page":    query.Page,
		"limit":   query.Limit,
		"total":   total,
	}, len(records))
}

// Status returns the processing status for a single audio message.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	audioID := r.PathValue("audio_id")
	if audioID == "" {
		rw.BadRequest("audio_id is required")
		return
	}

	status, err := h.store.GetProcessingStatus(r.Context(), audioID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			rw.NotFound("no status for audio_id " + audioID)
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Success(status)
}

// DeadLetters returns recent dead-lettered messages, newest first.
// Payloads are omitted; operators inspect those in the store directly.
func (h *Handlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	limit := parseIntParam(r, "limit", h.cfg.DefaultPageSize)
	if limit > h.cfg.MaxPageSize {
		limit = h.cfg.MaxPageSize
	}

	letters, err := h.store.GetDeadLetters(r.Context(), limit)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithCount(letters, len(letters))
}

// Stats returns pipeline throughput counters.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	stats, err := h.store.GetPipelineStats(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(stats)
}

// HealthLive reports process liveness. It always succeeds while the
// process can serve HTTP.
func (h *Handlers) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady reports whether the service can do useful work: the store
// answers pings and the message router is running.
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{
		"database": "ok",
		"broker":   "ok",
	}
	ready := true

	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = "unavailable"
		ready = false
	}
	if h.brokerReady != nil && !h.brokerReady() {
		checks["broker"] = "not running"
		ready = false
	}

	if !ready {
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeService, "service not ready",
			map[string]interface{}{"checks": checks})
		return
	}

	rw.Success(map[string]interface{}{"status": "ready", "checks": checks})
}

// WebSocket upgrades the connection and attaches the client to the hub for
// live feature streaming.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}

// parseIntParam reads an integer query parameter with a fallback default.
func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

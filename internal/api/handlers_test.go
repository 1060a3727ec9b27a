// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/resonance-pipeline/resonance/internal/auth"
	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/cache"
	"github.com/resonance-pipeline/resonance/internal/config"
	"github.com/resonance-pipeline/resonance/internal/database"
	"github.com/resonance-pipeline/resonance/internal/models"
	"github.com/resonance-pipeline/resonance/internal/websocket"
)

type fakeStore struct {
	realTime   []*models.FeatureBRecord
	historical []*models.FeatureBRecord
	count      int64
	status     *models.ProcessingStatus
	letters    []*models.DeadLetter
	stats      *models.PipelineStats
	err        error
	pingErr    error
}

func (f *fakeStore) GetRealTimeFeatures(context.Context, string, int) ([]*models.FeatureBRecord, error) {
	return f.realTime, f.err
}

func (f *fakeStore) GetHistoricalFeatures(context.Context, string, time.Time, time.Time, int, int) ([]*models.FeatureBRecord, error) {
	return f.historical, f.err
}

func (f *fakeStore) CountHistoricalFeatures(context.Context, string, time.Time, time.Time) (int64, error) {
	return f.count, f.err
}

func (f *fakeStore) GetProcessingStatus(_ context.Context, audioID string) (*models.ProcessingStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.status == nil || f.status.AudioID != audioID {
		return nil, database.ErrNotFound
	}
	return f.status, nil
}

func (f *fakeStore) GetDeadLetters(context.Context, int) ([]*models.DeadLetter, error) {
	return f.letters, f.err
}

func (f *fakeStore) GetPipelineStats(context.Context) (*models.PipelineStats, error) {
	return f.stats, f.err
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeRecentCache struct {
	records []*models.FeatureBRecord
	err     error
}

func (f *fakeRecentCache) GetRecent(context.Context, string, int) ([]*models.FeatureBRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type fakeIngestor struct {
	err   error
	calls int
}

func (f *fakeIngestor) Ingest(_ context.Context, audio *models.AudioMessage) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if audio.AudioID == "" {
		audio.AudioID = "assigned-id"
	}
	return nil
}

func enhancedRecord(featureID string) *models.FeatureBRecord {
	return &models.FeatureBRecord{
		FeatureID:        featureID,
		SourceFeatureID:  "src-" + featureID,
		AudioID:          "audio-" + featureID,
		SensorID:         "sensor-01",
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EnhancedFeatures: models.FeatureMap{"rms": models.ScalarValue(0.5)},
		QualityScore:     0.8,
	}
}

func newTestHandlers(t *testing.T, store *fakeStore, recent *fakeRecentCache, ing *fakeIngestor, brokerReady func() bool) *Handlers {
	t.Helper()

	jwtManager, err := auth.NewJWTManager(&config.SecurityConfig{
		JWTSecret:      "this_is_a_very_long_secret_key_for_testing_purposes",
		SessionTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewJWTManager() error = %v", err)
	}
	users, err := auth.NewUserStore(&config.SecurityConfig{
		AdminUsername: "admin",
		AdminPassword: "test-admin-password",
	})
	if err != nil {
		t.Fatalf("NewUserStore() error = %v", err)
	}

	if store == nil {
		store = &fakeStore{}
	}
	if recent == nil {
		recent = &fakeRecentCache{err: cache.ErrCacheMiss}
	}
	if ing == nil {
		ing = &fakeIngestor{}
	}

	cfg := config.APIConfig{DefaultPageSize: 50, MaxPageSize: 1000}
	return NewHandlers(store, recent, websocket.NewHub(), jwtManager, users, ing, cfg, brokerReady)
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response does not decode: %v\nbody: %s", err, rec.Body.String())
	}
	return &resp
}

func TestLogin(t *testing.T) {
	h := newTestHandlers(t, nil, nil, nil, nil)

	t.Run("valid credentials", func(t *testing.T) {
		body, _ := json.Marshal(models.LoginRequest{Username: "admin", Password: "test-admin-password"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		h.Login(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
		}
		resp := decodeResponse(t, rec)
		data, ok := resp.Data.(map[string]interface{})
		if !ok {
			t.Fatalf("data type = %T", resp.Data)
		}
		if data["token"] == "" || data["token"] == nil {
			t.Error("no token in response")
		}
		if data["role"] != auth.RoleAdmin {
			t.Errorf("role = %v, want admin", data["role"])
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		body, _ := json.Marshal(models.LoginRequest{Username: "admin", Password: "nope"})
		rec := httptest.NewRecorder()
		h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body)))

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Error == nil || resp.Error.Code != ErrCodeAuthentication {
			t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeAuthentication)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{}`))))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{`))))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestIngestAudio(t *testing.T) {
	validBody := func() []byte {
		body, _ := json.Marshal(models.AudioMessage{
			SensorID:   "sensor-01",
			Payload:    []byte{1, 2, 3, 4},
			SampleRate: 16000,
			Format:     models.FormatPCM,
		})
		return body
	}

	t.Run("accepted", func(t *testing.T) {
		ing := &fakeIngestor{}
		h := newTestHandlers(t, nil, nil, ing, nil)

		rec := httptest.NewRecorder()
		h.IngestAudio(rec, httptest.NewRequest(http.MethodPost, "/api/v1/audio", bytes.NewReader(validBody())))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
		}
		if ing.calls != 1 {
			t.Errorf("Ingest calls = %d, want 1", ing.calls)
		}
		resp := decodeResponse(t, rec)
		data := resp.Data.(map[string]interface{})
		if data["status"] != "accepted" {
			t.Errorf("status field = %v, want accepted", data["status"])
		}
		if data["audio_id"] != "assigned-id" {
			t.Errorf("audio_id = %v, want assigned-id", data["audio_id"])
		}
	})

	t.Run("rejected message", func(t *testing.T) {
		ing := &fakeIngestor{err: broker.NewPermanentError("audio message rejected", errors.New("payload required"))}
		h := newTestHandlers(t, nil, nil, ing, nil)

		rec := httptest.NewRecorder()
		h.IngestAudio(rec, httptest.NewRequest(http.MethodPost, "/api/v1/audio", bytes.NewReader(validBody())))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Error == nil || resp.Error.Code != ErrCodeValidation {
			t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeValidation)
		}
	})

	t.Run("broker down", func(t *testing.T) {
		ing := &fakeIngestor{err: broker.NewRetryableError("no responders", nil)}
		h := newTestHandlers(t, nil, nil, ing, nil)

		rec := httptest.NewRecorder()
		h.IngestAudio(rec, httptest.NewRequest(http.MethodPost, "/api/v1/audio", bytes.NewReader(validBody())))

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil, nil, nil)
		rec := httptest.NewRecorder()
		h.IngestAudio(rec, httptest.NewRequest(http.MethodPost, "/api/v1/audio", bytes.NewReader([]byte(`{]`))))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestRealTimeFeatures(t *testing.T) {
	t.Run("cache hit", func(t *testing.T) {
		recent := &fakeRecentCache{records: []*models.FeatureBRecord{enhancedRecord("f-1"), enhancedRecord("f-2")}}
		h := newTestHandlers(t, &fakeStore{}, recent, nil, nil)

		rec := httptest.NewRecorder()
		h.RealTimeFeatures(rec, httptest.NewRequest(http.MethodGet, "/api/v1/features/real-time?sensor_id=sensor-01&limit=10", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
		}
		resp := decodeResponse(t, rec)
		if !resp.Metadata.Cached {
			t.Error("cache hit not flagged in metadata")
		}
		if resp.Count == nil || *resp.Count != 2 {
			t.Errorf("count = %v, want 2", resp.Count)
		}
	})

	t.Run("cache miss falls back to store", func(t *testing.T) {
		store := &fakeStore{realTime: []*models.FeatureBRecord{enhancedRecord("f-3")}}
		h := newTestHandlers(t, store, &fakeRecentCache{err: cache.ErrCacheMiss}, nil, nil)

		rec := httptest.NewRecorder()
		h.RealTimeFeatures(rec, httptest.NewRequest(http.MethodGet, "/api/v1/features/real-time?sensor_id=sensor-01", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Metadata.Cached {
			t.Error("store fallback flagged as cached")
		}
		if resp.Count == nil || *resp.Count != 1 {
			t.Errorf("count = %v, want 1", resp.Count)
		}
	})

	t.Run("missing sensor_id", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil, nil, nil)
		rec := httptest.NewRecorder()
		h.RealTimeFeatures(rec, httptest.NewRequest(http.MethodGet, "/api/v1/features/real-time", nil))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("sensor_id with colon", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil, nil, nil)
		rec := httptest.NewRecorder()
		h.RealTimeFeatures(rec, httptest.NewRequest(http.MethodGet, "/api/v1/features/real-time?sensor_id=a%3Ab", nil))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		store := &fakeStore{err: errors.New("duckdb gone")}
		h := newTestHandlers(t, store, &fakeRecentCache{err: cache.ErrCacheMiss}, nil, nil)

		rec := httptest.NewRecorder()
		h.RealTimeFeatures(rec, httptest.NewRequest(http.MethodGet, "/api/v1/features/real-time?sensor_id=sensor-01", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Error == nil || resp.Error.Code != ErrCodeDatabase {
			t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeDatabase)
		}
	})
}

func TestHistoricalFeatures(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("paginated result", func(t *testing.T) {
		store := &fakeStore{
			historical: []*models.FeatureBRecord{enhancedRecord("f-1")},
			count:      42,
		}
		h := newTestHandlers(t, store, nil, nil, nil)

		body, _ := json.Marshal(models.HistoricalQuery{
			SensorID:  "sensor-01",
			StartTime: base,
			EndTime:   base.Add(time.Hour),
			Page:      2,
			Limit:     10,
		})
		rec := httptest.NewRecorder()
		h.HistoricalFeatures(rec, httptest.NewRequest(http.MethodPost, "/api/v1/features/historical", bytes.NewReader(body)))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
		}
		resp := decodeResponse(t, rec)
		data := resp.Data.(map[string]interface{})
		if data["total"] != float64(42) {
			t.Errorf("total = %v, want 42", data["total"])
		}
		if data["page"] != float64(2) {
			t.Errorf("page = %v, want 2", data["page"])
		}
	})

	t.Run("missing time range", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil, nil, nil)
		body, _ := json.Marshal(map[string]string{"sensor_id": "sensor-01"})
		rec := httptest.NewRecorder()
		h.HistoricalFeatures(rec, httptest.NewRequest(http.MethodPost, "/api/v1/features/historical", bytes.NewReader(body)))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("inverted range yields empty set", func(t *testing.T) {
		store := &fakeStore{historical: nil, count: 0}
		h := newTestHandlers(t, store, nil, nil, nil)

		body, _ := json.Marshal(models.HistoricalQuery{
			SensorID:  "sensor-01",
			StartTime: base.Add(time.Hour),
			EndTime:   base,
		})
		rec := httptest.NewRecorder()
		h.HistoricalFeatures(rec, httptest.NewRequest(http.MethodPost, "/api/v1/features/historical", bytes.NewReader(body)))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 for inverted range", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Count == nil || *resp.Count != 0 {
			t.Errorf("count = %v, want 0", resp.Count)
		}
	})
}

func TestStatus(t *testing.T) {
	status := models.NewProcessingStatus("audio-001", "sensor-01")

	t.Run("found", func(t *testing.T) {
		h := newTestHandlers(t, &fakeStore{status: status}, nil, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/status/audio-001", nil)
		req.SetPathValue("audio_id", "audio-001")
		rec := httptest.NewRecorder()
		h.Status(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		resp := decodeResponse(t, rec)
		data := resp.Data.(map[string]interface{})
		if data["audio_id"] != "audio-001" {
			t.Errorf("audio_id = %v", data["audio_id"])
		}
	})

	t.Run("not found", func(t *testing.T) {
		h := newTestHandlers(t, &fakeStore{}, nil, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/status/ghost", nil)
		req.SetPathValue("audio_id", "ghost")
		rec := httptest.NewRecorder()
		h.Status(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
			t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeNotFound)
		}
	})

	t.Run("missing path value", func(t *testing.T) {
		h := newTestHandlers(t, &fakeStore{}, nil, nil, nil)
		rec := httptest.NewRecorder()
		h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status/", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestDeadLetters(t *testing.T) {
	letters := []*models.DeadLetter{
		{MessageUUID: "m-1", Topic: "audio-stream", Error: "bad payload", Category: "validation"},
	}
	h := newTestHandlers(t, &fakeStore{letters: letters}, nil, nil, nil)

	rec := httptest.NewRecorder()
	h.DeadLetters(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dlq?limit=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Count == nil || *resp.Count != 1 {
		t.Errorf("count = %v, want 1", resp.Count)
	}
}

func TestStats(t *testing.T) {
	h := newTestHandlers(t, &fakeStore{stats: &models.PipelineStats{AudioReceived: 10, Stored: 8, Failed: 1}}, nil, nil, nil)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	data := resp.Data.(map[string]interface{})
	if data["audio_received"] != float64(10) {
		t.Errorf("audio_received = %v, want 10", data["audio_received"])
	}
}

func TestHealth(t *testing.T) {
	t.Run("live", func(t *testing.T) {
		h := newTestHandlers(t, nil, nil, nil, nil)
		rec := httptest.NewRecorder()
		h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("ready", func(t *testing.T) {
		h := newTestHandlers(t, &fakeStore{}, nil, nil, func() bool { return true })
		rec := httptest.NewRecorder()
		h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("database down", func(t *testing.T) {
		h := newTestHandlers(t, &fakeStore{pingErr: errors.New("no connection")}, nil, nil, func() bool { return true })
		rec := httptest.NewRecorder()
		h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("broker not running", func(t *testing.T) {
		h := newTestHandlers(t, &fakeStore{}, nil, nil, func() bool { return false })
		rec := httptest.NewRecorder()
		h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Error == nil || resp.Error.Code != ErrCodeService {
			t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeService)
		}
	})
}

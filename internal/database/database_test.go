// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/resonance-pipeline/resonance/internal/config"
	"github.com/resonance-pipeline/resonance/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(&config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "resonance_test.db"),
		MaxMemory: "2GB",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return db
}

func testAudio(audioID, sensorID string) *models.AudioMessage {
	return &models.AudioMessage{
		SchemaVersion: models.SchemaVersion,
		AudioID:       audioID,
		SensorID:      sensorID,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:       []byte("pcm-bytes"),
		SampleRate:    44100,
		Duration:      1.5,
		Format:        models.FormatWAV,
	}
}

func testFeatureB(featureID, sensorID string, ts time.Time) *models.FeatureBRecord {
	return &models.FeatureBRecord{
		FeatureID:        featureID,
		SourceFeatureID:  "src-" + featureID,
		AudioID:          "audio-" + featureID,
		SensorID:         sensorID,
		Timestamp:        ts,
		EnhancedFeatures: models.FeatureMap{"rms": models.ScalarValue(0.4)},
		Classification:   "speech",
		QualityScore:     0.85,
		ProcessingTimeMS: 12.5,
	}
}

func TestInsertAudioIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	inserted, err := db.InsertAudio(ctx, testAudio("audio-1", "sensor-01"))
	if err != nil {
		t.Fatalf("InsertAudio() error = %v", err)
	}
	if !inserted {
		t.Error("first insert reported duplicate")
	}

	inserted, err = db.InsertAudio(ctx, testAudio("audio-1", "sensor-01"))
	if err != nil {
		t.Fatalf("InsertAudio() redelivery error = %v", err)
	}
	if inserted {
		t.Error("redelivered audio reported as new row")
	}
}

func TestInsertFeatureBIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := testFeatureB("feat-1", "sensor-01", ts)
	inserted, err := db.InsertFeatureB(ctx, rec)
	if err != nil {
		t.Fatalf("InsertFeatureB() error = %v", err)
	}
	if !inserted {
		t.Error("first insert reported duplicate")
	}

	inserted, err = db.InsertFeatureB(ctx, rec)
	if err != nil {
		t.Fatalf("InsertFeatureB() redelivery error = %v", err)
	}
	if inserted {
		t.Error("duplicate feature_id reported as new row")
	}

	got, err := db.GetRealTimeFeatures(ctx, "sensor-01", 10)
	if err != nil {
		t.Fatalf("GetRealTimeFeatures() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1 after duplicate insert", len(got))
	}
	if got[0].FeatureID != "feat-1" || got[0].Classification != "speech" {
		t.Errorf("record = %+v, want feat-1/speech", got[0])
	}
}

func TestConcurrentWritersSameRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const writers = 2
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     []error
		inserted int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.InsertFeatureB(ctx, testFeatureB("feat-race", "sensor-01", ts))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else if ok {
				inserted++
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		t.Errorf("concurrent InsertFeatureB() error = %v", err)
	}
	if inserted != 1 {
		t.Errorf("new-row results = %d, want exactly 1", inserted)
	}

	got, err := db.GetRealTimeFeatures(ctx, "sensor-01", 10)
	if err != nil {
		t.Fatalf("GetRealTimeFeatures() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("rows = %d, want 1", len(got))
	}
}

func TestHistoricalFeatures(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := testFeatureB(fmt.Sprintf("feat-%d", i), "sensor-01", base.Add(time.Duration(i)*time.Minute))
		if _, err := db.InsertFeatureB(ctx, rec); err != nil {
			t.Fatalf("InsertFeatureB() error = %v", err)
		}
	}

	startTime := base.Add(-time.Minute)
	endTime := base.Add(time.Hour)

	t.Run("pagination", func(t *testing.T) {
		page1, err := db.GetHistoricalFeatures(ctx, "sensor-01", startTime, endTime, 1, 2)
		if err != nil {
			t.Fatalf("GetHistoricalFeatures() error = %v", err)
		}
		if len(page1) != 2 || page1[0].FeatureID != "feat-0" || page1[1].FeatureID != "feat-1" {
			t.Errorf("page 1 = %v, want feat-0, feat-1 in time order", featureIDs(page1))
		}

		page3, err := db.GetHistoricalFeatures(ctx, "sensor-01", startTime, endTime, 3, 2)
		if err != nil {
			t.Fatalf("GetHistoricalFeatures() error = %v", err)
		}
		if len(page3) != 1 || page3[0].FeatureID != "feat-4" {
			t.Errorf("page 3 = %v, want only feat-4", featureIDs(page3))
		}

		count, err := db.CountHistoricalFeatures(ctx, "sensor-01", startTime, endTime)
		if err != nil {
			t.Fatalf("CountHistoricalFeatures() error = %v", err)
		}
		if count != 5 {
			t.Errorf("count = %d, want 5", count)
		}
	})

	t.Run("inverted range is empty, not an error", func(t *testing.T) {
		got, err := db.GetHistoricalFeatures(ctx, "sensor-01", endTime, startTime, 1, 10)
		if err != nil {
			t.Fatalf("GetHistoricalFeatures() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("inverted range returned %d rows, want 0", len(got))
		}

		count, err := db.CountHistoricalFeatures(ctx, "sensor-01", endTime, startTime)
		if err != nil {
			t.Fatalf("CountHistoricalFeatures() error = %v", err)
		}
		if count != 0 {
			t.Errorf("inverted range count = %d, want 0", count)
		}
	})
}

func featureIDs(recs []*models.FeatureBRecord) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.FeatureID
	}
	return ids
}

func TestGetProcessingStatusNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetProcessingStatus(context.Background(), "no-such-audio")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProcessingStatus() error = %v, want ErrNotFound", err)
	}
}

func TestUpsertProcessingStatusStageOrder(t *testing.T) {
	ctx := context.Background()

	upsertStage := func(t *testing.T, db *DB, audioID string, stage models.Stage) {
		t.Helper()
		st, err := models.NewStageStatus(audioID, "sensor-01", stage)
		if err != nil {
			t.Fatalf("NewStageStatus(%s) error = %v", stage, err)
		}
		if err := db.UpsertProcessingStatus(ctx, st); err != nil {
			t.Fatalf("UpsertProcessingStatus(%s) error = %v", stage, err)
		}
	}

	t.Run("forward progression", func(t *testing.T) {
		db := newTestDB(t)
		for _, stage := range []models.Stage{
			models.StageReceived, models.StageAlgorithmA, models.StageAlgorithmB, models.StageStored,
		} {
			upsertStage(t, db, "audio-1", stage)
		}

		got, err := db.GetProcessingStatus(ctx, "audio-1")
		if err != nil {
			t.Fatalf("GetProcessingStatus() error = %v", err)
		}
		if got.Stage != models.StageStored || got.Status != models.StatusCompleted {
			t.Errorf("status = %s/%s, want stored/completed", got.Stage, got.Status)
		}
	})

	t.Run("stale redelivery cannot move a stored record backwards", func(t *testing.T) {
		db := newTestDB(t)
		upsertStage(t, db, "audio-2", models.StageStored)
		upsertStage(t, db, "audio-2", models.StageAlgorithmA)

		got, err := db.GetProcessingStatus(ctx, "audio-2")
		if err != nil {
			t.Fatalf("GetProcessingStatus() error = %v", err)
		}
		if got.Stage != models.StageStored || got.Status != models.StatusCompleted {
			t.Errorf("status after stale replay = %s/%s, want stored/completed", got.Stage, got.Status)
		}
	})

	t.Run("late failure cannot demote a stored record", func(t *testing.T) {
		db := newTestDB(t)
		upsertStage(t, db, "audio-3", models.StageStored)

		failed := models.NewProcessingStatus("audio-3", "sensor-01")
		failed.MarkFailed(errors.New("redelivered copy exploded"))
		if err := db.UpsertProcessingStatus(ctx, failed); err != nil {
			t.Fatalf("UpsertProcessingStatus(failed) error = %v", err)
		}

		got, err := db.GetProcessingStatus(ctx, "audio-3")
		if err != nil {
			t.Fatalf("GetProcessingStatus() error = %v", err)
		}
		if got.Stage != models.StageStored {
			t.Errorf("stage = %s, want stored", got.Stage)
		}
	})

	t.Run("failed is terminal", func(t *testing.T) {
		db := newTestDB(t)
		failed := models.NewProcessingStatus("audio-4", "sensor-01")
		failed.MarkFailed(errors.New("decode error"))
		if err := db.UpsertProcessingStatus(ctx, failed); err != nil {
			t.Fatalf("UpsertProcessingStatus(failed) error = %v", err)
		}

		upsertStage(t, db, "audio-4", models.StageAlgorithmB)

		got, err := db.GetProcessingStatus(ctx, "audio-4")
		if err != nil {
			t.Fatalf("GetProcessingStatus() error = %v", err)
		}
		if got.Stage != models.StageFailed || got.LastError == "" {
			t.Errorf("status = %s (last_error %q), want failed with cause", got.Stage, got.LastError)
		}
	})

	t.Run("retry count survives stage advancement", func(t *testing.T) {
		db := newTestDB(t)
		upsertStage(t, db, "audio-5", models.StageAlgorithmA)
		if err := db.RecordRetry(ctx, "audio-5"); err != nil {
			t.Fatalf("RecordRetry() error = %v", err)
		}
		if err := db.RecordRetry(ctx, "audio-5"); err != nil {
			t.Fatalf("RecordRetry() error = %v", err)
		}

		// The advancing write carries retry_count 0; the stored counter
		// must not be clobbered.
		upsertStage(t, db, "audio-5", models.StageAlgorithmB)

		got, err := db.GetProcessingStatus(ctx, "audio-5")
		if err != nil {
			t.Fatalf("GetProcessingStatus() error = %v", err)
		}
		if got.Stage != models.StageAlgorithmB {
			t.Errorf("stage = %s, want algorithm_b", got.Stage)
		}
		if got.RetryCount != 2 {
			t.Errorf("retry_count = %d, want 2", got.RetryCount)
		}
	})
}

func TestRecordRetry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// A retry racing the initial status insert is not an error.
	if err := db.RecordRetry(ctx, "audio-unknown"); err != nil {
		t.Errorf("RecordRetry() on missing row error = %v", err)
	}

	st := models.NewProcessingStatus("audio-1", "sensor-01")
	if err := db.UpsertProcessingStatus(ctx, st); err != nil {
		t.Fatalf("UpsertProcessingStatus() error = %v", err)
	}
	if err := db.RecordRetry(ctx, "audio-1"); err != nil {
		t.Fatalf("RecordRetry() error = %v", err)
	}

	got, err := db.GetProcessingStatus(ctx, "audio-1")
	if err != nil {
		t.Fatalf("GetProcessingStatus() error = %v", err)
	}
	if got.RetryCount != 1 || got.Status != models.StatusPending {
		t.Errorf("status = %+v, want retry_count 1 and pending", got)
	}

	// Terminal records are left alone.
	stored, err := models.NewStageStatus("audio-1", "sensor-01", models.StageStored)
	if err != nil {
		t.Fatalf("NewStageStatus() error = %v", err)
	}
	if err := db.UpsertProcessingStatus(ctx, stored); err != nil {
		t.Fatalf("UpsertProcessingStatus(stored) error = %v", err)
	}
	if err := db.RecordRetry(ctx, "audio-1"); err != nil {
		t.Fatalf("RecordRetry() on stored row error = %v", err)
	}

	got, err = db.GetProcessingStatus(ctx, "audio-1")
	if err != nil {
		t.Fatalf("GetProcessingStatus() error = %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed untouched by retry", got.Status)
	}
}

func TestInsertDeadLetterIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	dl := &models.DeadLetter{
		MessageUUID: "uuid-1",
		Topic:       "audio-stream",
		AudioID:     "audio-1",
		SensorID:    "sensor-01",
		Payload:     []byte(`{"bad":"payload"}`),
		Error:       "decode audio: bad json",
		Category:    "validation",
	}
	if err := db.InsertDeadLetter(ctx, dl); err != nil {
		t.Fatalf("InsertDeadLetter() error = %v", err)
	}
	if err := db.InsertDeadLetter(ctx, dl); err != nil {
		t.Fatalf("InsertDeadLetter() redelivery error = %v", err)
	}

	got, err := db.GetDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("GetDeadLetters() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(got))
	}
	if got[0].MessageUUID != "uuid-1" || got[0].Category != "validation" {
		t.Errorf("dead letter = %+v, want uuid-1/validation", got[0])
	}
}

func TestGetPipelineStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := db.InsertAudio(ctx, testAudio("audio-1", "sensor-01")); err != nil {
		t.Fatalf("InsertAudio() error = %v", err)
	}
	if _, err := db.InsertAudio(ctx, testAudio("audio-2", "sensor-02")); err != nil {
		t.Fatalf("InsertAudio() error = %v", err)
	}
	if _, err := db.InsertFeatureB(ctx, testFeatureB("feat-1", "sensor-01", ts)); err != nil {
		t.Fatalf("InsertFeatureB() error = %v", err)
	}
	stored, err := models.NewStageStatus("audio-1", "sensor-01", models.StageStored)
	if err != nil {
		t.Fatalf("NewStageStatus() error = %v", err)
	}
	if err := db.UpsertProcessingStatus(ctx, stored); err != nil {
		t.Fatalf("UpsertProcessingStatus() error = %v", err)
	}

	stats, err := db.GetPipelineStats(ctx)
	if err != nil {
		t.Fatalf("GetPipelineStats() error = %v", err)
	}
	if stats.AudioReceived != 2 || stats.FeaturesB != 1 || stats.Stored != 1 {
		t.Errorf("stats = %+v, want 2 audio, 1 feature_b, 1 stored", stats)
	}
	if stats.DistinctSensors != 2 {
		t.Errorf("distinct sensors = %d, want 2", stats.DistinctSensors)
	}
}

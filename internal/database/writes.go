// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/resonance-pipeline/resonance/internal/metrics"
	"github.com/resonance-pipeline/resonance/internal/models"
)

// InsertAudio stores a raw audio message. The write is idempotent: a
// redelivered message with the same audio_id is silently skipped.
// Returns true if a new row was inserted, false on duplicate.
func (db *DB) InsertAudio(ctx context.Context, audio *models.AudioMessage) (bool, error) {
	start := time.Now()
	const query = `INSERT INTO audio_data
		(audio_id, sensor_id, timestamp, sample_rate, duration, format, payload_bytes, raw_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (audio_id) DO NOTHING`

	var rawMeta any
	if len(audio.RawMetadata) > 0 {
		rawMeta = string(audio.RawMetadata)
	}

	res, err := db.execPrepared(ctx, query,
		audio.AudioID,
		audio.SensorID,
		audio.Timestamp.UTC(),
		audio.SampleRate,
		audio.Duration,
		string(audio.Format),
		len(audio.Payload),
		rawMeta,
	)
	metrics.ObserveDBQuery("insert", "audio_data", start, err)
	if err != nil {
		return false, fmt.Errorf("insert audio %s: %w", audio.AudioID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// InsertFeatureA stores a first-stage feature record idempotently.
func (db *DB) InsertFeatureA(ctx context.Context, rec *models.FeatureARecord) (bool, error) {
	start := time.Now()
	const query = `INSERT INTO features_type_a
		(feature_id, audio_id, sensor_id, timestamp, features, processing_time_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (feature_id) DO NOTHING`

	featuresJSON, err := json.Marshal(rec.Features)
	if err != nil {
		return false, fmt.Errorf("marshal features: %w", err)
	}

	res, err := db.execPrepared(ctx, query,
		rec.FeatureID,
		rec.AudioID,
		rec.SensorID,
		rec.Timestamp.UTC(),
		string(featuresJSON),
		rec.ProcessingTimeMS,
	)
	metrics.ObserveDBQuery("insert", "features_type_a", start, err)
	if err != nil {
		return false, fmt.Errorf("insert feature %s: %w", rec.FeatureID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// InsertFeatureB stores an enhanced feature record idempotently.
func (db *DB) InsertFeatureB(ctx context.Context, rec *models.FeatureBRecord) (bool, error) {
	start := time.Now()
	const query = `INSERT INTO features_type_b
		(feature_id, source_feature_id, audio_id, sensor_id, timestamp,
		 enhanced_features, classification, quality_score, processing_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feature_id) DO NOTHING`

	featuresJSON, err := json.Marshal(rec.EnhancedFeatures)
	if err != nil {
		return false, fmt.Errorf("marshal enhanced features: %w", err)
	}

	res, err := db.execPrepared(ctx, query,
		rec.FeatureID,
		rec.SourceFeatureID,
		rec.AudioID,
		rec.SensorID,
		rec.Timestamp.UTC(),
		string(featuresJSON),
		rec.Classification,
		rec.QualityScore,
		rec.ProcessingTimeMS,
	)
	metrics.ObserveDBQuery("insert", "features_type_b", start, err)
	if err != nil {
		return false, fmt.Errorf("insert enhanced feature %s: %w", rec.FeatureID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// UpsertProcessingStatus records the current pipeline stage for an audio
// message. Stage order is enforced in the conflict clause: a redelivered
// message replaying an earlier stage cannot move a record backwards, a
// terminal record never changes, and a late failure cannot demote a
// record that already reached stored.
func (db *DB) UpsertProcessingStatus(ctx context.Context, st *models.ProcessingStatus) error {
	start := time.Now()
	const query = `INSERT INTO processing_status
		(audio_id, sensor_id, stage, status, retry_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (audio_id) DO UPDATE SET
			stage = excluded.stage,
			status = excluded.status,
			retry_count = GREATEST(retry_count, excluded.retry_count),
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		WHERE stage <> 'failed'
			AND NOT (excluded.stage = 'failed' AND stage = 'stored')
			AND (excluded.stage = 'failed'
				OR CASE excluded.stage WHEN 'algorithm_a' THEN 1 WHEN 'algorithm_b' THEN 2 WHEN 'stored' THEN 3 ELSE 0 END
					> CASE stage WHEN 'algorithm_a' THEN 1 WHEN 'algorithm_b' THEN 2 WHEN 'stored' THEN 3 ELSE 0 END)`

	var lastErr any
	if st.LastError != "" {
		lastErr = st.LastError
	}

	_, err := db.execPrepared(ctx, query,
		st.AudioID,
		st.SensorID,
		string(st.Stage),
		string(st.Status),
		st.RetryCount,
		lastErr,
		st.UpdatedAt.UTC(),
	)
	metrics.ObserveDBQuery("upsert", "processing_status", start, err)
	if err != nil {
		return fmt.Errorf("upsert status %s: %w", st.AudioID, err)
	}
	return nil
}

// RecordRetry bumps the retry counter for an in-flight audio message.
// Terminal records are left alone. Missing rows are not an error: the
// retry may race the initial status insert.
func (db *DB) RecordRetry(ctx context.Context, audioID string) error {
	start := time.Now()
	const query = `UPDATE processing_status
		SET retry_count = retry_count + 1, status = 'pending', updated_at = ?
		WHERE audio_id = ? AND stage NOT IN ('stored', 'failed')`

	_, err := db.execPrepared(ctx, query, time.Now().UTC(), audioID)
	metrics.ObserveDBQuery("update", "processing_status", start, err)
	if err != nil {
		return fmt.Errorf("record retry %s: %w", audioID, err)
	}
	return nil
}

// InsertDeadLetter persists a poisoned message for operator inspection.
// Idempotent by message UUID so DLQ redeliveries don't duplicate rows.
func (db *DB) InsertDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	start := time.Now()
	const query = `INSERT INTO dead_letters
		(message_uuid, topic, audio_id, sensor_id, payload, error, category)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_uuid) DO NOTHING`

	_, err := db.execPrepared(ctx, query,
		dl.MessageUUID,
		dl.Topic,
		dl.AudioID,
		dl.SensorID,
		dl.Payload,
		dl.Error,
		dl.Category,
	)
	metrics.ObserveDBQuery("insert", "dead_letters", start, err)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", dl.MessageUUID, err)
	}
	return nil
}

// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/resonance-pipeline/resonance/internal/metrics"
	"github.com/resonance-pipeline/resonance/internal/models"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("not found")

// GetRealTimeFeatures returns the most recent enhanced feature records for a
// sensor, newest first.
func (db *DB) GetRealTimeFeatures(ctx context.Context, sensorID string, limit int) ([]*models.FeatureBRecord, error) {
	start := time.Now()
	const query = `SELECT feature_id, source_feature_id, audio_id, sensor_id, timestamp,
			enhanced_features, classification, quality_score, processing_time_ms
		FROM features_type_b
		WHERE sensor_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, sensorID, limit)
	metrics.ObserveDBQuery("select", "features_type_b", start, err)
	if err != nil {
		return nil, fmt.Errorf("query real-time features: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	return scanFeatureBRows(rows)
}

// GetHistoricalFeatures returns enhanced feature records for a sensor within
// [startTime, endTime], oldest first, with offset pagination.
// An inverted range (start after end) yields an empty result, not an error.
func (db *DB) GetHistoricalFeatures(
	ctx context.Context,
	sensorID string,
	startTime, endTime time.Time,
	page, limit int,
) ([]*models.FeatureBRecord, error) {
	if startTime.After(endTime) {
		return []*models.FeatureBRecord{}, nil
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	start := time.Now()
	const query = `SELECT feature_id, source_feature_id, audio_id, sensor_id, timestamp,
			enhanced_features, classification, quality_score, processing_time_ms
		FROM features_type_b
		WHERE sensor_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?`

	rows, err := db.conn.QueryContext(ctx, query,
		sensorID, startTime.UTC(), endTime.UTC(), limit, offset)
	metrics.ObserveDBQuery("select", "features_type_b", start, err)
	if err != nil {
		return nil, fmt.Errorf("query historical features: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	return scanFeatureBRows(rows)
}

// CountHistoricalFeatures returns the total row count for a historical query,
// used for pagination metadata.
func (db *DB) CountHistoricalFeatures(ctx context.Context, sensorID string, startTime, endTime time.Time) (int64, error) {
	if startTime.After(endTime) {
		return 0, nil
	}

	start := time.Now()
	const query = `SELECT COUNT(*) FROM features_type_b
		WHERE sensor_id = ? AND timestamp >= ? AND timestamp <= ?`

	var count int64
	err := db.conn.QueryRowContext(ctx, query, sensorID, startTime.UTC(), endTime.UTC()).Scan(&count)
	metrics.ObserveDBQuery("count", "features_type_b", start, err)
	if err != nil {
		return 0, fmt.Errorf("count historical features: %w", err)
	}
	return count, nil
}

// GetProcessingStatus returns the pipeline status for an audio message.
func (db *DB) GetProcessingStatus(ctx context.Context, audioID string) (*models.ProcessingStatus, error) {
	start := time.Now()
	const query = `SELECT audio_id, sensor_id, stage, status, retry_count, last_error, updated_at
		FROM processing_status WHERE audio_id = ?`

	var (
		st      models.ProcessingStatus
		stage   string
		status  string
		lastErr sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, query, audioID).Scan(
		&st.AudioID, &st.SensorID, &stage, &status, &st.RetryCount, &lastErr, &st.UpdatedAt)
	metrics.ObserveDBQuery("select", "processing_status", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query status %s: %w", audioID, err)
	}

	st.Stage = models.Stage(stage)
	st.Status = models.Status(status)
	st.LastError = lastErr.String
	return &st, nil
}

// GetDeadLetters returns recently dead-lettered messages, newest first.
// Payloads are omitted; use the message UUID against the stream for replay.
func (db *DB) GetDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	start := time.Now()
	const query = `SELECT message_uuid, topic, audio_id, sensor_id, error, category, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	metrics.ObserveDBQuery("select", "dead_letters", start, err)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []*models.DeadLetter
	for rows.Next() {
		var (
			dl       models.DeadLetter
			audioID  sql.NullString
			sensorID sql.NullString
		)
		if err := rows.Scan(&dl.MessageUUID, &dl.Topic, &audioID, &sensorID,
			&dl.Error, &dl.Category, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.AudioID = audioID.String
		dl.SensorID = sensorID.String
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// GetPipelineStats returns aggregate counters for the health endpoint.
func (db *DB) GetPipelineStats(ctx context.Context) (*models.PipelineStats, error) {
	start := time.Now()
	const query = `SELECT
		(SELECT COUNT(*) FROM audio_data),
		(SELECT COUNT(*) FROM features_type_a),
		(SELECT COUNT(*) FROM features_type_b),
		(SELECT COUNT(*) FROM processing_status WHERE status = 'completed'),
		(SELECT COUNT(*) FROM processing_status WHERE status = 'failed'),
		(SELECT COUNT(DISTINCT sensor_id) FROM audio_data)`

	var stats models.PipelineStats
	err := db.conn.QueryRowContext(ctx, query).Scan(
		&stats.AudioReceived,
		&stats.FeaturesA,
		&stats.FeaturesB,
		&stats.Stored,
		&stats.Failed,
		&stats.DistinctSensors,
	)
	metrics.ObserveDBQuery("select", "pipeline_stats", start, err)
	if err != nil {
		return nil, fmt.Errorf("query pipeline stats: %w", err)
	}
	return &stats, nil
}

// scanFeatureBRows converts result rows into enhanced feature records.
func scanFeatureBRows(rows *sql.Rows) ([]*models.FeatureBRecord, error) {
	var out []*models.FeatureBRecord
	for rows.Next() {
		var (
			rec          models.FeatureBRecord
			featuresJSON string
		)
		if err := rows.Scan(
			&rec.FeatureID,
			&rec.SourceFeatureID,
			&rec.AudioID,
			&rec.SensorID,
			&rec.Timestamp,
			&featuresJSON,
			&rec.Classification,
			&rec.QualityScore,
			&rec.ProcessingTimeMS,
		); err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		if err := json.Unmarshal([]byte(featuresJSON), &rec.EnhancedFeatures); err != nil {
			return nil, fmt.Errorf("unmarshal features for %s: %w", rec.FeatureID, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

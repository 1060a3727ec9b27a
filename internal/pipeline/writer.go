// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package pipeline

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/logging"
	"github.com/resonance-pipeline/resonance/internal/metrics"
	"github.com/resonance-pipeline/resonance/internal/models"
)

// FeatureBStore persists enhanced feature records.
type FeatureBStore interface {
	InsertFeatureB(ctx context.Context, rec *models.FeatureBRecord) (bool, error)
}

// FeatureSink receives committed records for the write-through cache.
type FeatureSink interface {
	Put(ctx context.Context, rec *models.FeatureBRecord) error
}

// Broadcaster pushes committed records to live subscribers.
type Broadcaster interface {
	BroadcastFeature(rec *models.FeatureBRecord)
}

// WriterConfig holds data writer settings.
type WriterConfig struct {
	// RetryAttempts bounds in-handler write retries before the message is
	// nacked back to the broker.
	RetryAttempts int

	// RetryDelay is the base delay between write retries, doubled per attempt.
	RetryDelay time.Duration

	// Deadline is the per-message processing deadline.
	Deadline time.Duration
}

// Writer is the terminal pipeline stage. It consumes features-b-stream and
// commits each record to DuckDB, then populates the real-time cache and
// notifies live subscribers. A duplicate feature_id is a success: the row
// already exists, the message is acked.
type Writer struct {
	stage       *Stage
	codec       *broker.Codec
	store       FeatureBStore
	cache       FeatureSink
	broadcaster Broadcaster
	cfg         WriterConfig
}

// NewWriter builds the data writer. cache and broadcaster may be nil.
func NewWriter(
	cfg WriterConfig,
	store FeatureBStore,
	cache FeatureSink,
	broadcaster Broadcaster,
	statuses StatusStore,
	deadLetters DeadLetterStore,
) *Writer {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Second
	}
	return &Writer{
		stage: NewStage("writer", models.StageStored, broker.TopicFeaturesB,
			cfg.Deadline, statuses, deadLetters),
		codec:       broker.NewCodec(),
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		cfg:         cfg,
	}
}

// Handler returns the consumer handler function for router registration.
func (w *Writer) Handler() message.NoPublishHandlerFunc {
	wrapped := w.stage.Wrap(func(msg *message.Message) ([]*message.Message, error) {
		return nil, w.process(msg)
	})
	return func(msg *message.Message) error {
		_, err := wrapped(msg)
		return err
	}
}

func (w *Writer) process(msg *message.Message) error {
	ctx := msg.Context()

	rec, err := w.codec.DecodeFeatureB(msg)
	if err != nil {
		return err // PermanentError: dead-lettered by the stage wrapper
	}

	inserted, err := w.commitWithRetry(ctx, rec)
	if err != nil {
		// Retries exhausted inside the handler: nack for broker redelivery.
		return broker.NewRetryableError("commit feature record", err)
	}

	if inserted {
		metrics.WriterCommits.Inc()
	} else {
		metrics.WriterDuplicates.Inc()
	}

	// Write-through: cache and broadcast are best effort. The record is
	// durably stored; a cache failure must not trigger redelivery.
	if w.cache != nil {
		if err := w.cache.Put(ctx, rec); err != nil {
			logging.Ctx(ctx).Warn().Err(err).
				Str("feature_id", rec.FeatureID).
				Msg("Failed to cache feature record")
		}
	}
	if w.broadcaster != nil {
		w.broadcaster.BroadcastFeature(rec)
	}

	w.stage.recordStatus(ctx, rec.AudioID, rec.SensorID)

	logging.Ctx(ctx).Debug().
		Str("audio_id", rec.AudioID).
		Str("feature_id", rec.FeatureID).
		Bool("inserted", inserted).
		Msg("Feature record committed")

	return nil
}

// commitWithRetry attempts the insert with bounded exponential backoff.
func (w *Writer) commitWithRetry(ctx context.Context, rec *models.FeatureBRecord) (bool, error) {
	var lastErr error
	delay := w.cfg.RetryDelay

	for attempt := 0; attempt < w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			metrics.WriterRetries.Inc()
			if err := w.stage.statuses.RecordRetry(ctx, rec.AudioID); err != nil {
				logging.Ctx(ctx).Warn().Err(err).
					Str("audio_id", rec.AudioID).
					Msg("Failed to record retry")
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
			delay *= 2
		}

		inserted, err := w.store.InsertFeatureB(ctx, rec)
		if err == nil {
			return inserted, nil
		}
		lastErr = err

		logging.Ctx(ctx).Warn().Err(err).
			Str("feature_id", rec.FeatureID).
			Int("attempt", attempt+1).
			Msg("Feature write failed")
	}

	return false, lastErr
}

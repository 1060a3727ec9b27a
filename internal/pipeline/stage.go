// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/logging"
	"github.com/resonance-pipeline/resonance/internal/metrics"
	"github.com/resonance-pipeline/resonance/internal/models"
)

// StatusStore records pipeline progress per audio message.
type StatusStore interface {
	UpsertProcessingStatus(ctx context.Context, st *models.ProcessingStatus) error
	RecordRetry(ctx context.Context, audioID string) error
}

// DeadLetterStore persists messages that will never be retried.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// Stage wraps a processing function with the per-message policy shared by
// all pipeline stages: a processing deadline, metrics, and permanent-error
// dead-lettering. Transient errors propagate to the router's retry
// middleware; permanent errors are recorded and acked so they are never
// redelivered.
type Stage struct {
	name        string
	stage       models.Stage
	topic       string
	deadline    time.Duration
	statuses    StatusStore
	deadLetters DeadLetterStore
}

// NewStage creates a stage wrapper.
func NewStage(
	name string,
	stage models.Stage,
	topic string,
	deadline time.Duration,
	statuses StatusStore,
	deadLetters DeadLetterStore,
) *Stage {
	return &Stage{
		name:        name,
		stage:       stage,
		topic:       topic,
		deadline:    deadline,
		statuses:    statuses,
		deadLetters: deadLetters,
	}
}

// Wrap applies the stage policy around a handler function.
func (s *Stage) Wrap(process message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		start := time.Now()
		metrics.BrokerConsumeTotal.WithLabelValues(s.topic).Inc()
		metrics.StageInFlight.WithLabelValues(s.name).Inc()
		defer metrics.StageInFlight.WithLabelValues(s.name).Dec()

		ctx, cancel := context.WithTimeout(msg.Context(), s.deadline)
		defer cancel()
		msg.SetContext(ctx)

		out, err := process(msg)
		metrics.StageProcessingDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			return out, nil

		case errors.Is(err, context.DeadlineExceeded):
			// Reschedule: the retry middleware backs off, the broker
			// redelivers after AckWait if the budget runs out here.
			metrics.StageDeadlineExceeded.WithLabelValues(s.name).Inc()
			metrics.StageRetries.WithLabelValues(s.name).Inc()
			s.recordRetry(msg)
			return nil, broker.NewRetryableError("processing deadline exceeded", err)

		case broker.IsPermanentError(err):
			// Malformed input: dead-letter and ack. Retrying cannot fix it.
			s.deadLetter(msg, err)
			return nil, nil

		default:
			metrics.StageRetries.WithLabelValues(s.name).Inc()
			s.recordRetry(msg)
			return nil, err
		}
	}
}

// deadLetter persists the poisoned message and marks the audio failed.
// Best effort: storage errors are logged, never propagated, so a broken
// dead-letter path cannot wedge the stage.
func (s *Stage) deadLetter(msg *message.Message, cause error) {
	category := broker.CategoryOf(cause)
	metrics.DeadLetterTotal.WithLabelValues(s.name, category.String()).Inc()

	// Detached context: the handler deadline may already be expired.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	audioID := msg.Metadata.Get(broker.MetaAudioID)
	sensorID := msg.Metadata.Get(broker.MetaSensorID)

	dl := &models.DeadLetter{
		MessageUUID: msg.UUID,
		Topic:       s.topic,
		AudioID:     audioID,
		SensorID:    sensorID,
		Payload:     msg.Payload,
		Error:       cause.Error(),
		Category:    category.String(),
	}
	if err := s.deadLetters.InsertDeadLetter(ctx, dl); err != nil {
		logging.Error().Err(err).
			Str("message_uuid", msg.UUID).
			Str("stage", s.name).
			Msg("Failed to persist dead letter")
	}

	if audioID != "" {
		st := models.NewProcessingStatus(audioID, sensorID)
		st.MarkFailed(cause)
		if err := s.statuses.UpsertProcessingStatus(ctx, st); err != nil {
			logging.Error().Err(err).
				Str("audio_id", audioID).
				Msg("Failed to record failed status")
		}
	}

	logging.Warn().
		Str("message_uuid", msg.UUID).
		Str("stage", s.name).
		Str("category", category.String()).
		Err(cause).
		Msg("Message dead-lettered")
}

// recordStatus upserts pipeline progress for an audio message. The record
// is built through the stage transition rules so a stale redelivery can
// never move a finished message backwards. Best effort.
func (s *Stage) recordStatus(ctx context.Context, audioID, sensorID string) {
	st, err := models.NewStageStatus(audioID, sensorID, s.stage)
	if err != nil {
		logging.Error().Err(err).
			Str("audio_id", audioID).
			Str("stage", s.name).
			Msg("Failed to build processing status")
		return
	}
	if err := s.statuses.UpsertProcessingStatus(ctx, st); err != nil {
		logging.Error().Err(err).
			Str("audio_id", audioID).
			Str("stage", s.name).
			Msg("Failed to record processing status")
	}
}

// recordRetry bumps the retry counter for the message's audio record
// before the retry middleware redelivers it. Best effort.
func (s *Stage) recordRetry(msg *message.Message) {
	audioID := msg.Metadata.Get(broker.MetaAudioID)
	if audioID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.statuses.RecordRetry(ctx, audioID); err != nil {
		logging.Error().Err(err).
			Str("audio_id", audioID).
			Str("stage", s.name).
			Msg("Failed to record retry")
	}
}

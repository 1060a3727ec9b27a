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
	"github.com/resonance-pipeline/resonance/internal/models"
)

// AudioStore persists raw audio messages.
type AudioStore interface {
	InsertAudio(ctx context.Context, audio *models.AudioMessage) (bool, error)
}

// FeatureAStore persists first-stage feature records.
type FeatureAStore interface {
	InsertFeatureA(ctx context.Context, rec *models.FeatureARecord) (bool, error)
}

// FeatureAHandler consumes audio-stream, persists the raw message, runs
// Algorithm A, and publishes the feature record to features-a-stream.
type FeatureAHandler struct {
	stage *Stage
	algo  *AlgorithmA
	codec *broker.Codec
	audio AudioStore
}

// NewFeatureAHandler builds the first stage handler.
func NewFeatureAHandler(
	deadline time.Duration,
	audio AudioStore,
	statuses StatusStore,
	deadLetters DeadLetterStore,
) *FeatureAHandler {
	return &FeatureAHandler{
		stage: NewStage("algorithm_a", models.StageAlgorithmA, broker.TopicAudioStream,
			deadline, statuses, deadLetters),
		algo:  NewAlgorithmA(),
		codec: broker.NewCodec(),
		audio: audio,
	}
}

// Handler returns the Watermill handler function for router registration.
func (h *FeatureAHandler) Handler() message.HandlerFunc {
	return h.stage.Wrap(h.process)
}

func (h *FeatureAHandler) process(msg *message.Message) ([]*message.Message, error) {
	ctx := msg.Context()

	audio, err := h.codec.DecodeAudio(msg)
	if err != nil {
		return nil, err // PermanentError: dead-lettered by the stage wrapper
	}

	inserted, err := h.audio.InsertAudio(ctx, audio)
	if err != nil {
		return nil, broker.NewRetryableError("store audio", err)
	}
	if !inserted {
		logging.Ctx(ctx).Debug().
			Str("audio_id", audio.AudioID).
			Msg("Duplicate audio message, reprocessing for downstream idempotence")
	}

	rec := h.algo.Extract(audio)
	if err := ctx.Err(); err != nil {
		return nil, err // Deadline hit during extraction
	}

	out, err := h.codec.EncodeFeatureA(rec)
	if err != nil {
		return nil, broker.NewPermanentError("encode feature record", err)
	}
	out.SetContext(ctx)

	h.stage.recordStatus(ctx, audio.AudioID, audio.SensorID)

	logging.Ctx(ctx).Debug().
		Str("audio_id", audio.AudioID).
		Str("feature_id", rec.FeatureID).
		Float64("processing_time_ms", rec.ProcessingTimeMS).
		Msg("Features extracted")

	return []*message.Message{out}, nil
}

// FeatureBHandler consumes features-a-stream, persists the stage A record,
// runs Algorithm B, and publishes the enhanced record to features-b-stream.
type FeatureBHandler struct {
	stage    *Stage
	algo     *AlgorithmB
	codec    *broker.Codec
	features FeatureAStore
}

// NewFeatureBHandler builds the second stage handler.
func NewFeatureBHandler(
	deadline time.Duration,
	features FeatureAStore,
	statuses StatusStore,
	deadLetters DeadLetterStore,
) *FeatureBHandler {
	return &FeatureBHandler{
		stage: NewStage("algorithm_b", models.StageAlgorithmB, broker.TopicFeaturesA,
			deadline, statuses, deadLetters),
		algo:     NewAlgorithmB(),
		codec:    broker.NewCodec(),
		features: features,
	}
}

// Handler returns the Watermill handler function for router registration.
func (h *FeatureBHandler) Handler() message.HandlerFunc {
	return h.stage.Wrap(h.process)
}

func (h *FeatureBHandler) process(msg *message.Message) ([]*message.Message, error) {
	ctx := msg.Context()

	src, err := h.codec.DecodeFeatureA(msg)
	if err != nil {
		return nil, err
	}

	if _, err := h.features.InsertFeatureA(ctx, src); err != nil {
		return nil, broker.NewRetryableError("store feature record", err)
	}

	rec := h.algo.Enhance(src)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := h.codec.EncodeFeatureB(rec)
	if err != nil {
		return nil, broker.NewPermanentError("encode enhanced record", err)
	}
	out.SetContext(ctx)

	h.stage.recordStatus(ctx, src.AudioID, src.SensorID)

	logging.Ctx(ctx).Debug().
		Str("audio_id", src.AudioID).
		Str("feature_id", rec.FeatureID).
		Str("classification", rec.Classification).
		Float64("quality_score", rec.QualityScore).
		Msg("Features enhanced")

	return []*message.Message{out}, nil
}

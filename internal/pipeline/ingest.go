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

// AudioPublisher publishes encoded messages to the broker.
type AudioPublisher interface {
	Publish(ctx context.Context, topic string, msg *message.Message) error
}

// Ingestor accepts audio messages from sensors, validates their shape, and
// forwards them onto the audio stream. It is the entry point of the
// pipeline; everything downstream consumes from the broker.
type Ingestor struct {
	codec    *broker.Codec
	pub      AudioPublisher
	statuses StatusStore
}

// NewIngestor creates the ingestion component.
func NewIngestor(pub AudioPublisher, statuses StatusStore) *Ingestor {
	return &Ingestor{
		codec:    broker.NewCodec(),
		pub:      pub,
		statuses: statuses,
	}
}

// Ingest validates and publishes one audio message. Messages without an
// AudioID are assigned one. A validation failure is returned as a
// PermanentError; a publish failure surfaces the broker's retryable error
// so callers can distinguish rejection from unavailability.
func (i *Ingestor) Ingest(ctx context.Context, audio *models.AudioMessage) error {
	if audio.AudioID == "" {
		assigned := models.NewAudioMessage(audio.SensorID)
		audio.AudioID = assigned.AudioID
	}
	if audio.SchemaVersion == 0 {
		audio.SchemaVersion = models.SchemaVersion
	}
	if audio.Timestamp.IsZero() {
		audio.Timestamp = time.Now().UTC()
	}

	if err := audio.Validate(); err != nil {
		return broker.NewPermanentError("audio message rejected", err)
	}

	msg, err := i.codec.EncodeAudio(audio)
	if err != nil {
		return err
	}

	if err := i.pub.Publish(ctx, broker.TopicAudioStream, msg); err != nil {
		return err
	}

	// Status is recorded after the broker ack so a failed publish leaves
	// no orphan lifecycle row. Best effort.
	st := models.NewProcessingStatus(audio.AudioID, audio.SensorID)
	if err := i.statuses.UpsertProcessingStatus(ctx, st); err != nil {
		logging.Error().Err(err).
			Str("audio_id", audio.AudioID).
			Msg("Failed to record received status")
	}

	logging.Debug().
		Str("audio_id", audio.AudioID).
		Str("sensor_id", audio.SensorID).
		Int("payload_bytes", len(audio.Payload)).
		Msg("Audio message ingested")
	return nil
}

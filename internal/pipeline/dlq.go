// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package pipeline

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/logging"
	"github.com/resonance-pipeline/resonance/internal/metrics"
	"github.com/resonance-pipeline/resonance/internal/models"
)

// DLQConsumer drains the poison topic into the dead_letters table so
// messages poisoned by the router middleware (retries exhausted) are
// inspectable through the API, same as handler-classified failures.
type DLQConsumer struct {
	store    DeadLetterStore
	statuses StatusStore
}

// NewDLQConsumer builds the dead-letter consumer.
func NewDLQConsumer(store DeadLetterStore, statuses StatusStore) *DLQConsumer {
	return &DLQConsumer{store: store, statuses: statuses}
}

// Handler returns the consumer handler for router registration.
// It never returns an error: a dead-letter that cannot be persisted is
// logged and acked, because nacking it would just cycle it through the
// poison topic again.
func (c *DLQConsumer) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// The poison queue middleware records the failure on the message.
		reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
		if reason == "" {
			reason = "retries exhausted"
		}
		sourceTopic := msg.Metadata.Get(middleware.PoisonedTopicKey)

		audioID := msg.Metadata.Get(broker.MetaAudioID)
		sensorID := msg.Metadata.Get(broker.MetaSensorID)

		category := broker.ErrorCategoryUnknown.String()
		metrics.DeadLetterTotal.WithLabelValues("router", category).Inc()

		dl := &models.DeadLetter{
			MessageUUID: msg.UUID,
			Topic:       sourceTopic,
			AudioID:     audioID,
			SensorID:    sensorID,
			Payload:     msg.Payload,
			Error:       reason,
			Category:    category,
		}
		if err := c.store.InsertDeadLetter(ctx, dl); err != nil {
			logging.Error().Err(err).
				Str("message_uuid", msg.UUID).
				Msg("Failed to persist poisoned message")
			return nil
		}

		if audioID != "" {
			st := models.NewProcessingStatus(audioID, sensorID)
			st.MarkFailed(nil)
			st.LastError = reason
			if err := c.statuses.UpsertProcessingStatus(ctx, st); err != nil {
				logging.Error().Err(err).
					Str("audio_id", audioID).
					Msg("Failed to record failed status for poisoned message")
			}
		}

		logging.Warn().
			Str("message_uuid", msg.UUID).
			Str("source_topic", sourceTopic).
			Str("reason", reason).
			Msg("Poisoned message persisted")

		return nil
	}
}

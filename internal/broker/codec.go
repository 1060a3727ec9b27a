// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package broker

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/resonance-pipeline/resonance/internal/models"
)

// Message metadata keys carried alongside payloads.
const (
	MetaSensorID      = "sensor_id"
	MetaAudioID       = "audio_id"
	MetaSchemaVersion = "schema_version"
)

// Codec handles record encoding and decoding for broker messages.
// Payloads are JSON; identity fields are duplicated into message metadata so
// middleware can route and log without deserializing.
type Codec struct{}

// NewCodec creates a new codec.
func NewCodec() *Codec {
	return &Codec{}
}

// EncodeAudio converts an audio message into a broker message.
// The audio ID becomes the message UUID, which JetStream uses for
// broker-level deduplication.
func (c *Codec) EncodeAudio(audio *models.AudioMessage) (*message.Message, error) {
	if err := audio.Validate(); err != nil {
		return nil, fmt.Errorf("validate audio message: %w", err)
	}

	data, err := json.Marshal(audio)
	if err != nil {
		return nil, fmt.Errorf("marshal audio message: %w", err)
	}

	msg := message.NewMessage(audio.AudioID, data)
	msg.Metadata.Set(MetaAudioID, audio.AudioID)
	msg.Metadata.Set(MetaSensorID, audio.SensorID)
	msg.Metadata.Set(MetaSchemaVersion, fmt.Sprintf("%d", audio.SchemaVersion))
	return msg, nil
}

// DecodeAudio converts a broker message back into an audio message.
func (c *Codec) DecodeAudio(msg *message.Message) (*models.AudioMessage, error) {
	var audio models.AudioMessage
	if err := json.Unmarshal(msg.Payload, &audio); err != nil {
		return nil, NewPermanentError("malformed audio payload", err)
	}
	if err := audio.Validate(); err != nil {
		return nil, NewPermanentError("invalid audio message", err)
	}
	return &audio, nil
}

// EncodeFeatureA converts a first-stage feature record into a broker message.
func (c *Codec) EncodeFeatureA(rec *models.FeatureARecord) (*message.Message, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("validate feature record: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal feature record: %w", err)
	}

	msg := message.NewMessage(rec.FeatureID, data)
	msg.Metadata.Set(MetaAudioID, rec.AudioID)
	msg.Metadata.Set(MetaSensorID, rec.SensorID)
	return msg, nil
}

// DecodeFeatureA converts a broker message back into a feature record.
func (c *Codec) DecodeFeatureA(msg *message.Message) (*models.FeatureARecord, error) {
	var rec models.FeatureARecord
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		return nil, NewPermanentError("malformed feature payload", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, NewPermanentError("invalid feature record", err)
	}
	return &rec, nil
}

// EncodeFeatureB converts an enhanced feature record into a broker message.
func (c *Codec) EncodeFeatureB(rec *models.FeatureBRecord) (*message.Message, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("validate enhanced record: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal enhanced record: %w", err)
	}

	msg := message.NewMessage(rec.FeatureID, data)
	msg.Metadata.Set(MetaAudioID, rec.AudioID)
	msg.Metadata.Set(MetaSensorID, rec.SensorID)
	return msg, nil
}

// DecodeFeatureB converts a broker message back into an enhanced feature record.
func (c *Codec) DecodeFeatureB(msg *message.Message) (*models.FeatureBRecord, error) {
	var rec models.FeatureBRecord
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		return nil, NewPermanentError("malformed enhanced payload", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, NewPermanentError("invalid enhanced record", err)
	}
	return &rec, nil
}

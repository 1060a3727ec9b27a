// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package models

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current message schema version.
// Increment this when making breaking changes to AudioMessage.
const SchemaVersion = 1

// MaxPayloadBytes is the upper bound on the audio payload carried by a
// single message. Larger captures must be chunked by the sensor.
const MaxPayloadBytes = 1 << 20 // 1MiB

// AudioFormat identifies the container/encoding of an audio payload.
type AudioFormat string

// Supported audio formats.
const (
	FormatWAV  AudioFormat = "wav"
	FormatFLAC AudioFormat = "flac"
	FormatOGG  AudioFormat = "ogg"
	FormatPCM  AudioFormat = "pcm"
)

// Valid reports whether the format is one of the supported values.
func (f AudioFormat) Valid() bool {
	switch f {
	case FormatWAV, FormatFLAC, FormatOGG, FormatPCM:
		return true
	}
	return false
}

// AudioMessage is the canonical inbound message produced by sensors.
// It is immutable once published; every downstream stage treats it as
// read-only. Payload travels base64-encoded on the wire (JSON []byte).
type AudioMessage struct {
	// Schema version for forward/backward compatibility
	SchemaVersion int `json:"schema_version,omitempty"`

	// Identification
	AudioID   string    `json:"audio_id"`
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`

	// Capture parameters
	Payload    []byte      `json:"payload"`
	SampleRate int         `json:"sample_rate"`
	Duration   float64     `json:"duration"`
	Format     AudioFormat `json:"format"`

	// Raw payload metadata for debugging and future fields
	RawMetadata json.RawMessage `json:"raw_metadata,omitempty"`
}

// NewAudioMessage creates a message with a unique ID, timestamp, and
// schema version for the given sensor.
func NewAudioMessage(sensorID string) *AudioMessage {
	return &AudioMessage{
		SchemaVersion: SchemaVersion,
		AudioID:       uuid.New().String(),
		SensorID:      sensorID,
		Timestamp:     time.Now().UTC(),
	}
}

// Validate checks required fields and payload bounds.
// A message that fails validation is dead-lettered, never retried.
func (m *AudioMessage) Validate() error {
	if m.AudioID == "" {
		return &ValidationError{Field: "audio_id", Message: "required"}
	}
	if m.SensorID == "" {
		return &ValidationError{Field: "sensor_id", Message: "required"}
	}
	if strings.ContainsRune(m.SensorID, ':') {
		// ':' delimits cache key segments; allowing it would let one
		// sensor's records leak into another's prefix scan.
		return &ValidationError{Field: "sensor_id", Message: "must not contain ':'"}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	if len(m.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "required"}
	}
	if len(m.Payload) > MaxPayloadBytes {
		return &ValidationError{Field: "payload", Message: "exceeds 1MiB limit"}
	}
	if m.SampleRate <= 0 {
		return &ValidationError{Field: "sample_rate", Message: "must be positive"}
	}
	if m.Duration < 0 {
		return &ValidationError{Field: "duration", Message: "must be non-negative"}
	}
	if !m.Format.Valid() {
		return &ValidationError{Field: "format", Message: "unsupported format"}
	}
	return nil
}

// PartitionKey returns the routing key used for per-sensor ordering.
// Messages with the same key are routed to the same consumer where possible.
func (m *AudioMessage) PartitionKey() string {
	return m.SensorID
}

// ValidationError describes a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "validation failed: " + e.Field + ": " + e.Message
}

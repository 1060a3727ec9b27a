// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package models

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func validAudioMessage() *AudioMessage {
	return &AudioMessage{
		SchemaVersion: SchemaVersion,
		AudioID:       "audio-001",
		SensorID:      "sensor-01",
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:       []byte{0x00, 0x01, 0x02, 0x03},
		SampleRate:    44100,
		Duration:      0.5,
		Format:        FormatWAV,
	}
}

func TestNewAudioMessage(t *testing.T) {
	msg := NewAudioMessage("sensor-42")

	if msg.AudioID == "" {
		t.Error("NewAudioMessage() did not assign an audio ID")
	}
	if msg.SensorID != "sensor-42" {
		t.Errorf("SensorID = %q, want %q", msg.SensorID, "sensor-42")
	}
	if msg.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", msg.SchemaVersion, SchemaVersion)
	}
	if msg.Timestamp.IsZero() {
		t.Error("NewAudioMessage() did not set a timestamp")
	}

	other := NewAudioMessage("sensor-42")
	if msg.AudioID == other.AudioID {
		t.Error("two messages share the same audio ID")
	}
}

func TestAudioMessageValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*AudioMessage)
		wantField string
	}{
		{
			name:   "valid message",
			mutate: func(*AudioMessage) {},
		},
		{
			name:      "missing audio_id",
			mutate:    func(m *AudioMessage) { m.AudioID = "" },
			wantField: "audio_id",
		},
		{
			name:      "missing sensor_id",
			mutate:    func(m *AudioMessage) { m.SensorID = "" },
			wantField: "sensor_id",
		},
		{
			name:      "sensor_id with colon",
			mutate:    func(m *AudioMessage) { m.SensorID = "a:b" },
			wantField: "sensor_id",
		},
		{
			name:      "zero timestamp",
			mutate:    func(m *AudioMessage) { m.Timestamp = time.Time{} },
			wantField: "timestamp",
		},
		{
			name:      "empty payload",
			mutate:    func(m *AudioMessage) { m.Payload = nil },
			wantField: "payload",
		},
		{
			name:      "oversized payload",
			mutate:    func(m *AudioMessage) { m.Payload = make([]byte, MaxPayloadBytes+1) },
			wantField: "payload",
		},
		{
			name:   "payload at limit",
			mutate: func(m *AudioMessage) { m.Payload = make([]byte, MaxPayloadBytes) },
		},
		{
			name:      "zero sample rate",
			mutate:    func(m *AudioMessage) { m.SampleRate = 0 },
			wantField: "sample_rate",
		},
		{
			name:      "negative duration",
			mutate:    func(m *AudioMessage) { m.Duration = -1 },
			wantField: "duration",
		},
		{
			name:      "unknown format",
			mutate:    func(m *AudioMessage) { m.Format = "mp3" },
			wantField: "format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validAudioMessage()
			tt.mutate(msg)

			err := msg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Validate() error type = %T, want *ValidationError", err)
			}
			if vErr.Field != tt.wantField {
				t.Errorf("Validate() field = %q, want %q", vErr.Field, tt.wantField)
			}
		})
	}
}

func TestAudioFormatValid(t *testing.T) {
	for _, f := range []AudioFormat{FormatWAV, FormatFLAC, FormatOGG, FormatPCM} {
		if !f.Valid() {
			t.Errorf("Valid() = false for supported format %q", f)
		}
	}
	for _, f := range []AudioFormat{"", "mp3", "WAV"} {
		if f.Valid() {
			t.Errorf("Valid() = true for unsupported format %q", f)
		}
	}
}

func TestAudioMessagePartitionKey(t *testing.T) {
	msg := validAudioMessage()
	if got := msg.PartitionKey(); got != msg.SensorID {
		t.Errorf("PartitionKey() = %q, want %q", got, msg.SensorID)
	}
}

func TestAudioMessageJSONPayload(t *testing.T) {
	msg := validAudioMessage()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded AudioMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Errorf("payload round trip = %v, want %v", decoded.Payload, msg.Payload)
	}
	if decoded.Format != FormatWAV {
		t.Errorf("format round trip = %q, want %q", decoded.Format, FormatWAV)
	}
}

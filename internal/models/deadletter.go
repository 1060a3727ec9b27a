// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package models

import "time"

// DeadLetter is a message that exhausted all retries and was routed to the
// dead-letter topic. Persisted for operator inspection rather than dropped.
type DeadLetter struct {
	MessageUUID string    `json:"message_uuid"`
	Topic       string    `json:"topic"`
	AudioID     string    `json:"audio_id,omitempty"`
	SensorID    string    `json:"sensor_id,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	Error       string    `json:"error"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
}

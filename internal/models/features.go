// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// FeatureValue holds either a scalar or a vector feature.
// The JSON form is a bare number or an array of numbers, matching the
// inbound contract: {"spectral_centroid": 2500, "mfcc": [1, 2, 3]}.
type FeatureValue struct {
	Scalar float64
	Vector []float64
}

// ScalarValue creates a scalar feature value.
func ScalarValue(v float64) FeatureValue {
	return FeatureValue{Scalar: v}
}

// VectorValue creates a vector feature value.
func VectorValue(v []float64) FeatureValue {
	return FeatureValue{Vector: v}
}

// IsVector reports whether the value carries a vector.
func (v FeatureValue) IsVector() bool {
	return v.Vector != nil
}

// MarshalJSON emits a bare number for scalars and an array for vectors.
func (v FeatureValue) MarshalJSON() ([]byte, error) {
	if v.Vector != nil {
		return json.Marshal(v.Vector)
	}
	return json.Marshal(v.Scalar)
}

// UnmarshalJSON accepts either a number or an array of numbers.
func (v *FeatureValue) UnmarshalJSON(data []byte) error {
	var vec []float64
	if err := json.Unmarshal(data, &vec); err == nil {
		v.Vector = vec
		v.Scalar = 0
		return nil
	}

	var scalar float64
	if err := json.Unmarshal(data, &scalar); err != nil {
		return fmt.Errorf("feature value must be number or array: %w", err)
	}
	v.Scalar = scalar
	v.Vector = nil
	return nil
}

// FeatureMap is the set of named features extracted from one message.
type FeatureMap map[string]FeatureValue

// Scalar returns the named scalar feature, or 0 when absent.
func (m FeatureMap) Scalar(name string) float64 {
	return m[name].Scalar
}

// Vector returns the named vector feature, or nil when absent.
func (m FeatureMap) Vector(name string) []float64 {
	return m[name].Vector
}

// FeatureARecord is the output of the Algorithm A stage. It is created
// once by the worker that processed the audio message, published, and
// never mutated afterwards.
type FeatureARecord struct {
	FeatureID        string     `json:"feature_id"`
	AudioID          string     `json:"audio_id"`
	SensorID         string     `json:"sensor_id"`
	Timestamp        time.Time  `json:"timestamp"`
	Features         FeatureMap `json:"features"`
	ProcessingTimeMS float64    `json:"processing_time_ms"`
}

// NewFeatureARecord creates a record with a generated feature ID,
// carrying the identity of the source audio message.
func NewFeatureARecord(msg *AudioMessage) *FeatureARecord {
	return &FeatureARecord{
		FeatureID: uuid.New().String(),
		AudioID:   msg.AudioID,
		SensorID:  msg.SensorID,
		Timestamp: msg.Timestamp,
		Features:  make(FeatureMap),
	}
}

// Validate checks required fields.
func (r *FeatureARecord) Validate() error {
	if r.FeatureID == "" {
		return &ValidationError{Field: "feature_id", Message: "required"}
	}
	if r.SensorID == "" {
		return &ValidationError{Field: "sensor_id", Message: "required"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	if len(r.Features) == 0 {
		return &ValidationError{Field: "features", Message: "required"}
	}
	if r.ProcessingTimeMS < 0 {
		return &ValidationError{Field: "processing_time_ms", Message: "must be non-negative"}
	}
	return nil
}

// PartitionKey returns the routing key used for per-sensor ordering.
func (r *FeatureARecord) PartitionKey() string {
	return r.SensorID
}

// FeatureBRecord is the output of the Algorithm B stage: enhanced
// features plus a quality score. SourceFeatureID references the
// FeatureARecord it was derived from; the reference is best-effort and
// the pipeline does not block on verifying it.
type FeatureBRecord struct {
	FeatureID        string     `json:"feature_id"`
	SourceFeatureID  string     `json:"source_feature_id"`
	AudioID          string     `json:"audio_id"`
	SensorID         string     `json:"sensor_id"`
	Timestamp        time.Time  `json:"timestamp"`
	EnhancedFeatures FeatureMap `json:"enhanced_features"`
	Classification   string     `json:"classification,omitempty"`
	QualityScore     float64    `json:"quality_score"`
	ProcessingTimeMS float64    `json:"processing_time_ms"`
}

// NewFeatureBRecord creates a record derived from a FeatureARecord.
func NewFeatureBRecord(src *FeatureARecord) *FeatureBRecord {
	return &FeatureBRecord{
		FeatureID:        uuid.New().String(),
		SourceFeatureID:  src.FeatureID,
		AudioID:          src.AudioID,
		SensorID:         src.SensorID,
		Timestamp:        src.Timestamp,
		EnhancedFeatures: make(FeatureMap),
	}
}

// SetQualityScore stores the score clamped to [0, 1]. The invariant
// holds regardless of what the enhancement computed.
func (r *FeatureBRecord) SetQualityScore(score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	r.QualityScore = score
}

// Validate checks required fields and the quality score range.
func (r *FeatureBRecord) Validate() error {
	if r.FeatureID == "" {
		return &ValidationError{Field: "feature_id", Message: "required"}
	}
	if r.SourceFeatureID == "" {
		return &ValidationError{Field: "source_feature_id", Message: "required"}
	}
	if r.SensorID == "" {
		return &ValidationError{Field: "sensor_id", Message: "required"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	if len(r.EnhancedFeatures) == 0 {
		return &ValidationError{Field: "enhanced_features", Message: "required"}
	}
	if r.QualityScore < 0 || r.QualityScore > 1 {
		return &ValidationError{Field: "quality_score", Message: "must be in [0,1]"}
	}
	return nil
}

// PartitionKey returns the routing key used for per-sensor ordering.
func (r *FeatureBRecord) PartitionKey() string {
	return r.SensorID
}

// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package models

import (
	"time"
)

// APIResponse is the standardized response envelope used by all HTTP
// endpoints. It provides consistent structure for both successful and
// error responses, with metadata for observability and caching.
//
// Status field values:
//   - "success": Request completed successfully, see Data field
//   - "error": Request failed, see Error field for details
//
// Example successful response:
//
//	{
//	  "status": "success",
//	  "data": [...],
//	  "count": 20,
//	  "metadata": {
//	    "timestamp": "2026-08-30T12:00:00Z",
//	    "query_time_ms": 12,
//	    "cached": true
//	  }
//	}
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Count    *int        `json:"count,omitempty"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata contains response metadata for observability and performance
// tracking. Cached responses report QueryTimeMS of 0 and Cached true.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	QueryTimeMS int64     `json:"query_time_ms,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
}

// APIError carries structured error details. Clients receive a stable
// machine-readable code and a human-readable message; internal error
// detail never leaves the process.
//
// Common error codes:
//   - VALIDATION_ERROR: Invalid input parameters
//   - DATABASE_ERROR: Query execution failure
//   - AUTHENTICATION_ERROR: Invalid/missing credentials
//   - NOT_FOUND: Resource doesn't exist
//   - RATE_LIMIT_EXCEEDED: Too many requests
//   - SERVICE_ERROR: Dependency unavailable
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RealTimeQuery are the parameters of the real-time feature endpoint.
// Sensor IDs may not contain ':', which delimits cache key segments.
type RealTimeQuery struct {
	SensorID string `json:"sensor_id" validate:"required,max=128,excludesall=:"`
	Limit    int    `json:"limit" validate:"gte=0,lte=1000"`
}

// HistoricalQuery is the body of the historical feature endpoint.
// StartTime after EndTime yields an empty result set, not an error.
type HistoricalQuery struct {
	SensorID  string    `json:"sensor_id" validate:"required,max=128,excludesall=:"`
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required"`
	Page      int       `json:"page" validate:"gte=0"`
	Limit     int       `json:"limit" validate:"gte=0,lte=1000"`
}

// LoginRequest is the body of the login endpoint.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=256"`
}

// PipelineStats summarizes pipeline progress for the stats endpoint.
type PipelineStats struct {
	AudioReceived   int64 `json:"audio_received"`
	FeaturesA       int64 `json:"features_a"`
	FeaturesB       int64 `json:"features_b"`
	Stored          int64 `json:"stored"`
	Failed          int64 `json:"failed"`
	DistinctSensors int64 `json:"distinct_sensors"`
}

// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package models

import (
	"fmt"
	"time"
)

// Stage identifies the pipeline stage an audio message has reached.
type Stage string

// Pipeline stages in processing order. StageFailed is terminal and
// reachable from any non-terminal stage.
const (
	StageReceived   Stage = "received"
	StageAlgorithmA Stage = "algorithm_a"
	StageAlgorithmB Stage = "algorithm_b"
	StageStored     Stage = "stored"
	StageFailed     Stage = "failed"
)

// stageRank orders stages for the monotonicity check. Terminal failure
// carries no rank.
var stageRank = map[Stage]int{
	StageReceived:   0,
	StageAlgorithmA: 1,
	StageAlgorithmB: 2,
	StageStored:     3,
}

// Valid reports whether the stage is a known value.
func (s Stage) Valid() bool {
	if s == StageFailed {
		return true
	}
	_, ok := stageRank[s]
	return ok
}

// Status is the per-stage processing state.
type Status string

// Processing states within a stage.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ProcessingStatus is the lifecycle record for one AudioMessage. It is
// the only mutable entity in the pipeline, owned by whichever stage is
// currently active and updated transactionally with that stage's
// terminal action (publish-success or persist-success).
type ProcessingStatus struct {
	AudioID    string    `json:"audio_id"`
	SensorID   string    `json:"sensor_id"`
	Stage      Stage     `json:"stage"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewProcessingStatus creates the initial lifecycle record for a message.
func NewProcessingStatus(audioID, sensorID string) *ProcessingStatus {
	return &ProcessingStatus{
		AudioID:   audioID,
		SensorID:  sensorID,
		Stage:     StageReceived,
		Status:    StatusPending,
		UpdatedAt: time.Now().UTC(),
	}
}

// NewStageStatus creates a lifecycle record already advanced to the
// given stage, walking every intermediate transition through Advance so
// the monotonic ordering is enforced for reconstructed records too.
func NewStageStatus(audioID, sensorID string, stage Stage) (*ProcessingStatus, error) {
	p := NewProcessingStatus(audioID, sensorID)
	target, ok := stageRank[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	for _, next := range []Stage{StageAlgorithmA, StageAlgorithmB, StageStored} {
		if stageRank[next] > target {
			break
		}
		if err := p.Advance(next); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Advance moves the record to the next stage. Transitions must be
// monotonic (received -> algorithm_a -> algorithm_b -> stored); any
// attempt to move backwards or skip the order is rejected.
func (p *ProcessingStatus) Advance(next Stage) error {
	if p.Terminal() {
		return fmt.Errorf("status for %s is terminal (%s)", p.AudioID, p.Stage)
	}
	if next == StageFailed {
		p.Stage = StageFailed
		p.Status = StatusFailed
		p.UpdatedAt = time.Now().UTC()
		return nil
	}

	cur, ok := stageRank[p.Stage]
	if !ok {
		return fmt.Errorf("unknown current stage %q", p.Stage)
	}
	nxt, ok := stageRank[next]
	if !ok {
		return fmt.Errorf("unknown stage %q", next)
	}
	if nxt != cur+1 {
		return fmt.Errorf("illegal stage transition %s -> %s", p.Stage, next)
	}

	p.Stage = next
	p.Status = StatusProcessing
	if next == StageStored {
		p.Status = StatusCompleted
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed transitions to the terminal failed stage, recording the
// cause for later inspection.
func (p *ProcessingStatus) MarkFailed(cause error) {
	p.Stage = StageFailed
	p.Status = StatusFailed
	if cause != nil {
		p.LastError = cause.Error()
	}
	p.UpdatedAt = time.Now().UTC()
}

// RecordRetry increments the retry counter. Retries only happen on a
// stage's failure-and-retry, never on clean transitions.
func (p *ProcessingStatus) RecordRetry() {
	p.RetryCount++
	p.Status = StatusPending
	p.UpdatedAt = time.Now().UTC()
}

// Terminal reports whether the record can no longer change stage.
func (p *ProcessingStatus) Terminal() bool {
	return p.Stage == StageFailed || p.Stage == StageStored
}

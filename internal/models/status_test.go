// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package models

import (
	"errors"
	"testing"
)

func TestNewProcessingStatus(t *testing.T) {
	st := NewProcessingStatus("a-1", "s-1")

	if st.Stage != StageReceived {
		t.Errorf("Stage = %q, want %q", st.Stage, StageReceived)
	}
	if st.Status != StatusPending {
		t.Errorf("Status = %q, want %q", st.Status, StatusPending)
	}
	if st.Terminal() {
		t.Error("fresh status reports terminal")
	}
}

func TestProcessingStatusAdvance(t *testing.T) {
	t.Run("full forward path", func(t *testing.T) {
		st := NewProcessingStatus("a-1", "s-1")

		steps := []struct {
			next       Stage
			wantStatus Status
		}{
			{StageAlgorithmA, StatusProcessing},
			{StageAlgorithmB, StatusProcessing},
			{StageStored, StatusCompleted},
		}
		for _, step := range steps {
			if err := st.Advance(step.next); err != nil {
				t.Fatalf("Advance(%s) error = %v", step.next, err)
			}
			if st.Stage != step.next {
				t.Errorf("Stage = %q, want %q", st.Stage, step.next)
			}
			if st.Status != step.wantStatus {
				t.Errorf("Status after %s = %q, want %q", step.next, st.Status, step.wantStatus)
			}
		}
		if !st.Terminal() {
			t.Error("stored status is not terminal")
		}
	})

	t.Run("rejects skipping a stage", func(t *testing.T) {
		st := NewProcessingStatus("a-1", "s-1")
		if err := st.Advance(StageAlgorithmB); err == nil {
			t.Error("Advance(algorithm_b) from received succeeded")
		}
	})

	t.Run("rejects moving backwards", func(t *testing.T) {
		st := NewProcessingStatus("a-1", "s-1")
		if err := st.Advance(StageAlgorithmA); err != nil {
			t.Fatalf("Advance(algorithm_a) error = %v", err)
		}
		if err := st.Advance(StageReceived); err == nil {
			t.Error("Advance(received) from algorithm_a succeeded")
		}
	})

	t.Run("failed is reachable from any stage", func(t *testing.T) {
		for _, from := range []Stage{StageReceived, StageAlgorithmA, StageAlgorithmB} {
			st := &ProcessingStatus{AudioID: "a-1", Stage: from, Status: StatusProcessing}
			if err := st.Advance(StageFailed); err != nil {
				t.Errorf("Advance(failed) from %s error = %v", from, err)
			}
			if st.Status != StatusFailed {
				t.Errorf("Status after failing from %s = %q, want %q", from, st.Status, StatusFailed)
			}
		}
	})

	t.Run("stored is terminal", func(t *testing.T) {
		st, err := NewStageStatus("a-1", "s-1", StageStored)
		if err != nil {
			t.Fatalf("NewStageStatus(stored) error = %v", err)
		}
		if err := st.Advance(StageFailed); err == nil {
			t.Error("Advance(failed) succeeded on a stored record")
		}
	})

	t.Run("failed is terminal", func(t *testing.T) {
		st := NewProcessingStatus("a-1", "s-1")
		st.MarkFailed(errors.New("boom"))
		if err := st.Advance(StageAlgorithmA); err == nil {
			t.Error("Advance() succeeded on a failed record")
		}
		if !st.Terminal() {
			t.Error("failed status is not terminal")
		}
	})
}

func TestNewStageStatus(t *testing.T) {
	tests := []struct {
		stage      Stage
		wantStatus Status
	}{
		{StageReceived, StatusPending},
		{StageAlgorithmA, StatusProcessing},
		{StageAlgorithmB, StatusProcessing},
		{StageStored, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			st, err := NewStageStatus("a-1", "s-1", tt.stage)
			if err != nil {
				t.Fatalf("NewStageStatus(%s) error = %v", tt.stage, err)
			}
			if st.Stage != tt.stage {
				t.Errorf("Stage = %q, want %q", st.Stage, tt.stage)
			}
			if st.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", st.Status, tt.wantStatus)
			}
		})
	}

	if _, err := NewStageStatus("a-1", "s-1", StageFailed); err == nil {
		t.Error("NewStageStatus(failed) succeeded")
	}
	if _, err := NewStageStatus("a-1", "s-1", Stage("compressing")); err == nil {
		t.Error("NewStageStatus with unknown stage succeeded")
	}
}

func TestMarkFailed(t *testing.T) {
	st := NewProcessingStatus("a-1", "s-1")
	st.MarkFailed(errors.New("decode error"))

	if st.Stage != StageFailed {
		t.Errorf("Stage = %q, want %q", st.Stage, StageFailed)
	}
	if st.LastError != "decode error" {
		t.Errorf("LastError = %q, want %q", st.LastError, "decode error")
	}

	st = NewProcessingStatus("a-2", "s-1")
	st.MarkFailed(nil)
	if st.LastError != "" {
		t.Errorf("LastError with nil cause = %q, want empty", st.LastError)
	}
}

func TestRecordRetry(t *testing.T) {
	st := NewProcessingStatus("a-1", "s-1")
	st.Status = StatusProcessing

	st.RecordRetry()
	st.RecordRetry()

	if st.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", st.RetryCount)
	}
	if st.Status != StatusPending {
		t.Errorf("Status after retry = %q, want %q", st.Status, StatusPending)
	}
}

func TestStageValid(t *testing.T) {
	for _, s := range []Stage{StageReceived, StageAlgorithmA, StageAlgorithmB, StageStored, StageFailed} {
		if !s.Valid() {
			t.Errorf("Valid() = false for known stage %q", s)
		}
	}
	if Stage("compressing").Valid() {
		t.Error("Valid() = true for unknown stage")
	}
}

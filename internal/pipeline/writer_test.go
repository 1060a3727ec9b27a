// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/models"
)

type fakeFeatureSink struct {
	mu   sync.Mutex
	recs []*models.FeatureBRecord
	err  error
}

func (f *fakeFeatureSink) Put(_ context.Context, rec *models.FeatureBRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	recs []*models.FeatureBRecord
}

func (f *fakeBroadcaster) BroadcastFeature(rec *models.FeatureBRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func encodedFeatureBMessage(t *testing.T) *message.Message {
	t.Helper()
	src := &models.FeatureARecord{
		FeatureID: "feat-a-1",
		AudioID:   "audio-001",
		SensorID:  "sensor-01",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Features:  models.FeatureMap{"rms": models.ScalarValue(0.3)},
	}
	rec := models.NewFeatureBRecord(src)
	rec.EnhancedFeatures = models.FeatureMap{"rms": models.ScalarValue(0.3)}
	rec.Classification = ClassSpeech
	rec.SetQualityScore(0.9)

	msg, err := broker.NewCodec().EncodeFeatureB(rec)
	if err != nil {
		t.Fatalf("EncodeFeatureB() error = %v", err)
	}
	return msg
}

func newTestWriter(store *fakeFeatureBStore, sink *fakeFeatureSink, bc *fakeBroadcaster, statuses *fakeStatusStore, deadLetters *fakeDeadLetterStore) *Writer {
	cfg := WriterConfig{RetryAttempts: 3, RetryDelay: time.Millisecond, Deadline: time.Second}
	var cacheSink FeatureSink
	if sink != nil {
		cacheSink = sink
	}
	var broadcaster Broadcaster
	if bc != nil {
		broadcaster = bc
	}
	return NewWriter(cfg, store, cacheSink, broadcaster, statuses, deadLetters)
}

func TestWriterCommit(t *testing.T) {
	store := &fakeFeatureBStore{inserted: true}
	sink := &fakeFeatureSink{}
	bc := &fakeBroadcaster{}
	statuses := &fakeStatusStore{}
	w := newTestWriter(store, sink, bc, statuses, &fakeDeadLetterStore{})

	if err := w.Handler()(encodedFeatureBMessage(t)); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if store.calls != 1 {
		t.Errorf("InsertFeatureB calls = %d, want 1", store.calls)
	}
	if len(sink.recs) != 1 {
		t.Errorf("cache writes = %d, want 1", len(sink.recs))
	}
	if len(bc.recs) != 1 {
		t.Errorf("broadcasts = %d, want 1", len(bc.recs))
	}

	st := statuses.last()
	if st == nil || st.Stage != models.StageStored || st.Status != models.StatusCompleted {
		t.Errorf("status = %+v, want stored/completed", st)
	}
}

func TestWriterDuplicateIsSuccess(t *testing.T) {
	store := &fakeFeatureBStore{inserted: false}
	sink := &fakeFeatureSink{}
	w := newTestWriter(store, sink, nil, &fakeStatusStore{}, &fakeDeadLetterStore{})

	if err := w.Handler()(encodedFeatureBMessage(t)); err != nil {
		t.Fatalf("duplicate commit must ack, got error %v", err)
	}
	// Cache is still refreshed so the real-time view stays warm.
	if len(sink.recs) != 1 {
		t.Errorf("cache writes = %d, want 1", len(sink.recs))
	}
}

func TestWriterRetriesThenSucceeds(t *testing.T) {
	store := &fakeFeatureBStore{inserted: true, failures: 2}
	statuses := &fakeStatusStore{}
	w := newTestWriter(store, nil, nil, statuses, &fakeDeadLetterStore{})

	if err := w.Handler()(encodedFeatureBMessage(t)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if store.calls != 3 {
		t.Errorf("InsertFeatureB calls = %d, want 3", store.calls)
	}
	if got := statuses.retryCount("audio-001"); got != 2 {
		t.Errorf("recorded retries = %d, want 2", got)
	}
}

func TestWriterRetriesExhausted(t *testing.T) {
	store := &fakeFeatureBStore{failures: 100}
	w := newTestWriter(store, nil, nil, &fakeStatusStore{}, &fakeDeadLetterStore{})

	err := w.Handler()(encodedFeatureBMessage(t))
	if err == nil {
		t.Fatal("exhausted retries must nack for redelivery")
	}
	if !broker.IsRetryableError(err) {
		t.Errorf("exhausted-retries error is not retryable: %v", err)
	}
	if store.calls != 3 {
		t.Errorf("InsertFeatureB calls = %d, want 3 (bounded by config)", store.calls)
	}
}

func TestWriterCacheFailureIsBestEffort(t *testing.T) {
	store := &fakeFeatureBStore{inserted: true}
	sink := &fakeFeatureSink{err: errors.New("badger closed")}
	w := newTestWriter(store, sink, nil, &fakeStatusStore{}, &fakeDeadLetterStore{})

	if err := w.Handler()(encodedFeatureBMessage(t)); err != nil {
		t.Errorf("cache failure must not nack the message, got %v", err)
	}
}

func TestWriterMalformedPayload(t *testing.T) {
	deadLetters := &fakeDeadLetterStore{}
	w := newTestWriter(&fakeFeatureBStore{inserted: true}, nil, nil, &fakeStatusStore{}, deadLetters)

	msg := message.NewMessage("bad-3", []byte(`{"feature_id":""}`))
	if err := w.Handler()(msg); err != nil {
		t.Fatalf("malformed payload must be acked, got error %v", err)
	}
	if deadLetters.count() != 1 {
		t.Errorf("dead letters = %d, want 1", deadLetters.count())
	}
}

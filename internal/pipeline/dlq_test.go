// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package pipeline

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/models"
)

func poisonedMessage() *message.Message {
	msg := message.NewMessage("poisoned-1", []byte(`{"audio_id":"audio-001"}`))
	msg.Metadata.Set(middleware.ReasonForPoisonedKey, "handler failed after retries")
	msg.Metadata.Set(middleware.PoisonedTopicKey, broker.TopicFeaturesA)
	msg.Metadata.Set(broker.MetaAudioID, "audio-001")
	msg.Metadata.Set(broker.MetaSensorID, "sensor-01")
	return msg
}

func TestDLQConsumerPersists(t *testing.T) {
	store := &fakeDeadLetterStore{}
	statuses := &fakeStatusStore{}
	c := NewDLQConsumer(store, statuses)

	if err := c.Handler()(poisonedMessage()); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if store.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", store.count())
	}
	dl := store.letters[0]
	if dl.Error != "handler failed after retries" {
		t.Errorf("dead letter reason = %q", dl.Error)
	}
	if dl.Topic != broker.TopicFeaturesA {
		t.Errorf("dead letter topic = %q, want source topic %q", dl.Topic, broker.TopicFeaturesA)
	}

	st := statuses.last()
	if st == nil {
		t.Fatal("no status recorded for poisoned message")
	}
	if st.Stage != models.StageFailed {
		t.Errorf("status stage = %q, want failed", st.Stage)
	}
	if st.LastError != "handler failed after retries" {
		t.Errorf("status last error = %q", st.LastError)
	}
}

func TestDLQConsumerDefaultsReason(t *testing.T) {
	store := &fakeDeadLetterStore{}
	c := NewDLQConsumer(store, &fakeStatusStore{})

	msg := message.NewMessage("poisoned-2", []byte(`{}`))
	if err := c.Handler()(msg); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", store.count())
	}
	if store.letters[0].Error != "retries exhausted" {
		t.Errorf("default reason = %q, want %q", store.letters[0].Error, "retries exhausted")
	}
}

func TestDLQConsumerStorageFailureStillAcks(t *testing.T) {
	store := &fakeDeadLetterStore{err: errors.New("disk full")}
	c := NewDLQConsumer(store, &fakeStatusStore{})

	// Nacking would cycle the message through the poison topic forever.
	if err := c.Handler()(poisonedMessage()); err != nil {
		t.Errorf("handler error = %v, want nil despite storage failure", err)
	}
}

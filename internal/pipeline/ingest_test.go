// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/resonance-pipeline/resonance/internal/broker"
	"github.com/resonance-pipeline/resonance/internal/models"
)

type fakePublisher struct {
	published []struct {
		topic string
		msg   *message.Message
	}
	err error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, msg *message.Message) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, struct {
		topic string
		msg   *message.Message
	}{topic, msg})
	return nil
}

func TestIngestorAssignsIdentity(t *testing.T) {
	pub := &fakePublisher{}
	statuses := &fakeStatusStore{}
	ing := NewIngestor(pub, statuses)

	audio := audioWithPayload([]byte{1, 2, 3, 4}, 16000)
	audio.AudioID = ""
	audio.SchemaVersion = 0

	if err := ing.Ingest(context.Background(), audio); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if audio.AudioID == "" {
		t.Error("Ingest() did not assign an audio ID")
	}
	if audio.SchemaVersion != models.SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", audio.SchemaVersion, models.SchemaVersion)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}
	if pub.published[0].topic != broker.TopicAudioStream {
		t.Errorf("published to %q, want %q", pub.published[0].topic, broker.TopicAudioStream)
	}
	if pub.published[0].msg.UUID != audio.AudioID {
		t.Errorf("message UUID = %q, want assigned audio ID %q", pub.published[0].msg.UUID, audio.AudioID)
	}

	st := statuses.last()
	if st == nil {
		t.Fatal("no status recorded after successful publish")
	}
	if st.Stage != models.StageReceived || st.Status != models.StatusPending {
		t.Errorf("status = %s/%s, want received/pending", st.Stage, st.Status)
	}
}

func TestIngestorRejectsInvalid(t *testing.T) {
	pub := &fakePublisher{}
	statuses := &fakeStatusStore{}
	ing := NewIngestor(pub, statuses)

	audio := audioWithPayload(nil, 16000) // no payload

	err := ing.Ingest(context.Background(), audio)
	if err == nil {
		t.Fatal("Ingest() accepted a message without payload")
	}
	if !broker.IsPermanentError(err) {
		t.Errorf("rejection is not permanent: %v", err)
	}
	if len(pub.published) != 0 {
		t.Error("invalid message was published")
	}
	if statuses.last() != nil {
		t.Error("invalid message recorded a status")
	}
}

func TestIngestorPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: broker.NewRetryableError("no responders", errors.New("nats down"))}
	statuses := &fakeStatusStore{}
	ing := NewIngestor(pub, statuses)

	err := ing.Ingest(context.Background(), audioWithPayload([]byte{1, 2}, 16000))
	if err == nil {
		t.Fatal("Ingest() swallowed the publish failure")
	}
	if broker.IsPermanentError(err) {
		t.Errorf("publish failure classified permanent: %v", err)
	}
	// No orphan lifecycle row when the broker never acked.
	if statuses.last() != nil {
		t.Error("failed publish recorded a status")
	}
}

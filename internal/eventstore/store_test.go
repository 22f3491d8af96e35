package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/session"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginCall(ctx, "call", "barista"); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	events, err := es.ListCallEvents(ctx, "call", 10)
	if err != nil || events != nil {
		t.Fatalf("ephemeral store returned %v, %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.BeginCall(ctx, "call-123", "barista"); err != nil {
		t.Fatalf("begin call: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{CallID: "call-123", Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.EndCall(ctx, "call-123", 42); err != nil {
		t.Fatalf("end call: %v", err)
	}

	events, err := es.ListCallEvents(ctx, "call-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].AssistantID != "barista" {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	calls, err := es.ListCalls(ctx, 10)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	if len(calls) != 1 || calls[0].Duration != 42 || calls[0].EndedAt.IsZero() {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestAppendEventRequiresCall(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(context.Background(), Event{CallID: "unknown", Type: "test"}); err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestPruneByDaysAndCalls(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginCall(ctx, "old-call", "barista"); err != nil {
		t.Fatalf("begin call: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{CallID: "old-call", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginCall(ctx, "new-call", "barista"); err != nil {
		t.Fatalf("begin call: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListCallEvents(ctx, "old-call", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old call pruned")
	}
	calls, err := es.ListCalls(ctx, 10)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	if len(calls) != 1 || calls[0].CallID != "new-call" {
		t.Fatalf("unexpected calls after prune: %+v", calls)
	}
}

func TestRecorderWritesCallTimeline(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, "barista", 16, newLogger())

	// Lines before any call have nowhere to go.
	rec.ObserveMessage(0, transcript.Message{Text: "Hello! How can I help you today?"})

	connecting := session.State{Call: session.Connecting, Attempt: 1}
	active := session.State{Call: session.Active, Attempt: 1, CallID: "call-1"}
	rec.ObserveChange(session.Change{From: session.State{}, To: connecting, Cause: session.Toggle{}})
	rec.ObserveChange(session.Change{From: connecting, To: active})
	rec.ObserveMessage(1, transcript.Message{Text: "milk", IsUser: true})
	active.Duration = 7
	rec.ObserveChange(session.Change{From: active, To: session.State{Attempt: 1}, Cause: session.Toggle{}})
	rec.Close()
	rec.Close()

	events, err := es.ListCallEvents(ctx, "call-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantTypes := []string{EventCallStarted, EventTranscriptMessage, EventCallEnded}
	for i, e := range events {
		if e.Type != wantTypes[i] {
			t.Fatalf("event %d: got %s want %s", i, e.Type, wantTypes[i])
		}
	}
	var line struct {
		Text   string `json:"text"`
		IsUser bool   `json:"is_user"`
	}
	if err := json.Unmarshal(events[1].Payload, &line); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if line.Text != "milk" || !line.IsUser {
		t.Fatalf("unexpected line %+v", line)
	}
	var ended struct {
		Duration int `json:"duration_seconds"`
	}
	if err := json.Unmarshal(events[2].Payload, &ended); err != nil {
		t.Fatalf("decode call end: %v", err)
	}
	if ended.Duration != 7 {
		t.Fatalf("call end payload duration = %d, want 7", ended.Duration)
	}

	calls, err := es.ListCalls(ctx, 10)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	if len(calls) != 1 || calls[0].Duration != 7 {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

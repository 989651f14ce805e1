package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingSink captures events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	ev := NewEvent("session.extended", "sess-1", "negotiating", map[string]any{"extensionsCount": 1})
	after := time.Now().UTC()

	if ev.Event != "session.extended" {
		t.Errorf("Event = %s, want session.extended", ev.Event)
	}
	if ev.Target != "sess-1" {
		t.Errorf("Target = %s, want sess-1", ev.Target)
	}
	if ev.Timestamp.Before(before) || ev.Timestamp.After(after) {
		t.Errorf("Timestamp = %v, want within [%v, %v]", ev.Timestamp, before, after)
	}
	if ev.Details["extensionsCount"] != 1 {
		t.Errorf("Details = %v, want extensionsCount=1", ev.Details)
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	sink := MultiSink{a, b, NopSink{}}

	sink.Emit(context.Background(), NewEvent("sla.breach", "sess-2", "searching", nil))

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("MultiSink fan-out counts = %d, %d, want 1, 1", a.count(), b.count())
	}
}

func TestLogSinkNeverPanics(t *testing.T) {
	sink := NewLogSink()
	// A channel cannot be marshaled; the sink must fall back, not panic.
	sink.Emit(context.Background(), Event{
		Event:   "fallback.tier",
		Target:  "ride",
		Details: map[string]any{"bad": make(chan int)},
	})
}

func TestNewKafkaSinkValidation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Topic: "audit"}); err == nil {
		t.Error("NewKafkaSink() without brokers should fail")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("NewKafkaSink() without topic should fail")
	}

	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "audit"})
	if err != nil {
		t.Fatalf("NewKafkaSink() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	// Emit after close is a silent no-op.
	sink.Emit(context.Background(), NewEvent("noop", "x", "", nil))
}

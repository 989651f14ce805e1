// Package audit emits structured observability events for session
// transitions, SLA breaches, and fallback-tier outcomes. The engine never
// writes audit storage directly; it calls a Sink injected at construction,
// and emission failures are logged rather than propagated so observability
// can never fail a caller.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Event is a single structured audit record.
type Event struct {
	// Event names what happened, e.g. "session.accepted" or "fallback.tier".
	Event string `json:"event"`
	// Target is the id of the entity the event concerns.
	Target string `json:"target"`
	// Status is the outcome or resulting state.
	Status string `json:"status"`
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Details carries event-specific fields.
	Details map[string]any `json:"details,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent
// use and must not block the caller longer than their configured timeout.
type Sink interface {
	// Emit records a single event.
	Emit(ctx context.Context, ev Event)
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(event, target, status string, details map[string]any) Event {
	return Event{
		Event:     event,
		Target:    target,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
}

// LogSink writes events as single-line JSON to the process log.
type LogSink struct{}

// NewLogSink creates a log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Emit writes the event to the log. Marshal failures fall back to a
// plain-text line so the event is never lost silently.
func (s *LogSink) Emit(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("audit: %s target=%s status=%s (marshal failed: %v)", ev.Event, ev.Target, ev.Status, err)
		return
	}
	log.Printf("audit: %s", data)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit forwards the event to each sink in order.
func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// NopSink discards everything. Useful in tests.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(context.Context, Event) {}

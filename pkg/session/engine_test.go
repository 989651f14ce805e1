package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quotient-labs/quotient/pkg/audit"
)

// captureSink records emitted audit events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureSink) Emit(_ context.Context, ev audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Event
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	eng := NewEngine(NewMemoryStore(), sink, SLAConfig{
		Window:             5 * time.Minute,
		ExtensionIncrement: 2 * time.Minute,
		MaxExtensions:      2,
	})
	return eng, sink
}

func mustCreate(t *testing.T, eng *Engine) *Session {
	t.Helper()
	s, err := eng.Create(context.Background(), CreateOptions{AgentType: "ride", FlowType: "standard"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func mustIngest(t *testing.T, eng *Engine, sessionID, vendorID, key string) *Quote {
	t.Helper()
	q, err := eng.IngestQuote(context.Background(), IngestOptions{
		SessionID:      sessionID,
		VendorID:       vendorID,
		VendorType:     "driver",
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("IngestQuote: %v", err)
	}
	return q
}

func TestEngineCreate(t *testing.T) {
	eng, sink := newTestEngine(t)

	s := mustCreate(t, eng)
	if s.Status != StatusSearching {
		t.Errorf("status = %q, want searching", s.Status)
	}
	if s.ExtensionsCount != 0 {
		t.Errorf("extensionsCount = %d, want 0", s.ExtensionsCount)
	}
	if got := s.DeadlineAt.Sub(s.StartedAt); got != 5*time.Minute {
		t.Errorf("deadline offset = %v, want 5m", got)
	}

	names := sink.names()
	if len(names) != 1 || names[0] != "session.created" {
		t.Errorf("audit events = %v, want [session.created]", names)
	}

	if _, err := eng.Create(context.Background(), CreateOptions{}); err == nil {
		t.Error("expected error creating session without agent type")
	}
}

func TestEngineCreateWindowOverride(t *testing.T) {
	eng, _ := newTestEngine(t)

	s, err := eng.Create(context.Background(), CreateOptions{
		AgentType: "property",
		Window:    30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := s.DeadlineAt.Sub(s.StartedAt); got != 30*time.Minute {
		t.Errorf("deadline offset = %v, want 30m", got)
	}
}

func TestEngineIngestQuote(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := mustCreate(t, eng)

	q := mustIngest(t, eng, s.ID, "v1", "key-1")
	if q.Status != QuotePending {
		t.Errorf("quote status = %q, want pending", q.Status)
	}

	// Ingestion never changes session status.
	got, err := eng.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSearching {
		t.Errorf("session status = %q after ingest, want searching", got.Status)
	}

	// Retried delivery returns the original quote.
	again := mustIngest(t, eng, s.ID, "v1", "key-1")
	if again.ID != q.ID {
		t.Errorf("retried ingest created new quote %q, want %q", again.ID, q.ID)
	}

	quotes, err := eng.Quotes(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if len(quotes) != 1 {
		t.Errorf("len(quotes) = %d, want 1", len(quotes))
	}
}

func TestEngineIngestQuoteTerminalSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := mustCreate(t, eng)
	if _, err := eng.Cancel(context.Background(), s.ID, "user cancelled"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err := eng.IngestQuote(context.Background(), IngestOptions{
		SessionID: s.ID,
		VendorID:  "v1",
	})
	if !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal, got %v", err)
	}
}

func TestEnginePromote(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := mustCreate(t, eng)

	// No quotes yet: promotion refused.
	if _, err := eng.Promote(context.Background(), s.ID); err == nil {
		t.Error("expected error promoting session without quotes")
	}

	mustIngest(t, eng, s.ID, "v1", "")
	updated, err := eng.Promote(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if updated.Status != StatusNegotiating {
		t.Errorf("status = %q, want negotiating", updated.Status)
	}

	// Promoting again is a no-op.
	again, err := eng.Promote(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Promote again: %v", err)
	}
	if again.Status != StatusNegotiating {
		t.Errorf("status = %q after second promote", again.Status)
	}
}

func TestEngineExtendCap(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := mustCreate(t, eng)
	deadline := s.DeadlineAt

	for i := 1; i <= 2; i++ {
		updated, err := eng.Extend(context.Background(), s.ID)
		if err != nil {
			t.Fatalf("Extend %d: %v", i, err)
		}
		if updated.ExtensionsCount != i {
			t.Errorf("extensionsCount = %d, want %d", updated.ExtensionsCount, i)
		}
		want := deadline.Add(time.Duration(i) * 2 * time.Minute)
		if !updated.DeadlineAt.Equal(want) {
			t.Errorf("deadline = %v, want %v", updated.DeadlineAt, want)
		}
	}

	// At the cap the session is unchanged and the caller is told why.
	if _, err := eng.Extend(context.Background(), s.ID); !errors.Is(err, ErrExtensionCapReached) {
		t.Fatalf("expected ErrExtensionCapReached, got %v", err)
	}
	got, _ := eng.Get(context.Background(), s.ID)
	if got.ExtensionsCount != 2 {
		t.Errorf("extensionsCount = %d after capped extend, want 2", got.ExtensionsCount)
	}
	if !got.DeadlineAt.Equal(deadline.Add(4 * time.Minute)) {
		t.Errorf("deadline moved after capped extend: %v", got.DeadlineAt)
	}
}

func TestEngineAccept(t *testing.T) {
	eng, sink := newTestEngine(t)
	s := mustCreate(t, eng)
	q := mustIngest(t, eng, s.ID, "v1", "")
	if _, err := eng.Promote(context.Background(), s.ID); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	updated, err := eng.Accept(context.Background(), s.ID, q.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", updated.Status)
	}
	if updated.SelectedQuoteID != q.ID {
		t.Errorf("selectedQuoteId = %q, want %q", updated.SelectedQuoteID, q.ID)
	}
	if updated.CompletedAt == nil {
		t.Error("completedAt not set")
	}

	quotes, _ := eng.Quotes(context.Background(), s.ID)
	if quotes[0].Status != QuoteAccepted {
		t.Errorf("quote status = %q, want accepted", quotes[0].Status)
	}

	var sawAccepted bool
	for _, name := range sink.names() {
		if name == "session.accepted" {
			sawAccepted = true
		}
	}
	if !sawAccepted {
		t.Errorf("no session.accepted audit event in %v", sink.names())
	}
}

func TestEngineAcceptValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	s1 := mustCreate(t, eng)
	s2 := mustCreate(t, eng)
	q2 := mustIngest(t, eng, s2.ID, "v1", "")

	// Quote belongs to a different session.
	if _, err := eng.Accept(ctx, s1.ID, q2.ID); !errors.Is(err, ErrQuoteNotSelectable) {
		t.Errorf("cross-session accept: got %v, want ErrQuoteNotSelectable", err)
	}

	// Rejected quotes cannot be selected.
	q1 := mustIngest(t, eng, s1.ID, "v2", "")
	if _, err := eng.RejectQuote(ctx, q1.ID); err != nil {
		t.Fatalf("RejectQuote: %v", err)
	}
	if _, err := eng.Accept(ctx, s1.ID, q1.ID); !errors.Is(err, ErrQuoteNotSelectable) {
		t.Errorf("rejected-quote accept: got %v, want ErrQuoteNotSelectable", err)
	}

	// Terminal sessions refuse acceptance.
	if _, err := eng.Accept(ctx, s2.ID, q2.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := eng.Accept(ctx, s2.ID, q2.ID); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("double accept: got %v, want ErrSessionTerminal", err)
	}
}

func TestEngineCancel(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := mustCreate(t, eng)

	updated, err := eng.Cancel(context.Background(), s.ID, "changed my mind")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", updated.Status)
	}
	if updated.CancellationReason != "changed my mind" {
		t.Errorf("reason = %q", updated.CancellationReason)
	}

	if _, err := eng.Cancel(context.Background(), s.ID, "again"); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("double cancel: got %v, want ErrSessionTerminal", err)
	}
}

func TestEngineMarkTimeoutIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := mustCreate(t, eng)
	ctx := context.Background()

	first, err := eng.MarkTimeout(ctx, s.ID)
	if err != nil {
		t.Fatalf("MarkTimeout: %v", err)
	}
	if first.Status != StatusTimeout {
		t.Errorf("status = %q, want timeout", first.Status)
	}

	// Second sweep observing the same breach is a no-op, not a failure.
	second, err := eng.MarkTimeout(ctx, s.ID)
	if err != nil {
		t.Fatalf("second MarkTimeout: %v", err)
	}
	if second.Status != StatusTimeout {
		t.Errorf("status = %q after second mark", second.Status)
	}

	// But a completed session must not be clobbered by a late sweep.
	s2 := mustCreate(t, eng)
	q := mustIngest(t, eng, s2.ID, "v1", "")
	if _, err := eng.Accept(ctx, s2.ID, q.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := eng.MarkTimeout(ctx, s2.ID); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("timeout on completed session: got %v, want ErrSessionTerminal", err)
	}
}

func TestEngineConcurrentExtend(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := mustCreate(t, eng)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	capped := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Extend(context.Background(), s.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ErrExtensionCapReached):
				capped++
			default:
				t.Errorf("Extend: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != 2 || capped != workers-2 {
		t.Errorf("granted = %d, capped = %d, want 2/%d", granted, capped, workers-2)
	}
	got, _ := eng.Get(context.Background(), s.ID)
	if got.ExtensionsCount != 2 {
		t.Errorf("extensionsCount = %d, want 2", got.ExtensionsCount)
	}
}

func TestEngineConcurrentAccept(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := mustCreate(t, eng)

	quotes := make([]*Quote, 4)
	for i := range quotes {
		quotes[i] = mustIngest(t, eng, s.ID, "v"+string(rune('a'+i)), "")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, q := range quotes {
		wg.Add(1)
		go func(quoteID string) {
			defer wg.Done()
			_, err := eng.Accept(context.Background(), s.ID, quoteID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrSessionTerminal):
			default:
				t.Errorf("Accept: %v", err)
			}
		}(q.ID)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	got, _ := eng.Get(context.Background(), s.ID)
	if got.Status != StatusCompleted || got.SelectedQuoteID == "" {
		t.Errorf("final session: status = %q, selectedQuoteId = %q", got.Status, got.SelectedQuoteID)
	}
}

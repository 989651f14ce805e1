// Package sla detects session deadline breaches. It is a pure observer:
// it emits breach events and metrics but never transitions a session
// itself, so a last-second acceptance cannot race a timeout sweep.
package sla

import (
	"context"
	"sync"
	"time"

	"github.com/quotient-labs/quotient/pkg/audit"
	"github.com/quotient-labs/quotient/pkg/observability"
	"github.com/quotient-labs/quotient/pkg/session"
)

// Breached reports whether a session has blown its deadline: the deadline
// has passed and the session has not yet resolved. Terminal sessions are
// never breached.
func Breached(deadlineAt time.Time, status session.Status, now time.Time) bool {
	if status.Terminal() {
		return false
	}
	return now.After(deadlineAt)
}

// Lister is the slice of the session store the monitor reads.
type Lister interface {
	ListSessions(ctx context.Context, filter session.ListFilter) ([]*session.Session, int, error)
}

// Monitor watches sessions for deadline breaches and signals each breach
// exactly once. It holds no authority to mark timeouts; that transition
// stays with the operator or an automation rule acting on the signal.
type Monitor struct {
	store Lister
	sink  audit.Sink
	now   func() time.Time

	mu       sync.Mutex
	signaled map[string]struct{}
}

// NewMonitor creates a breach monitor over a session store. A nil sink
// defaults to logging.
func NewMonitor(store Lister, sink audit.Sink) *Monitor {
	if sink == nil {
		sink = audit.NewLogSink()
	}
	return &Monitor{
		store:    store,
		sink:     sink,
		now:      time.Now,
		signaled: make(map[string]struct{}),
	}
}

// Observe checks a single session, typically on a state-mutating read. If
// the session is breached and has not been signaled before, it emits one
// breach event. Returns whether the session is currently breached.
func (m *Monitor) Observe(ctx context.Context, s *session.Session, actor string) bool {
	if s == nil || !Breached(s.DeadlineAt, s.Status, m.now()) {
		return false
	}

	m.mu.Lock()
	_, seen := m.signaled[s.ID]
	if !seen {
		m.signaled[s.ID] = struct{}{}
	}
	m.mu.Unlock()
	if seen {
		return true
	}

	observability.RecordSLABreach(s.AgentType)
	m.sink.Emit(ctx, audit.NewEvent("sla.breach", s.ID, string(s.Status), map[string]any{
		"deadlineAt": s.DeadlineAt,
		"actor":      actor,
	}))
	return true
}

// Sweep scans non-terminal sessions once, signaling any new breaches and
// refreshing the active-session gauge. It returns how many sessions are
// currently breached.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	breached := 0
	active := 0
	for _, status := range []session.Status{session.StatusSearching, session.StatusNegotiating} {
		sessions, total, err := m.store.ListSessions(ctx, session.ListFilter{Status: status})
		if err != nil {
			return breached, err
		}
		active += total
		for _, s := range sessions {
			if m.Observe(ctx, s, "sweeper") {
				breached++
			}
		}
	}
	observability.SetActiveSessions(active)
	return breached, nil
}

// Run sweeps on the given interval until the context is cancelled. Sweep
// errors are reported to the sink and the loop continues.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.sink.Emit(ctx, audit.NewEvent("sla.sweep_failed", "", "error", map[string]any{
					"error": err.Error(),
				}))
			}
		}
	}
}

// Forget drops a session from the signaled set so a later breach on the
// same ID signals again.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signaled, sessionID)
}

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. It backs unit tests and single-node
// deployments that don't need persistence.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	quotes   map[string]*Quote
	// byIdemKey indexes sessionID/vendorID/idempotencyKey -> quote id.
	byIdemKey map[string]string
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		quotes:    make(map[string]*Quote),
		byIdemKey: make(map[string]string),
	}
}

func idemIndexKey(sessionID, vendorID, key string) string {
	return sessionID + "/" + vendorID + "/" + key
}

// SaveSession creates session state.
func (m *MemoryStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// LoadSession retrieves a session by ID.
func (m *MemoryStore) LoadSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// UpdateSession atomically applies mutate under the store lock.
func (m *MemoryStore) UpdateSession(_ context.Context, sessionID string, mutate func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	current, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.sessions[sessionID] = next
	return next.Clone(), nil
}

// ListSessions returns sessions matching the filter, newest first.
func (m *MemoryStore) ListSessions(_ context.Context, filter ListFilter) ([]*Session, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, ErrStoreClosed
	}

	matched := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.FlowType != "" && s.FlowType != filter.FlowType {
			continue
		}
		if filter.AgentType != "" && s.AgentType != filter.AgentType {
			continue
		}
		matched = append(matched, s)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	page := make([]*Session, 0, end-start)
	for _, s := range matched[start:end] {
		page = append(page, s.Clone())
	}
	return page, total, nil
}

// SaveQuote stores a new quote, enforcing idempotency-key uniqueness.
func (m *MemoryStore) SaveQuote(_ context.Context, q *Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if q.IdempotencyKey != "" {
		key := idemIndexKey(q.SessionID, q.VendorID, q.IdempotencyKey)
		if _, exists := m.byIdemKey[key]; exists {
			return ErrDuplicateQuote
		}
		m.byIdemKey[key] = q.ID
	}
	m.quotes[q.ID] = q.Clone()
	return nil
}

// LoadQuote retrieves a quote by ID.
func (m *MemoryStore) LoadQuote(_ context.Context, quoteID string) (*Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	q, ok := m.quotes[quoteID]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	return q.Clone(), nil
}

// UpdateQuote atomically applies mutate under the store lock.
func (m *MemoryStore) UpdateQuote(_ context.Context, quoteID string, mutate func(*Quote) error) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	current, ok := m.quotes[quoteID]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.quotes[quoteID] = next
	return next.Clone(), nil
}

// ListQuotes returns all quotes for a session.
func (m *MemoryStore) ListQuotes(_ context.Context, sessionID string) ([]*Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	quotes := make([]*Quote, 0)
	for _, q := range m.quotes {
		if q.SessionID == sessionID {
			quotes = append(quotes, q.Clone())
		}
	}
	return quotes, nil
}

// FindQuoteByKey locates a previously ingested quote by idempotency key.
func (m *MemoryStore) FindQuoteByKey(_ context.Context, sessionID, vendorID, idempotencyKey string) (*Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	id, ok := m.byIdemKey[idemIndexKey(sessionID, vendorID, idempotencyKey)]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	q, ok := m.quotes[id]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	return q.Clone(), nil
}

// Ping always succeeds for an open in-memory store.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Subsequent operations fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

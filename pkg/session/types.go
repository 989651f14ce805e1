// Package session implements the negotiation session engine: the session
// and quote data model, the lifecycle state machine, and pluggable storage
// backends. A session is a time-boxed sourcing request that fans out to
// several vendors, collects their competing quotes, and resolves by
// acceptance, cancellation, or timeout before a bounded-extension deadline.
package session

import (
	"time"
)

// Status is a session lifecycle state.
type Status string

const (
	// StatusSearching means the request is fanned out and no decision to
	// negotiate has been made yet.
	StatusSearching Status = "searching"
	// StatusNegotiating means at least one quote exists and the requester
	// is weighing offers.
	StatusNegotiating Status = "negotiating"
	// StatusCompleted means a quote was accepted. Terminal.
	StatusCompleted Status = "completed"
	// StatusTimeout means the deadline passed without resolution. Terminal.
	StatusTimeout Status = "timeout"
	// StatusCancelled means the requester or an operator cancelled. Terminal.
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusSearching, StatusNegotiating, StatusCompleted, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// QuoteStatus is a quote lifecycle state.
type QuoteStatus string

const (
	QuotePending  QuoteStatus = "pending"
	QuoteAccepted QuoteStatus = "accepted"
	QuoteRejected QuoteStatus = "rejected"
	QuoteExpired  QuoteStatus = "expired"
)

// Valid reports whether q is a known quote status value.
func (q QuoteStatus) Valid() bool {
	switch q {
	case QuotePending, QuoteAccepted, QuoteRejected, QuoteExpired:
		return true
	}
	return false
}

// Selectable reports whether a quote in this state may still be accepted.
func (q QuoteStatus) Selectable() bool {
	return q == QuotePending || q == QuoteAccepted
}

// Session is a time-boxed sourcing request coordinating multiple vendor
// responses. The engine treats RequestData and Metadata as opaque.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// AgentType identifies the vertical (ride, pharmacy, hardware, ...).
	AgentType string `json:"agentType"`
	// FlowType identifies the sub-flow within the vertical.
	FlowType string `json:"flowType"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// RequestData describes what was requested. Opaque to the engine.
	RequestData map[string]any `json:"requestData,omitempty"`
	// StartedAt is when the request was created.
	StartedAt time.Time `json:"startedAt"`
	// DeadlineAt is the SLA deadline. It only ever moves later, and only
	// through the extension operation.
	DeadlineAt time.Time `json:"deadlineAt"`
	// CompletedAt is set when the session reaches a terminal state.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// ExtensionsCount is how many deadline extensions were granted.
	ExtensionsCount int `json:"extensionsCount"`
	// SelectedQuoteID references the accepted quote, set only on acceptance.
	SelectedQuoteID string `json:"selectedQuoteId,omitempty"`
	// CancellationReason is set only when Status becomes cancelled.
	CancellationReason string `json:"cancellationReason,omitempty"`
	// Metadata carries vertical-specific extras. Opaque to the engine.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is the record creation time.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep-enough copy: scalar fields plus fresh top-level
// maps, so callers can mutate the copy without aliasing stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.RequestData != nil {
		out.RequestData = make(map[string]any, len(s.RequestData))
		for k, v := range s.RequestData {
			out.RequestData[k] = v
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Quote is a single vendor's offer against a session.
type Quote struct {
	// ID is the unique quote identifier.
	ID string `json:"id"`
	// SessionID is the owning session.
	SessionID string `json:"sessionId"`
	// VendorID identifies the responding vendor.
	VendorID string `json:"vendorId"`
	// VendorType is the vendor's category within the vertical.
	VendorType string `json:"vendorType,omitempty"`
	// VendorName is the vendor's display name.
	VendorName string `json:"vendorName,omitempty"`
	// OfferData is the offer payload (price, ETA, stock). Opaque except
	// where scoring reads named signal fields.
	OfferData map[string]any `json:"offerData,omitempty"`
	// Status is the quote lifecycle state.
	Status QuoteStatus `json:"status"`
	// RespondedAt is when the vendor responded.
	RespondedAt time.Time `json:"respondedAt"`
	// ExpiresAt is when the offer lapses, if the vendor bounded it.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// RankingScore caches the last computed score.
	RankingScore *float64 `json:"rankingScore,omitempty"`
	// IdempotencyKey dedupes retried vendor deliveries.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// CreatedAt is the record creation time.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy safe for caller mutation.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	out := *q
	if q.OfferData != nil {
		out.OfferData = make(map[string]any, len(q.OfferData))
		for k, v := range q.OfferData {
			out.OfferData[k] = v
		}
	}
	if q.ExpiresAt != nil {
		t := *q.ExpiresAt
		out.ExpiresAt = &t
	}
	if q.RankingScore != nil {
		v := *q.RankingScore
		out.RankingScore = &v
	}
	return &out
}

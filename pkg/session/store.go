package session

import (
	"context"
	"errors"
)

// Common errors for storage and state machine operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQuoteNotFound is returned when a quote doesn't exist.
	ErrQuoteNotFound = errors.New("quote not found")
	// ErrSessionTerminal is returned when a transition is attempted on a
	// session already in a final state.
	ErrSessionTerminal = errors.New("session_already_terminal")
	// ErrExtensionCapReached signals an extension request at the cap.
	// The session is left unchanged; this is a signaled no-op, not a
	// hard failure.
	ErrExtensionCapReached = errors.New("extension_cap_reached")
	// ErrDuplicateQuote is returned when a vendor's retried delivery
	// matches an already ingested quote.
	ErrDuplicateQuote = errors.New("duplicate quote")
	// ErrQuoteNotSelectable is returned when acceptance references a
	// rejected or expired quote, or one owned by another session.
	ErrQuoteNotSelectable = errors.New("quote not selectable")
	// ErrConflict is returned when a conditional update lost a race and
	// exhausted its retries.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
	// ErrStoreUnavailable wraps backend connectivity failures so callers
	// can distinguish an outage from an empty result.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ListFilter narrows and pages a session listing.
type ListFilter struct {
	// Status keeps only sessions in this state, if non-empty.
	Status Status
	// FlowType keeps only sessions of this sub-flow, if non-empty.
	FlowType string
	// AgentType keeps only sessions of this vertical, if non-empty.
	AgentType string
	// Limit caps the number of results (0 = backend default).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// Store abstracts session and quote persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveSession creates session state. It fails if the id exists;
	// mutations go through UpdateSession.
	SaveSession(ctx context.Context, s *Session) error

	// LoadSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSession atomically applies mutate to the stored session.
	// mutate receives the freshly loaded session and edits it in place;
	// returning an error aborts the update and propagates unchanged.
	// Two racing updates serialize: one sees the other's result.
	UpdateSession(ctx context.Context, sessionID string, mutate func(*Session) error) (*Session, error)

	// ListSessions returns sessions matching the filter, newest first,
	// along with the total match count before paging.
	ListSessions(ctx context.Context, filter ListFilter) ([]*Session, int, error)

	// SaveQuote stores a new quote. When the quote carries an
	// IdempotencyKey that already exists for (SessionID, VendorID),
	// ErrDuplicateQuote is returned and nothing is written.
	SaveQuote(ctx context.Context, q *Quote) error

	// LoadQuote retrieves a quote by ID.
	// Returns ErrQuoteNotFound if the quote doesn't exist.
	LoadQuote(ctx context.Context, quoteID string) (*Quote, error)

	// UpdateQuote atomically applies mutate to the stored quote.
	UpdateQuote(ctx context.Context, quoteID string, mutate func(*Quote) error) (*Quote, error)

	// ListQuotes returns all quotes for a session, unordered; callers
	// order for presentation.
	ListQuotes(ctx context.Context, sessionID string) ([]*Quote, error)

	// FindQuoteByKey locates the quote previously ingested for this
	// (sessionID, vendorID, idempotencyKey) triple.
	// Returns ErrQuoteNotFound if none exists.
	FindQuoteByKey(ctx context.Context, sessionID, vendorID, idempotencyKey string) (*Quote, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

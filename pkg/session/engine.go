package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quotient-labs/quotient/pkg/audit"
	"github.com/quotient-labs/quotient/pkg/observability"
)

// SLAConfig is the deadline policy for an engine instance. Verticals may
// override the window per session at creation.
type SLAConfig struct {
	// Window is the default time between creation and deadline.
	Window time.Duration `yaml:"window"`
	// ExtensionIncrement is how much each granted extension adds.
	ExtensionIncrement time.Duration `yaml:"extension_increment"`
	// MaxExtensions caps how many extensions a session may receive.
	MaxExtensions int `yaml:"max_extensions"`
}

// DefaultSLAConfig returns the stock policy: five-minute window, two
// two-minute extensions.
func DefaultSLAConfig() SLAConfig {
	return SLAConfig{
		Window:             5 * time.Minute,
		ExtensionIncrement: 2 * time.Minute,
		MaxExtensions:      2,
	}
}

// Engine owns session lifecycle. All mutations funnel through the store's
// conditional update, so two concurrent operators can never both extend
// past the cap or both accept different quotes.
// Engine is safe for concurrent use.
type Engine struct {
	store Store
	sink  audit.Sink
	sla   SLAConfig
	now   func() time.Time
}

// NewEngine creates a session engine over a store. A nil sink defaults to
// logging.
func NewEngine(store Store, sink audit.Sink, sla SLAConfig) *Engine {
	if sink == nil {
		sink = audit.NewLogSink()
	}
	def := DefaultSLAConfig()
	if sla.Window <= 0 {
		sla.Window = def.Window
	}
	if sla.ExtensionIncrement <= 0 {
		sla.ExtensionIncrement = def.ExtensionIncrement
	}
	if sla.MaxExtensions < 0 {
		sla.MaxExtensions = def.MaxExtensions
	}
	return &Engine{
		store: store,
		sink:  sink,
		sla:   sla,
		now:   time.Now,
	}
}

// SLA returns the engine's deadline policy.
func (e *Engine) SLA() SLAConfig {
	return e.sla
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// AgentType is the vertical, e.g. "ride" or "pharmacy". Required.
	AgentType string
	// FlowType is the sub-flow within the vertical.
	FlowType string
	// RequestData is the opaque request payload.
	RequestData map[string]any
	// Metadata carries vertical-specific extras.
	Metadata map[string]any
	// Window overrides the default SLA window when positive.
	Window time.Duration
}

// Create starts a new session in the searching state with a fresh deadline.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if opts.AgentType == "" {
		return nil, errors.New("agentType is required")
	}

	window := opts.Window
	if window <= 0 {
		window = e.sla.Window
	}

	now := e.now().UTC()
	s := &Session{
		ID:              uuid.New().String(),
		AgentType:       opts.AgentType,
		FlowType:        opts.FlowType,
		Status:          StatusSearching,
		RequestData:     opts.RequestData,
		StartedAt:       now,
		DeadlineAt:      now.Add(window),
		ExtensionsCount: 0,
		Metadata:        opts.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := e.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	observability.RecordSessionTransition(s.AgentType, "", string(StatusSearching))
	e.sink.Emit(ctx, audit.NewEvent("session.created", s.ID, string(StatusSearching), map[string]any{
		"agentType":  s.AgentType,
		"flowType":   s.FlowType,
		"deadlineAt": s.DeadlineAt,
	}))
	return s, nil
}

// Get retrieves a session by ID.
func (e *Engine) Get(ctx context.Context, sessionID string) (*Session, error) {
	return e.store.LoadSession(ctx, sessionID)
}

// List returns sessions matching the filter plus the total match count.
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]*Session, int, error) {
	return e.store.ListSessions(ctx, filter)
}

// Quotes returns a session's quotes ordered by RespondedAt descending,
// most recent first.
func (e *Engine) Quotes(ctx context.Context, sessionID string) ([]*Quote, error) {
	if _, err := e.store.LoadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	quotes, err := e.store.ListQuotes(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(quotes, func(i, j int) bool {
		if !quotes[i].RespondedAt.Equal(quotes[j].RespondedAt) {
			return quotes[i].RespondedAt.After(quotes[j].RespondedAt)
		}
		return quotes[i].ID < quotes[j].ID
	})
	return quotes, nil
}

// IngestOptions describes one vendor response.
type IngestOptions struct {
	// SessionID is the session the quote answers. Required.
	SessionID string
	// VendorID identifies the responder. Required.
	VendorID string
	// VendorType is the vendor's category.
	VendorType string
	// VendorName is the vendor's display name.
	VendorName string
	// OfferData is the opaque offer payload.
	OfferData map[string]any
	// ExpiresAt bounds the offer's validity, if the vendor set one.
	ExpiresAt *time.Time
	// IdempotencyKey dedupes retried deliveries from the vendor channel.
	// When empty, every delivery creates a new quote.
	IdempotencyKey string
}

// IngestQuote appends a vendor's quote to a session. Ingestion never
// changes session status; promotion to negotiating is a separate decision.
// A retried delivery carrying the same idempotency key returns the
// original quote instead of duplicating it.
func (e *Engine) IngestQuote(ctx context.Context, opts IngestOptions) (*Quote, error) {
	if opts.SessionID == "" || opts.VendorID == "" {
		return nil, errors.New("sessionID and vendorID are required")
	}

	s, err := e.store.LoadSession(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, ErrSessionTerminal
	}

	now := e.now().UTC()
	q := &Quote{
		ID:             uuid.New().String(),
		SessionID:      opts.SessionID,
		VendorID:       opts.VendorID,
		VendorType:     opts.VendorType,
		VendorName:     opts.VendorName,
		OfferData:      opts.OfferData,
		Status:         QuotePending,
		RespondedAt:    now,
		ExpiresAt:      opts.ExpiresAt,
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.store.SaveQuote(ctx, q); err != nil {
		if errors.Is(err, ErrDuplicateQuote) {
			return e.store.FindQuoteByKey(ctx, opts.SessionID, opts.VendorID, opts.IdempotencyKey)
		}
		return nil, fmt.Errorf("save quote: %w", err)
	}

	observability.RecordQuoteIngested(s.AgentType, opts.VendorType)
	e.sink.Emit(ctx, audit.NewEvent("quote.ingested", opts.SessionID, string(QuotePending), map[string]any{
		"quoteId":  q.ID,
		"vendorId": opts.VendorID,
	}))
	return q, nil
}

// Promote moves a searching session to negotiating. It requires at least
// one ingested quote; promoting an already negotiating session is a no-op.
func (e *Engine) Promote(ctx context.Context, sessionID string) (*Session, error) {
	quotes, err := e.store.ListQuotes(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var promoted bool
	updated, err := e.store.UpdateSession(ctx, sessionID, func(s *Session) error {
		if s.Status.Terminal() {
			return ErrSessionTerminal
		}
		if s.Status == StatusNegotiating {
			return nil
		}
		if len(quotes) == 0 {
			return errors.New("cannot negotiate without quotes")
		}
		s.Status = StatusNegotiating
		s.UpdatedAt = e.now().UTC()
		promoted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if promoted {
		observability.RecordSessionTransition(updated.AgentType, string(StatusSearching), string(StatusNegotiating))
		e.sink.Emit(ctx, audit.NewEvent("session.promoted", sessionID, string(StatusNegotiating), nil))
	}
	return updated, nil
}

// Extend pushes the deadline out by the configured increment. At the cap
// the request is a signaled no-op: the session is unchanged and
// ErrExtensionCapReached is returned so callers can stop offering the
// action.
func (e *Engine) Extend(ctx context.Context, sessionID string) (*Session, error) {
	updated, err := e.store.UpdateSession(ctx, sessionID, func(s *Session) error {
		if s.Status.Terminal() {
			return ErrSessionTerminal
		}
		if s.ExtensionsCount >= e.sla.MaxExtensions {
			return ErrExtensionCapReached
		}
		s.DeadlineAt = s.DeadlineAt.Add(e.sla.ExtensionIncrement)
		s.ExtensionsCount++
		s.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.sink.Emit(ctx, audit.NewEvent("session.extended", sessionID, string(updated.Status), map[string]any{
		"extensionsCount": updated.ExtensionsCount,
		"deadlineAt":      updated.DeadlineAt,
	}))
	return updated, nil
}

// Accept completes the session with the chosen quote. The quote must
// belong to this session and still be selectable. The conditional update
// guarantees a racing timeout-marking or second acceptance loses cleanly.
func (e *Engine) Accept(ctx context.Context, sessionID, quoteID string) (*Session, error) {
	q, err := e.store.LoadQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q.SessionID != sessionID || !q.Status.Selectable() {
		return nil, ErrQuoteNotSelectable
	}

	var from Status
	updated, err := e.store.UpdateSession(ctx, sessionID, func(s *Session) error {
		if s.Status.Terminal() {
			return ErrSessionTerminal
		}
		from = s.Status
		now := e.now().UTC()
		s.Status = StatusCompleted
		s.SelectedQuoteID = quoteID
		s.CompletedAt = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.store.UpdateQuote(ctx, quoteID, func(q *Quote) error {
		q.Status = QuoteAccepted
		q.UpdatedAt = e.now().UTC()
		return nil
	}); err != nil {
		// The session transition already committed; the quote row is a
		// denormalized view, so log and continue rather than unwind.
		e.sink.Emit(ctx, audit.NewEvent("quote.accept_mark_failed", quoteID, string(QuoteAccepted), map[string]any{
			"error": err.Error(),
		}))
	}

	observability.RecordSessionTransition(updated.AgentType, string(from), string(StatusCompleted))
	e.sink.Emit(ctx, audit.NewEvent("session.accepted", sessionID, string(StatusCompleted), map[string]any{
		"selectedQuoteId": quoteID,
	}))
	return updated, nil
}

// Cancel terminates the session from any non-terminal state, recording the
// reason.
func (e *Engine) Cancel(ctx context.Context, sessionID, reason string) (*Session, error) {
	var from Status
	updated, err := e.store.UpdateSession(ctx, sessionID, func(s *Session) error {
		if s.Status.Terminal() {
			return ErrSessionTerminal
		}
		from = s.Status
		now := e.now().UTC()
		s.Status = StatusCancelled
		s.CancellationReason = reason
		s.CompletedAt = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.RecordSessionTransition(updated.AgentType, string(from), string(StatusCancelled))
	e.sink.Emit(ctx, audit.NewEvent("session.cancelled", sessionID, string(StatusCancelled), map[string]any{
		"reason": reason,
	}))
	return updated, nil
}

// RejectQuote marks a quote as declined so it can no longer be selected.
// The session itself is untouched.
func (e *Engine) RejectQuote(ctx context.Context, quoteID string) (*Quote, error) {
	updated, err := e.store.UpdateQuote(ctx, quoteID, func(q *Quote) error {
		if !q.Status.Selectable() {
			return ErrQuoteNotSelectable
		}
		q.Status = QuoteRejected
		q.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.sink.Emit(ctx, audit.NewEvent("quote.rejected", updated.SessionID, string(QuoteRejected), map[string]any{
		"quoteId": quoteID,
	}))
	return updated, nil
}

// errAlreadyTimedOut aborts the conditional update without treating a
// repeated timeout-marking as a failure.
var errAlreadyTimedOut = errors.New("already timed out")

// MarkTimeout finalizes a breached session. It is idempotent: marking a
// session that already timed out returns the session unchanged with no
// error. Other terminal states are reported as ErrSessionTerminal so a
// breach observed just before an acceptance cannot clobber it.
func (e *Engine) MarkTimeout(ctx context.Context, sessionID string) (*Session, error) {
	var from Status
	updated, err := e.store.UpdateSession(ctx, sessionID, func(s *Session) error {
		if s.Status == StatusTimeout {
			return errAlreadyTimedOut
		}
		if s.Status.Terminal() {
			return ErrSessionTerminal
		}
		from = s.Status
		now := e.now().UTC()
		s.Status = StatusTimeout
		s.CompletedAt = &now
		s.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errAlreadyTimedOut) {
		return e.store.LoadSession(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	observability.RecordSessionTransition(updated.AgentType, string(from), string(StatusTimeout))
	e.sink.Emit(ctx, audit.NewEvent("session.timeout", sessionID, string(StatusTimeout), map[string]any{
		"deadlineAt": updated.DeadlineAt,
	}))
	return updated, nil
}

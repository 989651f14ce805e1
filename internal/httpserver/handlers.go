package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quotient-labs/quotient/pkg/fallback"
	"github.com/quotient-labs/quotient/pkg/ranking"
	"github.com/quotient-labs/quotient/pkg/scoring"
	"github.com/quotient-labs/quotient/pkg/session"
)

type createSessionRequest struct {
	AgentType   string         `json:"agentType"`
	FlowType    string         `json:"flowType"`
	RequestData map[string]any `json:"requestData"`
	Metadata    map[string]any `json:"metadata"`
	// SLAWindowSeconds overrides the default deadline window.
	SLAWindowSeconds int `json:"slaWindowSeconds"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid json: "+err.Error())
		return
	}
	if req.AgentType == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "agentType is required")
		return
	}

	sess, err := s.engine.Create(r.Context(), session.CreateOptions{
		AgentType:   req.AgentType,
		FlowType:    req.FlowType,
		RequestData: req.RequestData,
		Metadata:    req.Metadata,
		Window:      time.Duration(req.SLAWindowSeconds) * time.Second,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.engine.Get(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	quotes, err := s.engine.Quotes(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"quotes":  quotes,
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.ListFilter{
		FlowType:  q.Get("flowType"),
		AgentType: q.Get("agentType"),
		Limit:     intParam(q.Get("limit"), ranking.DefaultLimit),
		Offset:    intParam(q.Get("offset"), 0),
	}
	if raw := q.Get("status"); raw != "" {
		status := session.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.Status = status
	}

	sessions, total, err := s.engine.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

type updateSessionRequest struct {
	Status             *string `json:"status"`
	SelectedQuoteID    string  `json:"selectedQuoteId"`
	CancellationReason string  `json:"cancellationReason"`
	ExtendDeadline     bool    `json:"extendDeadline"`
}

// handleSessionUpdate is the single mutation surface for a session. An
// extendDeadline request at the extension cap is accepted but changes
// nothing; callers detect it by inspecting extensionsCount in the
// response.
func (s *Server) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid json: "+err.Error())
		return
	}
	if req.Status != nil && !session.Status(*req.Status).Valid() {
		writeError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("unknown status %q", *req.Status))
		return
	}

	sess, err := s.engine.Get(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.monitor != nil {
		s.monitor.Observe(r.Context(), sess, "api")
	}

	if req.ExtendDeadline {
		extended, err := s.engine.Extend(r.Context(), sessionID)
		switch {
		case err == nil:
			sess = extended
		case errors.Is(err, session.ErrExtensionCapReached):
			// Accepted but no change; the unchanged session tells the story.
		default:
			writeDomainError(w, err)
			return
		}
	}

	if req.Status != nil {
		var err error
		switch session.Status(*req.Status) {
		case session.StatusNegotiating:
			sess, err = s.engine.Promote(r.Context(), sessionID)
		case session.StatusCompleted:
			if req.SelectedQuoteID == "" {
				writeError(w, http.StatusBadRequest, codeValidation, "selectedQuoteId is required to complete a session")
				return
			}
			sess, err = s.engine.Accept(r.Context(), sessionID, req.SelectedQuoteID)
		case session.StatusCancelled:
			sess, err = s.engine.Cancel(r.Context(), sessionID, req.CancellationReason)
		case session.StatusTimeout:
			sess, err = s.engine.MarkTimeout(r.Context(), sessionID)
		default:
			writeError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("cannot transition to %q", *req.Status))
			return
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, sess)
}

type ingestQuoteRequest struct {
	VendorID       string         `json:"vendorId"`
	VendorType     string         `json:"vendorType"`
	VendorName     string         `json:"vendorName"`
	OfferData      map[string]any `json:"offerData"`
	ExpiresAt      *time.Time     `json:"expiresAt"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

func (s *Server) handleQuoteIngest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req ingestQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid json: "+err.Error())
		return
	}
	if req.VendorID == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "vendorId is required")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	quote, err := s.engine.IngestQuote(r.Context(), session.IngestOptions{
		SessionID:      sessionID,
		VendorID:       req.VendorID,
		VendorType:     req.VendorType,
		VendorName:     req.VendorName,
		OfferData:      req.OfferData,
		ExpiresAt:      req.ExpiresAt,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, quote)
}

func (s *Server) handleQuoteReject(w http.ResponseWriter, r *http.Request) {
	quoteID := chi.URLParam(r, "quoteID")

	quote, err := s.engine.RejectQuote(r.Context(), quoteID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// handleQuotesRanked returns a session's quotes ordered by score, best
// first, with the computed score attached to each quote.
func (s *Server) handleQuotesRanked(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), ranking.DefaultLimit)
	offset := intParam(q.Get("offset"), 0)

	quotes, err := s.engine.Quotes(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	for _, quote := range quotes {
		score := s.scorer.Score(scoring.MapCandidate(quote.OfferData))
		quote.RankingScore = &score
	}
	ranked := ranking.Rank(quotes, func(q *session.Quote) float64 {
		if q.RankingScore == nil {
			return 0
		}
		return *q.RankingScore
	}, 0)

	page := ranking.Paginate(ranked, limit, offset)
	writeJSON(w, http.StatusOK, page)
}

// handleCandidates serves a vertical's nearby-candidate surface through
// the fallback cascade, always answering 200-shaped.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	vertical := chi.URLParam(r, "vertical")
	if s.resolvers == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "no candidate surface configured")
		return
	}
	resolver := s.resolvers(vertical)
	if resolver == nil {
		writeError(w, http.StatusNotFound, codeNotFound, fmt.Sprintf("unknown vertical %q", vertical))
		return
	}

	q := r.URL.Query()
	limit := intParam(q.Get("limit"), ranking.DefaultLimit)
	offset := intParam(q.Get("offset"), 0)
	search := q.Get("q")

	res := resolver.Resolve(r.Context(), vertical)
	if !res.Success {
		writeJSON(w, http.StatusOK, fallback.DegradedResponse(nil, fallback.StrategyNone, res.UserMessage))
		return
	}

	records := toRecords(res.Data)
	records = ranking.FilterBySearch(records, search, recordFields)
	records = ranking.Rank(records, func(rec map[string]any) float64 {
		return s.scorer.Score(scoring.MapCandidate(rec))
	}, 0)
	page := ranking.Paginate(records, limit, offset)

	envelope := fallback.ListEnvelope{
		Data:    toAnySlice(page.Data),
		Total:   page.Total,
		HasMore: page.HasMore,
	}
	if res.FallbackUsed != fallback.StrategyRankedService {
		envelope.Integration = &fallback.Integration{
			Status:    "degraded",
			Target:    res.FallbackUsed,
			Timestamp: time.Now().UTC(),
			Message:   res.UserMessage,
		}
	}
	writeJSON(w, http.StatusOK, envelope)
}

// toRecords normalizes a strategy payload into candidate records.
func toRecords(data any) []map[string]any {
	switch v := data.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if rec, ok := item.(map[string]any); ok {
				out = append(out, rec)
			}
		}
		return out
	default:
		return nil
	}
}

func recordFields(rec map[string]any) []string {
	var out []string
	for _, key := range []string{"id", "name", "vendorName", "description"} {
		if v, ok := rec[key].(string); ok {
			out = append(out, v)
		}
	}
	return out
}

func toAnySlice(records []map[string]any) []any {
	out := make([]any, len(records))
	for i, rec := range records {
		out[i] = rec
	}
	return out
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

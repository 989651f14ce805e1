package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quotient-labs/quotient/pkg/session"
)

// errorBody is the uniform error payload.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeValidation      = "validation_error"
	codeNotFound        = "not_found"
	codeSessionTerminal = "session_already_terminal"
	codeNotSelectable   = "quote_not_selectable"
	codeConflict        = "conflict"
	codeStoreDown       = "store_unavailable"
	codeInternal        = "internal_error"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, httpStatus int, code, message string) {
	writeJSON(w, httpStatus, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeDomainError maps domain errors onto the HTTP error contract. Store
// outages are surfaced distinctly from missing data so clients never
// mistake an outage for an empty result.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrQuoteNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, session.ErrSessionTerminal):
		writeError(w, http.StatusConflict, codeSessionTerminal, "session is already in a terminal state")
	case errors.Is(err, session.ErrQuoteNotSelectable):
		writeError(w, http.StatusConflict, codeNotSelectable, "quote does not belong to this session or is no longer selectable")
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, "concurrent update conflict, retry")
	case errors.Is(err, session.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeStoreDown, "session store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

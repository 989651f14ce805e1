package fallback

import (
	"time"
)

// Integration labels the provenance of a list response. It is attached to
// responses only when the answer did not come from the fully healthy live
// path, so its absence means "live".
type Integration struct {
	// Status is "ok" or "degraded".
	Status string `json:"status"`
	// Target names the integration that degraded, e.g. "ranked-service".
	Target string `json:"target"`
	// Timestamp is when the degraded answer was produced.
	Timestamp time.Time `json:"timestamp"`
	// Message optionally explains the degradation to the caller.
	Message string `json:"message,omitempty"`
}

// ListEnvelope is the uniform shape every list endpoint emits, live or
// degraded, so downstream consumers parse one contract.
type ListEnvelope struct {
	Data    []any  `json:"data"`
	Total   int    `json:"total"`
	HasMore bool   `json:"hasMore"`
	// Integration is present only for non-live answers.
	Integration *Integration `json:"integration,omitempty"`
}

// DegradedResponse standardizes a degraded list answer: whatever data is
// in hand, no further pages, and an explicit degraded label naming the
// failed target and remediation message.
func DegradedResponse(data []any, target, message string) ListEnvelope {
	if data == nil {
		data = []any{}
	}
	return ListEnvelope{
		Data:    data,
		Total:   len(data),
		HasMore: false,
		Integration: &Integration{
			Status:    "degraded",
			Target:    target,
			Timestamp: time.Now().UTC(),
			Message:   message,
		},
	}
}

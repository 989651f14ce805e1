package scoring

import (
	"encoding/json"
	"time"
)

// MapCandidate adapts a free-form document (offerData, metadata or a raw
// candidate record) to the Candidate interface. It reads the conventional
// field names and tolerates the numeric shapes JSON decoding produces, so
// storage format changes stay out of the scoring algorithm.
type MapCandidate map[string]any

// Rating reads "rating".
func (m MapCandidate) Rating() (float64, bool) {
	return toFloat(m["rating"])
}

// Verified reads "verified". Anything other than a boolean true is treated
// as unverified.
func (m MapCandidate) Verified() (bool, bool) {
	v, ok := m["verified"]
	if !ok {
		return false, false
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, false
	}
	return b, true
}

// ReviewCount reads "reviewCount", falling back to "review_count".
func (m MapCandidate) ReviewCount() (int, bool) {
	v, ok := m["reviewCount"]
	if !ok {
		v, ok = m["review_count"]
	}
	if !ok {
		return 0, false
	}
	f, okf := toFloat(v)
	if !okf || f < 0 {
		return 0, false
	}
	return int(f), true
}

// UpdatedAt reads "updatedAt" (or "updated_at") as a time.Time or an
// RFC3339 string.
func (m MapCandidate) UpdatedAt() (time.Time, bool) {
	v, ok := m["updatedAt"]
	if !ok {
		v, ok = m["updated_at"]
	}
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Package ranking provides side-effect-free ordering, pagination, and
// filtering helpers shared by every list surface in the engine. The helpers
// are generic so live, backup, and static candidate collections all flow
// through a single code path.
package ranking

import (
	"sort"
	"strings"
)

// DefaultLimit is the page size applied when a caller does not supply one.
const DefaultLimit = 50

// Page is a window over an ordered collection.
type Page[T any] struct {
	// Data is the slice of items in this window.
	Data []T `json:"data"`
	// Total is the size of the underlying collection.
	Total int `json:"total"`
	// HasMore reports whether items remain beyond this window.
	HasMore bool `json:"hasMore"`
}

// Rank returns items sorted by score descending. The sort is stable, so
// items with equal scores keep their original relative order. If topN > 0
// the result is truncated to at most topN items. The input slice is never
// mutated.
func Rank[T any](items []T, score func(T) float64, topN int) []T {
	// Scores are computed once up front; score functions may be expensive
	// and must not be re-evaluated per comparison.
	scores := make([]float64, len(items))
	for i, item := range items {
		scores[i] = score(item)
	}

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	ranked := make([]T, len(items))
	for i, idx := range order {
		ranked[i] = items[idx]
	}

	if topN > 0 && topN < len(ranked) {
		ranked = ranked[:topN]
	}
	return ranked
}

// Paginate returns the window of items described by limit and offset.
// A non-positive limit falls back to DefaultLimit; a negative offset is
// treated as zero; an offset beyond the collection yields an empty page
// with HasMore false.
func Paginate[T any](items []T, limit, offset int) Page[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	total := len(items)
	if offset >= total {
		return Page[T]{Data: []T{}, Total: total, HasMore: false}
	}

	end := offset + limit
	if end > total {
		end = total
	}

	data := make([]T, end-offset)
	copy(data, items[offset:end])

	return Page[T]{
		Data:    data,
		Total:   total,
		HasMore: offset+len(data) < total,
	}
}

// FilterBySearch returns the items whose named fields contain term as a
// case-insensitive substring. An empty term returns the input unchanged.
// fields extracts the searchable strings from an item; nil or empty field
// sets never match.
func FilterBySearch[T any](items []T, term string, fields func(T) []string) []T {
	if term == "" {
		return items
	}
	needle := strings.ToLower(term)

	matched := make([]T, 0, len(items))
	for _, item := range items {
		for _, field := range fields(item) {
			if strings.Contains(strings.ToLower(field), needle) {
				matched = append(matched, item)
				break
			}
		}
	}
	return matched
}

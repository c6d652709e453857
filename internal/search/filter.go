// Package search implements the free-text filter applied before aggregation.
package search

import (
	"strings"

	"budgetflow/internal/core"
)

// Filter returns the records whose From, To or amount text contains query,
// ignoring case. Order is preserved. An empty query returns recs unchanged.
func Filter(recs []core.Record, query string) []core.Record {
	if query == "" {
		return recs
	}
	needle := strings.ToLower(query)
	out := make([]core.Record, 0, len(recs))
	for _, r := range recs {
		if Matches(r, needle) {
			out = append(out, r)
		}
	}
	return out
}

// Matches reports whether r matches an already lower-cased needle.
func Matches(r core.Record, needle string) bool {
	return strings.Contains(strings.ToLower(r.From), needle) ||
		strings.Contains(strings.ToLower(r.To), needle) ||
		strings.Contains(strings.ToLower(r.Amount.String()), needle)
}

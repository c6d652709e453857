package aggregate

import (
	"fmt"
	"strings"

	"budgetflow/internal/core"
)

// LatestPolicy reports whether candidate replaces current as a vendor's
// latest actual record. current always precedes candidate in the merged list.
type LatestPolicy func(current, candidate core.Record) bool

// OrderWins keeps the last actual record in iteration order, regardless of
// its date.
func OrderWins(_, _ core.Record) bool {
	return true
}

// DateWins keeps the actual record with the latest date. Records on the same
// date fall back to iteration order.
func DateWins(current, candidate core.Record) bool {
	return !candidate.Date.Before(current.Date.Time)
}

// Policy names accepted by PolicyByName.
const (
	PolicyOrder = "order"
	PolicyDate  = "date"
)

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (LatestPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyOrder:
		return OrderWins, nil
	case PolicyDate:
		return DateWins, nil
	default:
		return nil, fmt.Errorf("unknown latest policy %q: must be %q or %q", name, PolicyOrder, PolicyDate)
	}
}

// Package records holds the latest full snapshot of each dataset.
package records

import "budgetflow/internal/core"

// Store keeps the most recent snapshot delivered for each dataset. Snapshots
// are replaced wholesale, never patched. Store is not safe for concurrent
// use; the publisher guards it.
type Store struct {
	primary   []core.Record
	secondary []core.Record

	primaryGen   uint64
	secondaryGen uint64
}

func New() *Store {
	return &Store{}
}

// Replace swaps the snapshot of ds. Amounts outside the core bounds are
// zeroed on a copy; otherwise records are stored as given. Unknown datasets
// are ignored.
func (s *Store) Replace(ds core.Dataset, recs []core.Record) {
	recs = bounded(recs)
	switch ds {
	case core.Primary:
		s.primary = recs
		s.primaryGen++
	case core.Secondary:
		s.secondary = recs
		s.secondaryGen++
	}
}

// Snapshot returns the current records of ds.
func (s *Store) Snapshot(ds core.Dataset) []core.Record {
	switch ds {
	case core.Primary:
		return s.primary
	case core.Secondary:
		return s.secondary
	default:
		return nil
	}
}

// Merged returns primary records followed by secondary records, each in
// delivery order. The result is a new slice.
func (s *Store) Merged() []core.Record {
	out := make([]core.Record, 0, len(s.primary)+len(s.secondary))
	out = append(out, s.primary...)
	return append(out, s.secondary...)
}

// Generation returns how many snapshots each dataset has received.
func (s *Store) Generation() (primary, secondary uint64) {
	return s.primaryGen, s.secondaryGen
}

func bounded(recs []core.Record) []core.Record {
	for i, r := range recs {
		if !core.AmountInRange(r.Amount) {
			out := make([]core.Record, len(recs))
			copy(out, recs)
			out[i] = r.Bounded()
			for j := i + 1; j < len(out); j++ {
				out[j] = out[j].Bounded()
			}
			return out
		}
	}
	return recs
}

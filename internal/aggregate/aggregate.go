// Package aggregate derives the dashboard views from a filtered record list.
//
// Two notions of "actual spend per vendor" coexist on purpose and are kept as
// separate computations:
//
//   - latestActual: one amount per vendor, chosen by a LatestPolicy. It feeds
//     actualFlows, chartData, comparison.actual, heatmap and the totals.
//   - cumulativeActual: the sum of every actual amount per vendor. It only
//     ranks the top vendor.
package aggregate

import (
	"sort"

	"budgetflow/internal/core"

	"github.com/shopspring/decimal"
)

// Aggregator turns records into a ViewBundle. It holds no state between
// calls; the zero value is not usable, use New.
type Aggregator struct {
	latest LatestPolicy
}

type Option func(*Aggregator)

// WithLatestPolicy replaces the rule that picks a vendor's latest actual amount.
func WithLatestPolicy(p LatestPolicy) Option {
	return func(a *Aggregator) {
		if p != nil {
			a.latest = p
		}
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{latest: OrderWins}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate computes every view from recs. The input is not modified and the
// returned bundle shares no memory with previous results.
func (a *Aggregator) Aggregate(recs []core.Record) core.ViewBundle {
	b := core.EmptyBundle()

	latest := latestActual(recs, a.latest)
	frequency := actualFrequency(recs)

	for _, vendor := range latest.order {
		amount := latest.byVendor[vendor].Amount
		b.LatestActualByVendor[vendor] = amount
		b.ActualFlows = append(b.ActualFlows, core.VendorAmount{To: vendor, Amount: amount})
		b.ChartData = append(b.ChartData, core.ChartPoint{Name: vendor, Amount: amount})

		freq := frequency[vendor]
		if freq < 1 {
			freq = 1
		}
		b.Heatmap = append(b.Heatmap, core.HeatCell{Vendor: vendor, Frequency: freq})
	}

	b.TimeSeries = timeSeries(recs)
	b.Comparison = comparison(recs, latest)
	b.Summary = summarize(recs, b, cumulativeActual(recs))
	return b
}

// latestSet is the vendor -> latest actual record mapping in first-seen order.
type latestSet struct {
	order    []string
	byVendor map[string]core.Record
}

func latestActual(recs []core.Record, policy LatestPolicy) latestSet {
	set := latestSet{byVendor: map[string]core.Record{}}
	for _, r := range recs {
		if r.Type != core.Actual {
			continue
		}
		current, ok := set.byVendor[r.To]
		if !ok {
			set.order = append(set.order, r.To)
			set.byVendor[r.To] = r
			continue
		}
		if policy(current, r) {
			set.byVendor[r.To] = r
		}
	}
	return set
}

// vendorTotals is an insertion-ordered vendor -> amount sum.
type vendorTotals struct {
	order []string
	sum   map[string]decimal.Decimal
}

func cumulativeActual(recs []core.Record) vendorTotals {
	totals := vendorTotals{sum: map[string]decimal.Decimal{}}
	for _, r := range recs {
		if r.Type != core.Actual {
			continue
		}
		prev, ok := totals.sum[r.To]
		if !ok {
			totals.order = append(totals.order, r.To)
		}
		totals.sum[r.To] = prev.Add(r.Amount)
	}
	return totals
}

func actualFrequency(recs []core.Record) map[string]int {
	freq := map[string]int{}
	for _, r := range recs {
		if r.Type == core.Actual {
			freq[r.To]++
		}
	}
	return freq
}

// timeSeries sums every record by date, buckets in first-seen order.
func timeSeries(recs []core.Record) []core.DatePoint {
	out := []core.DatePoint{}
	index := map[string]int{}
	for _, r := range recs {
		date := r.Date.String()
		if i, ok := index[date]; ok {
			out[i].Amount = out[i].Amount.Add(r.Amount)
			continue
		}
		index[date] = len(out)
		out = append(out, core.DatePoint{Date: date, Amount: r.Amount})
	}
	return out
}

// comparison has one row per distinct vendor: planned is cumulative, actual is
// the latest actual amount. Rows are sorted by name.
func comparison(recs []core.Record, latest latestSet) []core.ComparisonRow {
	rows := []core.ComparisonRow{}
	index := map[string]int{}
	for _, r := range recs {
		i, ok := index[r.To]
		if !ok {
			i = len(rows)
			index[r.To] = i
			rows = append(rows, core.ComparisonRow{Name: r.To, Planned: decimal.Zero, Actual: decimal.Zero})
		}
		if r.Type == core.Planned {
			rows[i].Planned = rows[i].Planned.Add(r.Amount)
		}
	}
	for i := range rows {
		if rec, ok := latest.byVendor[rows[i].Name]; ok {
			rows[i].Actual = rec.Amount
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

func summarize(recs []core.Record, b core.ViewBundle, cumulative vendorTotals) core.SummaryMetrics {
	m := core.SummaryMetrics{
		TotalActualBudget:      decimal.Zero,
		ActualTransactionCount: len(b.ActualFlows),
		RecordCount:            len(recs),
	}
	for _, f := range b.ActualFlows {
		m.TotalActualBudget = m.TotalActualBudget.Add(f.Amount)
	}
	for _, h := range b.Heatmap {
		m.AdjustmentCount += h.Frequency
	}
	for _, r := range recs {
		if r.Coerced() {
			m.CoercedCount++
		}
	}
	m.TopVendor = topVendor(cumulative)
	return m
}

// topVendor picks the highest cumulative actual amount; ties go to the vendor
// seen first.
func topVendor(cumulative vendorTotals) *core.VendorAmount {
	var top *core.VendorAmount
	for _, vendor := range cumulative.order {
		sum := cumulative.sum[vendor]
		if top == nil || sum.GreaterThan(top.Amount) {
			top = &core.VendorAmount{To: vendor, Amount: sum}
		}
	}
	return top
}

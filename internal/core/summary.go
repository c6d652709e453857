package core

import "github.com/shopspring/decimal"

// VendorAmount pairs a receiving party with an amount.
type VendorAmount struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// ChartPoint is VendorAmount renamed for chart consumers.
type ChartPoint struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// DatePoint is one bucket of the time series.
type DatePoint struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// ComparisonRow compares cumulative planned spend with the latest actual
// amount for one vendor.
type ComparisonRow struct {
	Name    string          `json:"name"`
	Planned decimal.Decimal `json:"planned"`
	Actual  decimal.Decimal `json:"actual"`
}

// HeatCell counts how often a vendor's actual amount was recorded.
type HeatCell struct {
	Vendor    string `json:"vendor"`
	Frequency int    `json:"frequency"`
}

// SummaryMetrics are the headline numbers of a bundle.
type SummaryMetrics struct {
	TotalActualBudget      decimal.Decimal `json:"totalActualBudget"`
	ActualTransactionCount int             `json:"actualTransactionCount"`
	// TopVendor ranks by cumulative actual spend; nil when there are no actuals.
	TopVendor       *VendorAmount `json:"topVendor"`
	AdjustmentCount int           `json:"adjustmentCount"`
	RecordCount     int           `json:"recordCount"`
	CoercedCount    int           `json:"coercedCount"`
}

// ViewBundle is the full set of derived views produced by one recompute.
type ViewBundle struct {
	Sequence             uint64                     `json:"sequence"`
	Query                string                     `json:"query"`
	LatestActualByVendor map[string]decimal.Decimal `json:"latestActualByVendor"`
	ActualFlows          []VendorAmount             `json:"actualFlows"`
	ChartData            []ChartPoint               `json:"chartData"`
	TimeSeries           []DatePoint                `json:"timeSeries"`
	Comparison           []ComparisonRow            `json:"comparison"`
	Heatmap              []HeatCell                 `json:"heatmap"`
	Summary              SummaryMetrics             `json:"summaryMetrics"`
}

// EmptyBundle returns a bundle with every view present and empty.
func EmptyBundle() ViewBundle {
	return ViewBundle{
		LatestActualByVendor: map[string]decimal.Decimal{},
		ActualFlows:          []VendorAmount{},
		ChartData:            []ChartPoint{},
		TimeSeries:           []DatePoint{},
		Comparison:           []ComparisonRow{},
		Heatmap:              []HeatCell{},
		Summary:              SummaryMetrics{TotalActualBudget: decimal.Zero},
	}
}

package aggregate

import (
	"bytes"
	"encoding/json"
	"testing"

	"budgetflow/internal/core"
	"budgetflow/internal/search"

	"github.com/shopspring/decimal"
)

func flow(to string, amount int64, typ core.FlowType, date string) core.Record {
	d, err := core.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return core.Record{From: "Ops", To: to, Amount: decimal.NewFromInt(amount), Type: typ, Date: d}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func mixed() []core.Record {
	return []core.Record{
		flow("VendorB", 300, core.Planned, "2024-01-01"),
		flow("VendorA", 100, core.Planned, "2024-01-01"),
		flow("VendorA", 90, core.Actual, "2024-01-02"),
		flow("VendorC", 40, core.Actual, "2024-01-03"),
		flow("VendorA", 95, core.Actual, "2024-01-02"),
		flow("VendorB", 280, core.Actual, "2024-01-04"),
		flow("VendorC", 10, core.Actual, "2024-01-01"),
		flow("VendorD", 5, core.Planned, "2024-01-05"),
	}
}

func TestSingleVendorScenario(t *testing.T) {
	recs := []core.Record{
		flow("VendorA", 100, core.Planned, "2024-01-01"),
		flow("VendorA", 90, core.Actual, "2024-01-02"),
	}
	b := New().Aggregate(search.Filter(recs, ""))

	if len(b.Comparison) != 1 {
		t.Fatalf("comparison: %+v", b.Comparison)
	}
	row := b.Comparison[0]
	if row.Name != "VendorA" || !row.Planned.Equal(dec(100)) || !row.Actual.Equal(dec(90)) {
		t.Fatalf("unexpected comparison row: %+v", row)
	}
	if len(b.ActualFlows) != 1 || b.ActualFlows[0].To != "VendorA" || !b.ActualFlows[0].Amount.Equal(dec(90)) {
		t.Fatalf("unexpected actual flows: %+v", b.ActualFlows)
	}
	if !b.Summary.TotalActualBudget.Equal(dec(90)) {
		t.Fatalf("total actual: %s", b.Summary.TotalActualBudget)
	}
	if len(b.ChartData) != 1 || b.ChartData[0].Name != "VendorA" {
		t.Fatalf("chart data: %+v", b.ChartData)
	}
}

func TestLastWinsVersusCumulativeTopVendor(t *testing.T) {
	recs := []core.Record{
		flow("VendorX", 50, core.Actual, "2024-02-01"),
		flow("VendorY", 100, core.Actual, "2024-02-01"),
		flow("VendorX", 70, core.Actual, "2024-02-02"),
	}
	b := New().Aggregate(recs)

	if got := b.LatestActualByVendor["VendorX"]; !got.Equal(dec(70)) {
		t.Fatalf("latest VendorX = %s, want 70", got)
	}
	if b.Summary.TopVendor == nil {
		t.Fatalf("expected a top vendor")
	}
	if b.Summary.TopVendor.To != "VendorX" || !b.Summary.TopVendor.Amount.Equal(dec(120)) {
		t.Fatalf("top vendor = %+v, want VendorX 120", *b.Summary.TopVendor)
	}
	// Overwrite semantics drive the total: 70 + 100, not 120 + 100.
	if !b.Summary.TotalActualBudget.Equal(dec(170)) {
		t.Fatalf("total actual = %s, want 170", b.Summary.TotalActualBudget)
	}
}

func TestTotalEqualsSumOfActualFlows(t *testing.T) {
	inputs := [][]core.Record{nil, mixed(), mixed()[:3], mixed()[4:]}
	for i, recs := range inputs {
		b := New().Aggregate(recs)
		sum := decimal.Zero
		for _, f := range b.ActualFlows {
			sum = sum.Add(f.Amount)
		}
		if !sum.Equal(b.Summary.TotalActualBudget) {
			t.Fatalf("input %d: sum %s != total %s", i, sum, b.Summary.TotalActualBudget)
		}
		if b.Summary.ActualTransactionCount != len(b.ActualFlows) {
			t.Fatalf("input %d: count mismatch", i)
		}
	}
}

func TestComparisonSortedStrictly(t *testing.T) {
	b := New().Aggregate(mixed())
	want := []string{"VendorA", "VendorB", "VendorC", "VendorD"}
	if len(b.Comparison) != len(want) {
		t.Fatalf("comparison rows: %+v", b.Comparison)
	}
	for i := range want {
		if b.Comparison[i].Name != want[i] {
			t.Fatalf("row %d = %q, want %q", i, b.Comparison[i].Name, want[i])
		}
		if i > 0 && !(b.Comparison[i-1].Name < b.Comparison[i].Name) {
			t.Fatalf("comparison not strictly ascending at %d", i)
		}
	}
	// VendorD has only planned spend.
	d := b.Comparison[3]
	if !d.Planned.Equal(dec(5)) || !d.Actual.IsZero() {
		t.Fatalf("VendorD row: %+v", d)
	}
	// VendorB: planned 300, latest actual 280.
	if !b.Comparison[1].Planned.Equal(dec(300)) || !b.Comparison[1].Actual.Equal(dec(280)) {
		t.Fatalf("VendorB row: %+v", b.Comparison[1])
	}
}

func TestAggregateIsDeterministic(t *testing.T) {
	recs := mixed()
	first, err := json.Marshal(New().Aggregate(recs))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := json.Marshal(New().Aggregate(recs))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("run %d differs:\n%s\n%s", i, first, again)
		}
	}
}

func TestHeatmap(t *testing.T) {
	b := New().Aggregate(mixed())
	if len(b.Heatmap) != len(b.LatestActualByVendor) {
		t.Fatalf("heatmap has %d cells for %d vendors", len(b.Heatmap), len(b.LatestActualByVendor))
	}
	want := map[string]int{"VendorA": 2, "VendorC": 2, "VendorB": 1}
	total := 0
	for _, cell := range b.Heatmap {
		if cell.Frequency < 1 {
			t.Fatalf("frequency below floor: %+v", cell)
		}
		if cell.Frequency != want[cell.Vendor] {
			t.Fatalf("%s frequency = %d, want %d", cell.Vendor, cell.Frequency, want[cell.Vendor])
		}
		total += cell.Frequency
	}
	if b.Summary.AdjustmentCount != total {
		t.Fatalf("adjustment count %d != %d", b.Summary.AdjustmentCount, total)
	}
}

func TestActualFlowsFollowFirstSeenOrder(t *testing.T) {
	b := New().Aggregate(mixed())
	want := []struct {
		to     string
		amount int64
	}{{"VendorA", 95}, {"VendorC", 10}, {"VendorB", 280}}
	if len(b.ActualFlows) != len(want) {
		t.Fatalf("actual flows: %+v", b.ActualFlows)
	}
	for i, w := range want {
		if b.ActualFlows[i].To != w.to || !b.ActualFlows[i].Amount.Equal(dec(w.amount)) {
			t.Fatalf("flow %d = %+v, want %s %d", i, b.ActualFlows[i], w.to, w.amount)
		}
	}
}

func TestTimeSeriesSumsAllTypes(t *testing.T) {
	b := New().Aggregate(mixed())
	want := []struct {
		date   string
		amount int64
	}{
		{"2024-01-01", 300 + 100 + 10},
		{"2024-01-02", 90 + 95},
		{"2024-01-03", 40},
		{"2024-01-04", 280},
		{"2024-01-05", 5},
	}
	if len(b.TimeSeries) != len(want) {
		t.Fatalf("time series: %+v", b.TimeSeries)
	}
	for i, w := range want {
		if b.TimeSeries[i].Date != w.date || !b.TimeSeries[i].Amount.Equal(dec(w.amount)) {
			t.Fatalf("bucket %d = %+v, want %s %d", i, b.TimeSeries[i], w.date, w.amount)
		}
	}
}

func TestDateWinsPolicy(t *testing.T) {
	recs := mixed()
	b := New(WithLatestPolicy(DateWins)).Aggregate(recs)
	// VendorC: 40 on 01-03 then 10 on 01-01; the dated rule keeps 40.
	if got := b.LatestActualByVendor["VendorC"]; !got.Equal(dec(40)) {
		t.Fatalf("VendorC latest = %s, want 40", got)
	}
	// Same date falls back to order.
	if got := b.LatestActualByVendor["VendorA"]; !got.Equal(dec(95)) {
		t.Fatalf("VendorA latest = %s, want 95", got)
	}
	for _, row := range b.Comparison {
		if row.Name == "VendorC" && !row.Actual.Equal(dec(40)) {
			t.Fatalf("comparison must use the same policy: %+v", row)
		}
	}
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{"", "order", "DATE"} {
		if _, err := PolicyByName(name); err != nil {
			t.Fatalf("PolicyByName(%q): %v", name, err)
		}
	}
	if _, err := PolicyByName("newest"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestEmptyInput(t *testing.T) {
	b := New().Aggregate(nil)
	if b.Summary.TopVendor != nil {
		t.Fatalf("no actuals should mean no top vendor")
	}
	if b.ActualFlows == nil || b.Comparison == nil || b.TimeSeries == nil || b.Heatmap == nil {
		t.Fatalf("views must be empty, not nil: %+v", b)
	}
	out, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(out, []byte("null,")) && !bytes.Contains(out, []byte(`"topVendor":null`)) {
		t.Fatalf("unexpected null view: %s", out)
	}
}

func TestCoercedRecordsAreKept(t *testing.T) {
	recs, err := core.DecodeRecords([]byte(`[
		{"from":"Ops","to":"VendorA","amount":"n/a","type":"actual","date":"2024-01-01"},
		{"to":"VendorA","amount":30,"type":"actual"},
		{"from":"Ops","to":"VendorB","amount":10,"type":"bonus","date":"2024-01-01"}
	]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := New().Aggregate(recs)
	if b.Summary.RecordCount != 3 || b.Summary.CoercedCount != 3 {
		t.Fatalf("summary counts: %+v", b.Summary)
	}
	if got := b.Heatmap[0]; got.Vendor != "VendorA" || got.Frequency != 2 {
		t.Fatalf("coerced actuals must still count: %+v", got)
	}
	if !b.LatestActualByVendor["VendorA"].Equal(dec(30)) {
		t.Fatalf("latest VendorA: %s", b.LatestActualByVendor["VendorA"])
	}
	// Unknown type: present in comparison and time series, absent from actuals.
	if _, ok := b.LatestActualByVendor["VendorB"]; ok {
		t.Fatalf("unknown type must not count as actual")
	}
	if len(b.Comparison) != 2 || !b.Comparison[1].Planned.IsZero() {
		t.Fatalf("comparison: %+v", b.Comparison)
	}
	if len(b.TimeSeries) != 2 || b.TimeSeries[1].Date != "2023-09-13" {
		t.Fatalf("time series: %+v", b.TimeSeries)
	}
}

func TestAggregateDoesNotMutateInput(t *testing.T) {
	recs := mixed()
	before, _ := json.Marshal(recs)
	New().Aggregate(recs)
	after, _ := json.Marshal(recs)
	if !bytes.Equal(before, after) {
		t.Fatalf("input mutated")
	}
}

func TestOutOfRangeAmountDoesNotStallAggregation(t *testing.T) {
	recs, err := core.DecodeRecords([]byte(`[
		{"from":"Ops","to":"VendorA","amount":1e300000000,"type":"actual","date":"2024-01-01"},
		{"from":"Ops","to":"VendorB","amount":25,"type":"actual","date":"2024-01-01"}
	]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := search.Filter(recs, "zzz"); len(got) != 0 {
		t.Fatalf("unexpected match: %+v", got)
	}
	b := New().Aggregate(recs)
	if !b.Summary.TotalActualBudget.Equal(dec(25)) || b.Summary.CoercedCount != 1 {
		t.Fatalf("summary: %+v", b.Summary)
	}
	if !b.LatestActualByVendor["VendorA"].IsZero() {
		t.Fatalf("VendorA should be coerced to zero, got %s", b.LatestActualByVendor["VendorA"])
	}
}

func TestUnparsableDateSharesDefaultDateBucket(t *testing.T) {
	recs, err := core.DecodeRecords([]byte(`[
		{"from":"Ops","to":"VendorA","amount":10,"type":"actual","date":"2023-09-13"},
		{"from":"Ops","to":"VendorB","amount":5,"type":"actual","date":"13/09/2023?"}
	]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := New().Aggregate(recs)
	if len(b.TimeSeries) != 1 || b.TimeSeries[0].Date != core.DefaultDate.String() || !b.TimeSeries[0].Amount.Equal(dec(15)) {
		t.Fatalf("time series: %+v", b.TimeSeries)
	}
	if b.Summary.CoercedCount != 1 {
		t.Fatalf("the bad date must still be reported, coerced = %d", b.Summary.CoercedCount)
	}
}

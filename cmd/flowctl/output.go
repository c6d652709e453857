package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"budgetflow/internal/core"
)

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

func printRecord(w io.Writer, rec core.Record) {
	if jsonOutput {
		printJSON(w, rec)
		return
	}
	fmt.Fprintf(w, "ID:      %s\n", rec.ID)
	fmt.Fprintf(w, "From:    %s\n", rec.From)
	fmt.Fprintf(w, "To:      %s\n", rec.To)
	fmt.Fprintf(w, "Amount:  %s\n", rec.Amount.StringFixed(2))
	fmt.Fprintf(w, "Type:    %s\n", rec.Type)
	fmt.Fprintf(w, "Date:    %s\n", rec.Date)
	for _, s := range rec.Steps {
		fmt.Fprintf(w, "Step %d:  [%s] %s\n", s.Number, s.Status, s.Text)
		if s.HasAttachment() {
			fmt.Fprintf(w, "         %s\n", s.PDFURL)
		}
	}
}

func printRecords(w io.Writer, recs []core.Record) {
	if jsonOutput {
		printJSON(w, recs)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tTYPE\tFROM\tTO\tAMOUNT\tSTEPS")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Date,
			r.Type,
			truncate(r.From, 30),
			truncate(r.To, 30),
			r.Amount.StringFixed(2),
			stepProgress(r.Steps),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d records\n", len(recs))
}

// stepProgress renders "approved/total", or "-" for records without steps.
func stepProgress(steps []core.Step) string {
	if len(steps) == 0 {
		return "-"
	}
	approved := 0
	for _, s := range steps {
		if s.Status == core.Approved {
			approved++
		}
	}
	return fmt.Sprintf("%d/%d", approved, len(steps))
}

func printBundle(w io.Writer, b core.ViewBundle) {
	if jsonOutput {
		printJSON(w, b)
		return
	}
	s := b.Summary
	fmt.Fprintf(w, "Records:           %d (%d coerced)\n", s.RecordCount, s.CoercedCount)
	if b.Query != "" {
		fmt.Fprintf(w, "Query:             %s\n", b.Query)
	}
	fmt.Fprintf(w, "Actual budget:     %s\n", s.TotalActualBudget.StringFixed(2))
	fmt.Fprintf(w, "Actual entries:    %d\n", s.ActualTransactionCount)
	fmt.Fprintf(w, "Adjustments:       %d\n", s.AdjustmentCount)
	if s.TopVendor != nil {
		fmt.Fprintf(w, "Top vendor:        %s (%s)\n", s.TopVendor.To, s.TopVendor.Amount.StringFixed(2))
	}

	if len(b.Comparison) > 0 {
		fmt.Fprintln(w, "\nPlanned vs actual:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "VENDOR\tPLANNED\tACTUAL")
		for _, row := range b.Comparison {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", truncate(row.Name, 40), row.Planned.StringFixed(2), row.Actual.StringFixed(2))
		}
		tw.Flush()
	}

	if len(b.TimeSeries) > 0 {
		fmt.Fprintln(w, "\nActual spend by date:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DATE\tAMOUNT")
		for _, p := range b.TimeSeries {
			fmt.Fprintf(tw, "%s\t%s\n", p.Date, p.Amount.StringFixed(2))
		}
		tw.Flush()
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

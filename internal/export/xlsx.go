// Package export renders a view bundle as an Excel workbook.
package export

import (
	"fmt"
	"io"

	"budgetflow/internal/core"

	"github.com/xuri/excelize/v2"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names, in workbook order.
const (
	SheetSummary    = "Summary"
	SheetActual     = "Actual"
	SheetComparison = "Comparison"
	SheetTimeSeries = "TimeSeries"
	SheetHeatmap    = "Heatmap"
)

// WriteXLSX writes one sheet per view of b. Amounts are numeric cells.
func WriteXLSX(w io.Writer, b core.ViewBundle) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename default sheet: %w", err)
	}
	for _, name := range []string{SheetActual, SheetComparison, SheetTimeSeries, SheetHeatmap} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	top, topAmount := "", any("")
	if b.Summary.TopVendor != nil {
		top, topAmount = b.Summary.TopVendor.To, b.Summary.TopVendor.Amount.InexactFloat64()
	}
	summary := [][]any{
		{"Metric", "Value"},
		{"Sequence", b.Sequence},
		{"Query", b.Query},
		{"Total actual budget", b.Summary.TotalActualBudget.InexactFloat64()},
		{"Actual transactions", b.Summary.ActualTransactionCount},
		{"Top vendor", top},
		{"Top vendor cumulative actual", topAmount},
		{"Adjustments", b.Summary.AdjustmentCount},
		{"Records", b.Summary.RecordCount},
		{"Coerced records", b.Summary.CoercedCount},
	}
	if err := writeRows(f, SheetSummary, summary); err != nil {
		return err
	}

	actual := [][]any{{"Vendor", "Latest actual"}}
	for _, v := range b.ActualFlows {
		actual = append(actual, []any{v.To, v.Amount.InexactFloat64()})
	}
	if err := writeRows(f, SheetActual, actual); err != nil {
		return err
	}

	comparison := [][]any{{"Vendor", "Planned", "Actual"}}
	for _, row := range b.Comparison {
		comparison = append(comparison, []any{row.Name, row.Planned.InexactFloat64(), row.Actual.InexactFloat64()})
	}
	if err := writeRows(f, SheetComparison, comparison); err != nil {
		return err
	}

	series := [][]any{{"Date", "Amount"}}
	for _, p := range b.TimeSeries {
		series = append(series, []any{p.Date, p.Amount.InexactFloat64()})
	}
	if err := writeRows(f, SheetTimeSeries, series); err != nil {
		return err
	}

	heat := [][]any{{"Vendor", "Frequency"}}
	for _, c := range b.Heatmap {
		heat = append(heat, []any{c.Vendor, c.Frequency})
	}
	if err := writeRows(f, SheetHeatmap, heat); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

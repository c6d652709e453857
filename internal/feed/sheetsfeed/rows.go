package sheetsfeed

import (
	"encoding/json"
	"fmt"
	"strings"

	"budgetflow/internal/core"
)

// Columns is the header row written by PublishSnapshot. Reading looks
// columns up by header name, so operators may reorder or add columns.
var Columns = []string{"id", "from", "to", "amount", "type", "date", "steps"}

// parseRows converts a sheet (header row first) into records. Cells go through
// the tolerant record decoder, so bad cells are coerced, not rejected.
func parseRows(values [][]any) ([]core.Record, error) {
	if len(values) == 0 {
		return []core.Record{}, nil
	}
	headers := toStrings(values[0])
	cols := map[string]int{}
	for _, name := range Columns {
		cols[name] = indexOf(headers, name)
	}
	if cols["to"] == -1 || cols["amount"] == -1 {
		return nil, fmt.Errorf("unexpected sheet header: need to and amount, got headers=%v", headers)
	}

	objs := make([]map[string]any, 0, len(values)-1)
	for _, raw := range values[1:] {
		row := toStrings(raw)
		if blank(row) {
			continue
		}
		obj := map[string]any{}
		for name, idx := range cols {
			v := safeGet(row, idx)
			if v == "" {
				continue
			}
			if name == "steps" {
				obj[name] = stepsCell(v)
				continue
			}
			obj[name] = v
		}
		objs = append(objs, obj)
	}

	payload, err := json.Marshal(objs)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return core.DecodeRecords(payload)
}

// stepsCell keeps valid JSON as is; anything else stays a string and is
// reported as malformed steps by the decoder.
func stepsCell(v string) any {
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	return v
}

// formatRows is the inverse of parseRows.
func formatRows(recs []core.Record) ([][]any, error) {
	out := make([][]any, 0, len(recs)+1)
	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	out = append(out, header)

	for _, r := range recs {
		steps := ""
		if len(r.Steps) > 0 {
			b, err := json.Marshal(r.Steps)
			if err != nil {
				return nil, fmt.Errorf("encode steps of %s: %w", r.ID, err)
			}
			steps = string(b)
		}
		out = append(out, []any{r.ID, r.From, r.To, r.Amount.String(), r.Type.String(), r.Date.String(), steps})
	}
	return out, nil
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func indexOf(arr []string, target string) int {
	for i, v := range arr {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(target)) {
			return i
		}
	}
	return -1
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

func blank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}

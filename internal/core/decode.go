package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Issue codes recorded on coerced records.
const (
	IssueNotObject     = "record is not an object"
	IssueMissingFrom   = "missing from"
	IssueMissingTo     = "missing to"
	IssueBadAmount     = "amount is not a number"
	IssueAmountRange   = "amount out of range"
	IssueNegative      = "amount is negative"
	IssueUnknownType   = "unknown type"
	IssueMissingDate   = "missing date"
	IssueBadDate       = "unparsable date"
	IssueBadSteps      = "steps is not a list"
	IssueBadStep       = "malformed step"
	IssueUnknownStatus = "unknown step status"
)

type wireRecord struct {
	ID     json.RawMessage `json:"id"`
	From   json.RawMessage `json:"from"`
	To     json.RawMessage `json:"to"`
	Amount json.RawMessage `json:"amount"`
	Type   json.RawMessage `json:"type"`
	Date   json.RawMessage `json:"date"`
	Steps  json.RawMessage `json:"steps"`
}

type wireStep struct {
	Number json.RawMessage `json:"number"`
	Text   json.RawMessage `json:"text"`
	Status json.RawMessage `json:"status"`
	PDFURL json.RawMessage `json:"pdfUrl"`
}

// DecodeRecords decodes a snapshot payload. Individual records never fail:
// bad fields are coerced and noted in Record.Issues. Only a payload that is
// not a JSON array is an error.
func DecodeRecords(data []byte) ([]Record, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	out := make([]Record, len(raw))
	for i, msg := range raw {
		out[i] = decodeRecord(msg)
	}
	return out, nil
}

// UnmarshalJSON implements json.Unmarshaler. It never returns an error.
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = decodeRecord(data)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for a single step.
func (s *Step) UnmarshalJSON(data []byte) error {
	step, issues := decodeStep(data, 0)
	if len(issues) > 0 && step == (Step{}) {
		return fmt.Errorf("decode step: %s", strings.Join(issues, ", "))
	}
	*s = step
	return nil
}

func decodeRecord(data []byte) Record {
	rec := Record{Amount: decimal.Zero, Date: DefaultDate}

	var w wireRecord
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &w) != nil {
		rec.Issues = []string{IssueNotObject, IssueMissingFrom, IssueMissingTo}
		return rec
	}

	var issues []string
	note := func(issue string) { issues = append(issues, issue) }

	rec.ID, _ = rawString(w.ID)

	var ok bool
	if rec.From, ok = rawString(w.From); !ok {
		note(IssueMissingFrom)
	}
	if rec.To, ok = rawString(w.To); !ok {
		note(IssueMissingTo)
	}

	amount, issue := rawAmount(w.Amount)
	rec.Amount = amount
	if issue != "" {
		note(issue)
	}

	typeText, _ := rawString(w.Type)
	if t, err := ParseFlowType(typeText); err == nil {
		rec.Type = t
	} else {
		note(IssueUnknownType)
	}

	switch dateText, ok := rawString(w.Date); {
	case !ok || strings.TrimSpace(dateText) == "":
		note(IssueMissingDate)
	default:
		if d, err := ParseDate(dateText); err == nil {
			rec.Date = d
		} else {
			note(IssueBadDate)
		}
	}

	if !isNull(w.Steps) {
		var rawSteps []json.RawMessage
		if err := json.Unmarshal(w.Steps, &rawSteps); err != nil {
			note(IssueBadSteps)
		} else {
			rec.Steps = make([]Step, 0, len(rawSteps))
			for i, rs := range rawSteps {
				step, stepIssues := decodeStep(rs, i+1)
				issues = append(issues, stepIssues...)
				rec.Steps = append(rec.Steps, step)
			}
		}
	}

	rec.Issues = issues
	return rec
}

// decodeStep coerces one step. position is used when the step number is absent.
func decodeStep(data []byte, position int) (Step, []string) {
	var w wireStep
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &w) != nil {
		return Step{Number: position}, []string{IssueBadStep}
	}

	var issues []string
	step := Step{Number: position}

	if !isNull(w.Number) {
		var n json.Number
		if err := json.Unmarshal(w.Number, &n); err == nil {
			if v, err := strconv.Atoi(n.String()); err == nil && v > 0 {
				step.Number = v
			} else {
				issues = append(issues, IssueBadStep)
			}
		} else if s, ok := rawString(w.Number); ok {
			if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && v > 0 {
				step.Number = v
			} else {
				issues = append(issues, IssueBadStep)
			}
		}
	}

	step.Text, _ = rawString(w.Text)
	step.PDFURL, _ = rawString(w.PDFURL)

	statusText, _ := rawString(w.Status)
	status, err := ParseStepStatus(statusText)
	if err != nil {
		issues = append(issues, IssueUnknownStatus)
	}
	step.Status = status

	return step, issues
}

// rawString returns the string value of a JSON field. Numbers and booleans
// are converted to their literal text. ok is false for missing or null fields.
func rawString(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "", false
	}
	return string(trimmed), true
}

// rawAmount accepts JSON numbers and numeric strings within the amount
// bounds. Anything else becomes zero.
func rawAmount(raw json.RawMessage) (decimal.Decimal, string) {
	if isNull(raw) {
		return decimal.Zero, IssueBadAmount
	}
	text, ok := rawString(raw)
	if !ok {
		return decimal.Zero, IssueBadAmount
	}
	d, err := ParseAmount(text)
	switch {
	case errors.Is(err, ErrAmountOutOfRange):
		return decimal.Zero, IssueAmountRange
	case err != nil:
		return decimal.Zero, IssueBadAmount
	}
	if d.IsNegative() {
		return decimal.Zero, IssueNegative
	}
	return d, ""
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

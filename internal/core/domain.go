// Package core defines budget flow records and the views derived from them.
//
// Records decoded from a feed are never rejected for bad content: each bad
// field is coerced and noted in Record.Issues. A missing or unparsable date
// becomes DefaultDate, so such records share the DefaultDate bucket of the
// time series with records genuinely dated that day. Amounts outside
// MaxAmountExponent and MaxAmountBits become zero.
package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire form of a calendar date.
const DateLayout = "2006-01-02"

// DefaultDate is used for records that carry no usable date.
var DefaultDate = NewDate(2023, 9, 13)

// FlowType is the closed set of record kinds. Values outside the set decode
// to FlowUnknown instead of creating a new category.
type FlowType uint8

const (
	FlowUnknown FlowType = iota
	Planned
	Actual
)

// StepStatus is the closed set of workflow step states. Pending is the zero value.
type StepStatus uint8

const (
	Pending StepStatus = iota
	Approved
	Rejected
)

// Dataset names one of the two independently fed record sets.
type Dataset string

const (
	Primary   Dataset = "primary"
	Secondary Dataset = "secondary"
)

// Datasets lists every dataset in merge order.
var Datasets = []Dataset{Primary, Secondary}

type (
	Date struct {
		time.Time
	}

	// Step is one stage of a record's approval workflow.
	Step struct {
		Number int        `json:"number"`
		Text   string     `json:"text"`
		Status StepStatus `json:"status"`
		PDFURL string     `json:"pdfUrl,omitempty"`
	}

	// Record is a single planned or actual transfer between two parties.
	Record struct {
		ID     string          `json:"id,omitempty"`
		From   string          `json:"from"`
		To     string          `json:"to"`
		Amount decimal.Decimal `json:"amount"`
		Type   FlowType        `json:"type"`
		Date   Date            `json:"date"`
		Steps  []Step          `json:"steps"`

		// Issues lists the coercions applied while decoding. Never serialized.
		Issues []string `json:"-"`
	}
)

var (
	ErrUnknownFlowType   = errors.New("unknown flow type")
	ErrUnknownStepStatus = errors.New("unknown step status")
	ErrUnknownDataset    = errors.New("unknown dataset")
	ErrInvalidDate       = errors.New("invalid date")
)

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, ErrInvalidDate
	}
	return Date{Time: t}, nil
}

// DateOf truncates t to its calendar day in UTC.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, int(m), d)
}

func (d Date) String() string {
	if d.IsZero() {
		return DefaultDate.Time.Format(DateLayout)
	}
	return d.Time.Format(DateLayout)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseFlowType matches the wire values case-insensitively.
func ParseFlowType(s string) (FlowType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "planned":
		return Planned, nil
	case "actual":
		return Actual, nil
	default:
		return FlowUnknown, ErrUnknownFlowType
	}
}

func (t FlowType) String() string {
	switch t {
	case Planned:
		return "planned"
	case Actual:
		return "actual"
	default:
		return "unknown"
	}
}

func (t FlowType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *FlowType) UnmarshalText(b []byte) error {
	parsed, err := ParseFlowType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseStepStatus matches the wire values case-insensitively.
func ParseStepStatus(s string) (StepStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "":
		return Pending, nil
	case "approved":
		return Approved, nil
	case "rejected":
		return Rejected, nil
	default:
		return Pending, ErrUnknownStepStatus
	}
}

func (s StepStatus) String() string {
	switch s {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StepStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseStepStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseDataset accepts the dataset names used in configuration and URLs.
func ParseDataset(s string) (Dataset, error) {
	switch Dataset(strings.ToLower(strings.TrimSpace(s))) {
	case Primary:
		return Primary, nil
	case Secondary:
		return Secondary, nil
	default:
		return "", ErrUnknownDataset
	}
}

// Valid reports whether d is one of the closed dataset values.
func (d Dataset) Valid() bool {
	return d == Primary || d == Secondary
}

// Coerced reports whether decoding had to repair this record.
func (r Record) Coerced() bool {
	return len(r.Issues) > 0
}

// HasAttachment reports whether the step references a stored document.
func (s Step) HasAttachment() bool {
	return strings.TrimSpace(s.PDFURL) != ""
}

// WithSteps returns a copy of r carrying steps. The receiver is not modified.
func (r Record) WithSteps(steps []Step) Record {
	out := r
	out.Steps = append([]Step(nil), steps...)
	out.Issues = nil
	return out
}

package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"12.50", "12.5", nil},
		{" 100 ", "100", nil},
		{"-3", "-3", nil},
		{"1e32", "100000000000000000000000000000000", nil},
		{"0e999999999", "0", nil},
		{"1e33", "", ErrAmountOutOfRange},
		{"1e-33", "", ErrAmountOutOfRange},
		{"1e300000000", "", ErrAmountOutOfRange},
		{strings.Repeat("9", 40), "", ErrAmountOutOfRange},
		{"lots", "", ErrInvalidAmount},
		{"", "", ErrInvalidAmount},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("ParseAmount(%q) error = %v, want %v", tc.in, err, tc.wantErr)
			continue
		}
		if tc.wantErr == nil && got.String() != tc.want {
			t.Errorf("ParseAmount(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseAmountNormalizesZero(t *testing.T) {
	got, err := ParseAmount("0e999999999")
	if err != nil || got.Exponent() != 0 {
		t.Fatalf("got %v exp=%d, want plain zero", err, got.Exponent())
	}
}

func TestRecordBounded(t *testing.T) {
	huge := decimal.New(1, 300000000)
	r := Record{To: "VendorA", Amount: huge, Issues: []string{IssueMissingFrom}}
	b := r.Bounded()
	if !b.Amount.IsZero() || !hasIssue(b, IssueAmountRange) || !hasIssue(b, IssueMissingFrom) {
		t.Fatalf("unexpected bounded record: %+v", b)
	}
	if len(r.Issues) != 1 {
		t.Fatalf("Bounded must not modify the original issues")
	}

	ok := Record{To: "VendorA", Amount: decimal.NewFromInt(5)}
	if got := ok.Bounded(); !got.Amount.Equal(ok.Amount) || got.Coerced() {
		t.Fatalf("in-range record changed: %+v", got)
	}

	zero := Record{Amount: decimal.New(0, 999999999)}
	if got := zero.Bounded(); got.Amount.Exponent() != 0 || got.Coerced() {
		t.Fatalf("zero should normalize without an issue: %+v", got)
	}
}

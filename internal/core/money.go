package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount bounds. An accepted amount has at most MaxAmountBits of coefficient
// (about 38 significant digits) and an exponent within ±MaxAmountExponent,
// so sums and text rendering stay proportional to the record count.
const (
	MaxAmountExponent = 32
	MaxAmountBits     = 128
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAmountOutOfRange = errors.New("amount out of range")
)

// ParseAmount parses a decimal amount and enforces the amount bounds. Sign is
// not checked. Zero is returned as decimal.Zero whatever its exponent.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Coefficient().Sign() == 0 {
		return decimal.Zero, nil
	}
	if !AmountInRange(d) {
		return decimal.Zero, ErrAmountOutOfRange
	}
	return d, nil
}

// AmountInRange reports whether d is within the amount bounds.
func AmountInRange(d decimal.Decimal) bool {
	exp := d.Exponent()
	if exp > MaxAmountExponent || exp < -MaxAmountExponent {
		return false
	}
	return d.Coefficient().BitLen() <= MaxAmountBits
}

// Bounded returns r with an out-of-range amount replaced by zero and noted in
// Issues. Records built in code skip the decoder, so consumers of foreign
// records call this before aggregating.
func (r Record) Bounded() Record {
	if AmountInRange(r.Amount) {
		return r
	}
	if r.Amount.Coefficient().Sign() == 0 {
		r.Amount = decimal.Zero
		return r
	}
	r.Amount = decimal.Zero
	r.Issues = append(r.Issues[:len(r.Issues):len(r.Issues)], IssueAmountRange)
	return r
}

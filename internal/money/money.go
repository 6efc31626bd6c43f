// Package money provides shared naira parsing and formatting utilities.
//
// All amounts are stored as int64 kobo, the smallest unit of the naira
// (1 NGN = 100 kobo). Keeping amounts in integer minor units avoids the
// floating-point drift the old client-side fee math suffered from.
package money

import (
	"errors"
	"fmt"
	"strings"
)

// Decimals is the number of decimal places in a naira amount.
const Decimals = 2

// ErrInvalidAmount is returned for amounts that cannot be parsed or are
// out of range for the operation.
var ErrInvalidAmount = errors.New("invalid amount")

// Kobo is a monetary amount in kobo (1/100 NGN). Signed: ledger debits
// are negative, credits positive.
type Kobo int64

// Parse converts a decimal naira string (e.g. "5500.00") to kobo (550000).
//
// Rules:
//   - Empty string parses to 0
//   - Negative amounts are rejected (callers negate explicitly for debits)
//   - At most one decimal point, at most two fractional digits
func Parse(s string) (Kobo, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidAmount
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var total Kobo
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, ErrInvalidAmount
		}
		d := Kobo(c - '0')
		if total > (1<<62)/10 {
			return 0, ErrInvalidAmount
		}
		total = total*10 + d
	}
	return total, nil
}

// Format converts kobo to a decimal naira string with exactly two
// decimal places (e.g. 550000 -> "5500.00").
func (k Kobo) Format() string {
	neg := k < 0
	abs := k
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/100, abs%100)
	if neg {
		return "-" + s
	}
	return s
}

// String implements fmt.Stringer.
func (k Kobo) String() string { return k.Format() }

// Positive reports whether the amount is strictly greater than zero.
func (k Kobo) Positive() bool { return k > 0 }

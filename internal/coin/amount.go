// Package coin models HCOIN amounts with exact integer arithmetic.
package coin

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// Decimals is the number of fractional digits an Amount carries.
const Decimals = 6

// Unit is one whole HCOIN expressed in micro-units.
const Unit Amount = 1_000_000

// Symbol is appended when formatting amounts for humans.
const Symbol = "HCOIN"

// MaxAmount is the largest representable Amount.
const MaxAmount Amount = math.MaxInt64

var (
	// ErrInvalidAmount is returned when an amount string cannot be parsed exactly.
	ErrInvalidAmount = errors.New("coin: invalid amount")
	// ErrOverflow is returned when a product does not fit in an Amount.
	ErrOverflow = errors.New("coin: amount overflow")
)

// Amount is a quantity of HCOIN in micro-units (1 HCOIN = 1,000,000).
type Amount int64

// Coins converts a whole number of coins to an Amount.
func Coins(n int64) Amount {
	return Amount(n) * Unit
}

// Parse reads a decimal string such as "15", "15.5" or "0.000001".
// More than Decimals fractional digits is rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && (!hasDot || frac == "") {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
	}
	var w int64
	if whole != "" {
		v, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		w = v
	}
	var f int64
	if frac != "" {
		v, err := strconv.ParseInt(frac+strings.Repeat("0", Decimals-len(frac)), 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		f = v
	}
	if w > (1<<63-1-f)/int64(Unit) {
		return 0, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	a := Amount(w)*Unit + Amount(f)
	if neg {
		a = -a
	}
	return a, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// MulDiv returns a × num / den, truncated toward zero. The product is
// carried in 128 bits, so only a result outside the Amount range fails.
func (a Amount) MulDiv(num, den int64) (Amount, error) {
	if num < 0 || den <= 0 {
		return 0, fmt.Errorf("coin: muldiv %d/%d: non-positive ratio", num, den)
	}
	neg := a < 0
	ua := uint64(a)
	if neg {
		ua = uint64(-a)
	}
	hi, lo := bits.Mul64(ua, uint64(num))
	if hi >= uint64(den) {
		return 0, fmt.Errorf("%w: %s × %d / %d", ErrOverflow, a, num, den)
	}
	q, _ := bits.Div64(hi, lo, uint64(den))
	if q > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s × %d / %d", ErrOverflow, a, num, den)
	}
	if neg {
		return -Amount(q), nil
	}
	return Amount(q), nil
}

// MulBasisPoints returns a × bps / 10000, truncated toward zero.
func (a Amount) MulBasisPoints(bps int64) (Amount, error) {
	return a.MulDiv(bps, 10_000)
}

// Percent returns a × pct / 100, truncated toward zero, for pct in 0..100.
// A pct in that range can never overflow.
func (a Amount) Percent(pct int) Amount {
	if pct < 0 || pct > 100 {
		panic(fmt.Sprintf("coin: percent %d outside 0..100", pct))
	}
	v, _ := a.MulDiv(int64(pct), 100)
	return v
}

// Decimal renders the amount without a symbol, trimming trailing zeros.
func (a Amount) Decimal() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / int64(Unit)
	frac := v % int64(Unit)
	if frac == 0 {
		return sign + strconv.FormatInt(whole, 10)
	}
	fs := strings.TrimRight(fmt.Sprintf("%0*d", Decimals, frac), "0")
	return sign + strconv.FormatInt(whole, 10) + "." + fs
}

func (a Amount) String() string {
	return a.Decimal() + " " + Symbol
}

// MarshalJSON writes the amount as a JSON number in whole coins.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

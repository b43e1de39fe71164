// Copyright 2025 The OpenMerchant Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amount implements exact fixed-point currency arithmetic.
//
// An Amount is a whole-unit value, a sub-unit fraction with a fixed
// denominator of 1e8, and a currency code. Arithmetic never wraps:
// additions that exceed MaxValue return ErrOverflow and subtractions
// that would go negative return ErrUnderflow. Mixing currencies in
// arithmetic is a protocol violation that must be rejected during
// request validation, so the operations treat it as a programming
// error and panic with a CurrencyMismatchError.
package amount

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// FractionBase is the fixed denominator of the fractional part.
	// One unit of currency equals FractionBase fractional units.
	FractionBase = 100_000_000

	// MaxValue bounds the whole-unit part so that converting an Amount
	// to a total fraction count cannot overflow a signed 64-bit integer.
	MaxValue = uint64(1<<52) - 1

	// MaxCurrencyLen is the longest permitted currency code.
	MaxCurrencyLen = 12

	// blindBytesLen is the size of the fixed binary encoding.
	blindBytesLen = 8 + 4 + MaxCurrencyLen
)

var (
	// ErrOverflow indicates the result would exceed MaxValue.
	ErrOverflow = errors.New("amount overflow")
	// ErrUnderflow indicates the subtrahend was larger than the minuend.
	ErrUnderflow = errors.New("amount underflow")
	// ErrInvalidAmount indicates a malformed amount representation.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidCurrency indicates a missing or over-long currency code.
	ErrInvalidCurrency = errors.New("invalid currency")
)

// CurrencyMismatchError is used as a panic value when arithmetic is
// attempted across two different currencies. Callers must have rejected
// mixed-currency inputs during validation.
type CurrencyMismatchError struct {
	A, B string
}

func (e CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: %q vs %q", e.A, e.B)
}

// Amount is an exact fixed-point currency value.
//
// The zero Amount has no currency and is not valid; construct amounts
// with New, Zero or Parse.
type Amount struct {
	Value    uint64
	Fraction uint32
	Currency string
}

// New returns a normalized Amount.
func New(currency string, value uint64, fraction uint32) (Amount, error) {
	if currency == "" || len(currency) > MaxCurrencyLen {
		return Amount{}, ErrInvalidCurrency
	}
	a := Amount{
		Value:    value,
		Fraction: fraction,
		Currency: currency,
	}
	return a.normalize()
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) (Amount, error) {
	return New(currency, 0, 0)
}

// MustParse parses s and panics on failure. For tests and constants.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse parses the canonical "CUR:units.fraction" representation,
// e.g. "KUDOS:5.01" or "EUR:10".
func Parse(s string) (Amount, error) {
	cur, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Amount{}, fmt.Errorf("%w: missing currency separator in %q", ErrInvalidAmount, s)
	}
	if cur == "" || len(cur) > MaxCurrencyLen {
		return Amount{}, ErrInvalidCurrency
	}

	units, fracStr, hasFrac := strings.Cut(rest, ".")
	value, err := strconv.ParseUint(units, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: bad unit part in %q", ErrInvalidAmount, s)
	}
	if value > MaxValue {
		return Amount{}, ErrOverflow
	}

	var fraction uint32
	if hasFrac {
		if fracStr == "" || len(fracStr) > 8 {
			return Amount{}, fmt.Errorf("%w: bad fractional part in %q", ErrInvalidAmount, s)
		}
		digits, err := strconv.ParseUint(fracStr, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: bad fractional part in %q", ErrInvalidAmount, s)
		}
		// scale e.g. ".01" to 1_000_000 of 1e8
		for i := len(fracStr); i < 8; i++ {
			digits *= 10
		}
		fraction = uint32(digits)
	}

	return Amount{Value: value, Fraction: fraction, Currency: cur}, nil
}

// String renders the canonical "CUR:units.fraction" representation
// with trailing zeros of the fraction removed.
func (a Amount) String() string {
	if a.Fraction == 0 {
		return fmt.Sprintf("%s:%d", a.Currency, a.Value)
	}
	frac := fmt.Sprintf("%08d", a.Fraction)
	frac = strings.TrimRight(frac, "0")
	return fmt.Sprintf("%s:%d.%s", a.Currency, a.Value, frac)
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

func (a Amount) normalize() (Amount, error) {
	a.Value += uint64(a.Fraction / FractionBase)
	a.Fraction %= FractionBase
	if a.Value > MaxValue {
		return Amount{}, ErrOverflow
	}
	return a, nil
}

func (a Amount) checkCurrency(b Amount) {
	if a.Currency != b.Currency {
		panic(CurrencyMismatchError{A: a.Currency, B: b.Currency})
	}
}

// Add returns a+b or ErrOverflow. Panics on currency mismatch.
func (a Amount) Add(b Amount) (Amount, error) {
	a.checkCurrency(b)
	value := a.Value + b.Value
	if value < a.Value {
		return Amount{}, ErrOverflow
	}
	sum := Amount{
		Value:    value,
		Fraction: a.Fraction + b.Fraction,
		Currency: a.Currency,
	}
	return sum.normalize()
}

// Subtract returns a-b or ErrUnderflow if b > a. Panics on currency mismatch.
func (a Amount) Subtract(b Amount) (Amount, error) {
	a.checkCurrency(b)
	if a.Fraction < b.Fraction {
		if a.Value == 0 {
			return Amount{}, ErrUnderflow
		}
		a.Value--
		a.Fraction += FractionBase
	}
	if a.Value < b.Value {
		return Amount{}, ErrUnderflow
	}
	return Amount{
		Value:    a.Value - b.Value,
		Fraction: a.Fraction - b.Fraction,
		Currency: a.Currency,
	}, nil
}

// SubtractFee returns the part of a coin contribution left after the
// deposit fee, or ErrUnderflow if the fee exceeds the contribution.
func (a Amount) SubtractFee(fee Amount) (Amount, error) {
	return a.Subtract(fee)
}

// Cmp returns -1, 0 or +1 as a is less than, equal to or greater
// than b. Panics on currency mismatch.
func (a Amount) Cmp(b Amount) int {
	a.checkCurrency(b)
	switch {
	case a.Value < b.Value:
		return -1
	case a.Value > b.Value:
		return 1
	case a.Fraction < b.Fraction:
		return -1
	case a.Fraction > b.Fraction:
		return 1
	default:
		return 0
	}
}

// BlindBytes returns the fixed 24-byte encoding of the amount, used
// as the public metadata of denomination blind signatures.
func (a Amount) BlindBytes() ([]byte, error) {
	if a.Currency == "" || len(a.Currency) > MaxCurrencyLen {
		return nil, ErrInvalidCurrency
	}
	buf := make([]byte, blindBytesLen)
	binary.BigEndian.PutUint64(buf[0:8], a.Value)
	binary.BigEndian.PutUint32(buf[8:12], a.Fraction)
	copy(buf[12:], a.Currency)
	return buf, nil
}

// ParseBlindBytes decodes the fixed encoding produced by BlindBytes.
func ParseBlindBytes(buf []byte) (Amount, error) {
	if len(buf) != blindBytesLen {
		return Amount{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidAmount, len(buf), blindBytesLen)
	}
	cur := strings.TrimRight(string(buf[12:]), "\x00")
	a := Amount{
		Value:    binary.BigEndian.Uint64(buf[0:8]),
		Fraction: binary.BigEndian.Uint32(buf[8:12]),
		Currency: cur,
	}
	if a.Currency == "" {
		return Amount{}, ErrInvalidCurrency
	}
	if a.Fraction >= FractionBase || a.Value > MaxValue {
		return Amount{}, ErrInvalidAmount
	}
	return a, nil
}

// MarshalJSON encodes the amount as its canonical string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Currency == "" || len(a.Currency) > MaxCurrencyLen {
		return nil, ErrInvalidCurrency
	}
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON decodes the canonical string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("%w: amount must be a string", ErrInvalidAmount)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds all amounts, starting from the zero amount in the currency
// of the first element. Returns ErrOverflow if the total is not
// representable.
func Sum(amounts []Amount) (Amount, error) {
	if len(amounts) == 0 {
		return Amount{}, ErrInvalidAmount
	}
	total, err := Zero(amounts[0].Currency)
	if err != nil {
		return Amount{}, err
	}
	for _, a := range amounts {
		total, err = total.Add(a)
		if err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

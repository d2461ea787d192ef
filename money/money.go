// Package money holds the ledger's monetary value type.
//
// A Money is an integer count of minor units (cents for EUR/BRL/USD) tagged
// with an ISO 4217 currency code. Arithmetic is exact; conversion to and from
// human decimal strings goes through shopspring/decimal and never rounds.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrPrecision        = errors.New("amount has more decimal places than the currency allows")
	ErrEmptyCurrency    = errors.New("currency can't be empty")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrOverflow         = errors.New("amount out of range")
)

// MaxAmount bounds a single value in minor units. Sums of millions of such
// values still fit in an int64.
const MaxAmount int64 = 1_000_000_000_000

type Money struct {
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
}

// minor unit exponents for currencies that do not use two decimal places
var exponents = map[string]int32{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
}

// Exponent returns the number of decimal places of the currency's minor unit.
func Exponent(currency string) int32 {
	if e, ok := exponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

func Zero(currency string) Money {
	return New(0, currency)
}

// Parse reads a decimal string such as "12.34" or "12,34" into minor units.
// Values finer than the currency's minor unit are rejected, not rounded.
func Parse(s, currency string) (Money, error) {
	if strings.TrimSpace(currency) == "" {
		return Money{}, ErrEmptyCurrency
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return Money{}, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	minor := d.Shift(Exponent(currency))
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("%w: %q in %s", ErrPrecision, s, strings.ToUpper(currency))
	}
	if minor.Abs().GreaterThan(decimal.NewFromInt(MaxAmount)) {
		return Money{}, fmt.Errorf("%w: %q", ErrOverflow, s)
	}

	return New(minor.IntPart(), currency), nil
}

// MustParse is Parse for constants in tests and fixtures.
func MustParse(s, currency string) Money {
	m, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the value in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -Exponent(m.Currency))
}

// String formats the value as "12.34 EUR".
func (m Money) String() string {
	return m.Decimal().StringFixed(Exponent(m.Currency)) + " " + m.Currency
}

// Format returns the decimal representation without the currency code.
func (m Money) Format() string {
	return m.Decimal().StringFixed(Exponent(m.Currency))
}

func (m Money) SameCurrency(o Money) bool {
	return m.Currency == o.Currency
}

// Add panics when currencies differ; callers validate currencies up front.
func (m Money) Add(o Money) Money {
	m.mustMatch(o)
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}
}

// CheckedAdd is Add that reports int64 overflow instead of wrapping.
func (m Money) CheckedAdd(o Money) (Money, error) {
	m.mustMatch(o)
	sum := m.Amount + o.Amount
	if (o.Amount > 0 && sum < m.Amount) || (o.Amount < 0 && sum > m.Amount) {
		return Money{}, fmt.Errorf("%w: %s + %s", ErrOverflow, m, o)
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// InRange reports whether the value is within MaxAmount of zero.
func (m Money) InRange() bool {
	return m.Amount >= -MaxAmount && m.Amount <= MaxAmount
}

func (m Money) Sub(o Money) Money {
	m.mustMatch(o)
	return Money{Amount: m.Amount - o.Amount, Currency: m.Currency}
}

func (m Money) Neg() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(o Money) int {
	m.mustMatch(o)
	switch {
	case m.Amount < o.Amount:
		return -1
	case m.Amount > o.Amount:
		return 1
	default:
		return 0
	}
}

func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount == o.Amount
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if m.Cmp(o) <= 0 {
		return m
	}
	return o
}

// Sum adds all values; an empty list yields zero in the given currency.
func Sum(currency string, values ...Money) Money {
	total := Zero(currency)
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func (m Money) mustMatch(o Money) {
	if m.Currency != o.Currency {
		panic(fmt.Sprintf("money: %v: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency))
	}
}

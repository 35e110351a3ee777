package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrNegativeAmount      = errors.New("amount must not be negative")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrPrecisionLoss       = errors.New("amount has more precision than the currency allows")
)

// exponents maps each supported ISO-4217 currency to its minor-unit exponent.
// Currencies absent from this map are rejected rather than guessed.
var exponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"COP": 2,
	"MXN": 2,
	"BRL": 2,
	"ARS": 2,
	"CLP": 0,
	"JPY": 0,
	"IDR": 0,
}

// Money is an exact amount in integer minor units (cents for USD).
// All internal arithmetic stays in minor units; decimal major-unit
// representations exist only at provider boundaries.
type Money struct {
	AmountMinor int64
	Currency    string
}

func New(amountMinor int64, currency string) (Money, error) {
	if amountMinor < 0 {
		return Money{}, ErrNegativeAmount
	}
	if _, ok := exponents[currency]; !ok {
		return Money{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return Money{AmountMinor: amountMinor, Currency: currency}, nil
}

// Exponent returns the minor-unit exponent for a supported currency.
func Exponent(currency string) (int32, bool) {
	exp, ok := exponents[currency]
	return exp, ok
}

// Supported reports whether the currency has a known minor-unit exponent.
func Supported(currency string) bool {
	_, ok := exponents[currency]
	return ok
}

// FromMajorString converts a provider's decimal major-unit amount
// (e.g. "99.99") into minor units. Fails on negative values, unsupported
// currencies, and amounts carrying sub-minor-unit precision.
func FromMajorString(amount, currency string) (Money, error) {
	exp, ok := exponents[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid decimal amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return Money{}, ErrNegativeAmount
	}

	minor := d.Shift(exp)
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s %s", ErrPrecisionLoss, amount, currency)
	}
	return Money{AmountMinor: minor.IntPart(), Currency: currency}, nil
}

// MajorString renders the amount in decimal major units with the currency's
// full minor-unit precision ("9999" USD -> "99.99", "500" JPY -> "500").
func (m Money) MajorString() string {
	exp := exponents[m.Currency]
	return decimal.New(m.AmountMinor, -exp).StringFixed(exp)
}

// MajorFloat returns the major-unit amount as a float64 for providers whose
// wire format demands a JSON number. Only for serialization at the boundary.
func (m Money) MajorFloat() float64 {
	exp := exponents[m.Currency]
	f, _ := decimal.New(m.AmountMinor, -exp).Float64()
	return f
}

func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.AmountMinor == other.AmountMinor
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub returns m - other, failing if the result would go negative.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	if other.AmountMinor > m.AmountMinor {
		return Money{}, ErrNegativeAmount
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.MajorString(), m.Currency)
}

// Package money provides exact fixed-point currency amounts. Amounts are never
// represented as binary floats; all arithmetic is exact to the currency's
// minor unit.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrCurrencyMismatch = errors.New("currency_mismatch")
	ErrInvalidProration = errors.New("invalid_proration")
)

// minorUnits maps ISO currency codes to their number of decimal places.
// Unlisted currencies default to 2.
var minorUnits = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Money is an exact decimal amount in a single currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// New parses a decimal string amount ("100.00") into Money.
func New(amount, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return Money{}, ErrInvalidCurrency
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return Money{Amount: parsed, Currency: currency}, nil
}

// MustNew is New for literals in tests and seeds; it panics on bad input.
func MustNew(amount, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal wraps an already-parsed decimal amount.
func FromDecimal(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

// MinorUnits returns the number of decimal places for the currency.
func MinorUnits(currency string) int32 {
	if places, ok := minorUnits[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return places
	}
	return 2
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}

func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// Cmp compares amounts; both sides must share a currency.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(other.Amount), nil
}

// GreaterThan reports m > other.
func (m Money) GreaterThan(other Money) (bool, error) {
	cmp, err := m.Cmp(other)
	if err != nil {
		return false, err
	}
	return cmp > 0, nil
}

// MulRate multiplies by a decimal rate string ("0.05") and rounds to the
// currency's minor unit using round-half-even.
func (m Money) MulRate(rate string) (Money, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(rate))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return Money{
		Amount:   m.Amount.Mul(parsed).RoundBank(MinorUnits(m.Currency)),
		Currency: m.Currency,
	}, nil
}

// ProrateByDays computes the time-weighted share of m for remainingDays out of
// totalDays, rounded to the currency's minor unit using round-half-even.
// Any sub-minor-unit remainder is absorbed by the platform.
func (m Money) ProrateByDays(remainingDays, totalDays int) (Money, error) {
	if totalDays <= 0 || remainingDays < 0 || remainingDays > totalDays {
		return Money{}, ErrInvalidProration
	}
	share := m.Amount.
		Mul(decimal.NewFromInt(int64(remainingDays))).
		Div(decimal.NewFromInt(int64(totalDays))).
		RoundBank(MinorUnits(m.Currency))
	return Money{Amount: share, Currency: m.Currency}, nil
}

// String renders the amount fixed to the currency's minor unit.
func (m Money) String() string {
	return m.Amount.StringFixed(MinorUnits(m.Currency)) + " " + m.Currency
}

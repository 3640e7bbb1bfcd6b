package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MoneyEpsilon is the tolerance used when comparing amounts from different sources.
var MoneyEpsilon = decimal.New(1, -2)

// WithinEpsilon reports whether |a-b| <= MoneyEpsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MoneyEpsilon)
}

// Currency describes the ISO currency orders are priced in.
type Currency struct {
	Code  string
	Scale int32
}

// ParseCurrency resolves the ISO code and its standard minor unit scale.
func ParseCurrency(code string) (Currency, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return Currency{}, fmt.Errorf("currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return Currency{Code: unit.String(), Scale: int32(scale)}, nil
}

// MustParseCurrency is ParseCurrency for compile-time constants.
func MustParseCurrency(code string) Currency {
	cur, err := ParseCurrency(code)
	if err != nil {
		panic(err)
	}
	return cur
}

// Round rounds the amount half-up to the currency scale.
func (c Currency) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(c.Scale)
}

// MinorUnits converts a currency amount into the integer representation used by gateways.
func (c Currency) MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(c.Scale).Round(0).IntPart()
}

// FromMinorUnits converts a gateway integer amount into currency units.
func (c Currency) FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -c.Scale)
}

// LowerCode returns the lowercase ISO code expected by card gateways.
func (c Currency) LowerCode() string {
	return strings.ToLower(c.Code)
}

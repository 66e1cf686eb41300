package ledger

import (
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/model"
)

// Field limits, matching the column sizes of the schema.
const (
	MaxDisplayNameLen = 100
	MaxTitleLen       = 200
	MaxDescriptionLen = 500
)

// MoneyScale is the number of decimal places carried by every amount.
const MoneyScale = model.MoneyScale

// maxAmount keeps amounts inside NUMERIC(18,2).
var maxAmount = decimal.New(1, 16)

// Representation bounds checked before any arithmetic. Round and Cmp rescale
// to a common exponent, so an input like 1e-10000000 would otherwise cost
// time proportional to its exponent.
const (
	minInputExponent   = -20
	maxInputExponent   = 16
	maxCoefficientBits = 128
)

// ValidateAmount checks that amount is a positive monetary value with at
// most two decimal places.
func ValidateAmount(amount decimal.Decimal) error {
	if exp := amount.Exponent(); exp < minInputExponent || exp > maxInputExponent {
		return ErrInvalidAmount
	}
	if amount.Coefficient().BitLen() > maxCoefficientBits {
		return ErrInvalidAmount
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(MoneyScale)) {
		return ErrInvalidAmount
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return ErrInvalidAmount
	}
	return nil
}

// normalizeText trims s and checks its length in characters. Empty input is
// only accepted when allowEmpty is set.
func normalizeText(s string, max int, allowEmpty bool) (string, bool) {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n == 0 && !allowEmpty {
		return "", false
	}
	return s, n <= max
}

package payments

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// minorUnits converts a decimal amount into the currency's smallest unit (cents for USD,
// yen for JPY).
func minorUnits(amount decimal.Decimal, code string) (int64, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return 0, err
	}
	return amount.Shift(int32(scale)).Round(0).IntPart(), nil
}

// fromMinorUnits is the inverse of minorUnits.
func fromMinorUnits(value int64, code string) (decimal.Decimal, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.New(value, -int32(scale)), nil
}

func currencyScale(code string) (int, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("payments: unknown currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

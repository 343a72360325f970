package domain

import (
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MoneyPlaces is the number of decimal places amounts are rounded to when the policy names
// no currency, and the precision of the wire format.
const MoneyPlaces = 2

// PricingPolicy holds the tax and shipping parameters used by Calculate. Currency selects
// the rounding scale of every priced component.
type PricingPolicy struct {
	Currency              string
	TaxRate               decimal.Decimal
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

// Places returns the currency's standard number of decimal places, two for an empty or
// unknown code.
func (p PricingPolicy) Places() int32 {
	return CurrencyPlaces(p.Currency)
}

// CurrencyPlaces reports the ISO 4217 standard scale of code (0 for JPY, 2 for USD).
func CurrencyPlaces(code string) int32 {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return MoneyPlaces
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return MoneyPlaces
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// FormatAmount renders an amount with at least MoneyPlaces decimals, keeping significant
// digits of finer currency scales such as the three places of KWD.
func FormatAmount(amount decimal.Decimal) string {
	places := int32(0)
	if s := amount.String(); strings.Contains(s, ".") {
		places = int32(len(s) - strings.IndexByte(s, '.') - 1)
	}
	return amount.StringFixed(max(MoneyPlaces, places))
}

// DefaultPricingPolicy charges 15% tax and a flat 100.00 shipping fee waived above 2000.00.
func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{
		TaxRate:               decimal.RequireFromString("0.15"),
		ShippingFee:           decimal.NewFromInt(100),
		FreeShippingThreshold: decimal.NewFromInt(2000),
	}
}

// PriceBreakdown is the priced snapshot of a set of line items.
type PriceBreakdown struct {
	ItemsTotal  decimal.Decimal
	ShippingFee decimal.Decimal
	TaxAmount   decimal.Decimal
	GrandTotal  decimal.Decimal
}

// Equal compares two breakdowns component by component.
func (b PriceBreakdown) Equal(other PriceBreakdown) bool {
	return b.ItemsTotal.Equal(other.ItemsTotal) &&
		b.ShippingFee.Equal(other.ShippingFee) &&
		b.TaxAmount.Equal(other.TaxAmount) &&
		b.GrandTotal.Equal(other.GrandTotal)
}

// Calculate prices the supplied line items. Each component is rounded to the policy's
// currency scale before the grand total is summed, so the total always equals the sum of
// the shown parts and is chargeable in the currency's minor unit.
// An empty list still carries the flat shipping fee; callers reject empty carts first.
func Calculate(policy PricingPolicy, items []LineItem) PriceBreakdown {
	places := policy.Places()
	itemsTotal := lo.Reduce(items, func(acc decimal.Decimal, item LineItem, _ int) decimal.Decimal {
		return acc.Add(item.Total())
	}, decimal.Zero).Round(places)

	shipping := policy.ShippingFee
	if itemsTotal.GreaterThan(policy.FreeShippingThreshold) {
		shipping = decimal.Zero
	}
	shipping = shipping.Round(places)

	tax := itemsTotal.Mul(policy.TaxRate).Round(places)

	return PriceBreakdown{
		ItemsTotal:  itemsTotal,
		ShippingFee: shipping,
		TaxAmount:   tax,
		GrandTotal:  itemsTotal.Add(shipping).Add(tax),
	}
}

// CalculateCart prices cart lines without freezing them first.
func CalculateCart(policy PricingPolicy, lines []CartLine) PriceBreakdown {
	return Calculate(policy, LineItemsFromCart(lines))
}

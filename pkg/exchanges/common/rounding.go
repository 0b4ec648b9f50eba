package common

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// RoundToStep floors qty to a multiple of step. Float division would drift on
// values like 0.1, so the arithmetic runs in decimals.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	out, _ := steps.Mul(s).Float64()
	return out
}

// QuantityForQuote converts a quote-currency amount into a base quantity at
// price, floored to the venue step size.
func QuantityForQuote(amount, price, step float64) float64 {
	if price <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(price))
	raw, _ := q.Float64()
	return RoundToStep(raw, step)
}

// SuggestedQuoteAmount returns the quote amount that would purchase minQty at
// price, with a small margin so the retry clears the minimum.
func SuggestedQuoteAmount(minQty, price float64) float64 {
	amt := decimal.NewFromFloat(minQty).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromFloat(1.01))
	out, _ := amt.Float64()
	return out
}

// FormatFloat renders a float without exponent notation or trailing zeros,
// the form every venue accepts in order parameters.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Package pricing computes the amount charged for an order. The computation
// is a pure function of its inputs so a checkout and its later gateway
// callback always agree on the amount.
package pricing

import "math"

// QuoteInput carries everything a price depends on. CurrencyPrice is the
// plan price already resolved into the user's currency (override or
// converted); CurrencyRate converts the final amount back to USD.
type QuoteInput struct {
	CurrencyPrice   float64
	CurrencyRate    float64
	Multiplier      float64
	DiscountPercent float64
	TaxPercent      float64
}

// QuoteResult is the full price breakdown. All currency-denominated fields
// are in the user's display currency except PriceUSD.
type QuoteResult struct {
	Subtotal   float64
	Discount   float64
	TaxAmount  float64
	FinalPrice float64
	PriceUSD   float64
}

// Quote applies the fixed order of operations: resolved price × region
// multiplier = subtotal, minus discount, plus tax. Intermediate values keep
// full float precision; only the charged amounts are rounded.
func Quote(in QuoteInput) QuoteResult {
	mult := in.Multiplier
	if mult <= 0 {
		mult = 1
	}
	rate := in.CurrencyRate
	if rate <= 0 {
		rate = 1
	}

	subtotal := in.CurrencyPrice * mult
	discount := subtotal * in.DiscountPercent / 100
	discounted := subtotal - discount
	tax := discounted * in.TaxPercent / 100
	final := Round2(discounted + tax)

	return QuoteResult{
		Subtotal:   subtotal,
		Discount:   discount,
		TaxAmount:  tax,
		FinalPrice: final,
		PriceUSD:   Round2(final / rate),
	}
}

// Round2 rounds a money amount to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Package currency resolves plan prices into a user's display currency.
// Rates are operator settings keyed as currency_rate_<code>, expressed as
// units of the currency per 1 USD.
package currency

import (
	"fmt"
	"strings"

	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/settings"
)

// Converter resolves currency rates and symbols from the settings store.
type Converter struct {
	settings *settings.Store
}

func NewConverter(s *settings.Store) *Converter {
	return &Converter{settings: s}
}

// Rate returns how many units of code one USD buys. USD is always 1.
func (c *Converter) Rate(code string) (float64, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == "USD" {
		return 1, nil
	}
	rate := c.settings.GetFloat("currency_rate_"+strings.ToLower(code), 0)
	if rate <= 0 {
		return 0, fmt.Errorf("no exchange rate configured for %s", code)
	}
	return rate, nil
}

// Symbol returns the display symbol for a currency, falling back to the code.
func (c *Converter) Symbol(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = "USD"
	}
	return c.settings.Get("currency_symbol_"+strings.ToLower(code), code)
}

// Resolve returns the plan's price in the given currency and whether an
// admin-set override was used. An override is an absolute price in that
// currency and bypasses rate conversion entirely.
func (c *Converter) Resolve(plan *models.Plan, code string) (price float64, rate float64, override bool, err error) {
	rate, err = c.Rate(code)
	if err != nil {
		return 0, 0, false, err
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = "USD"
	}
	if plan.PriceOverrides != nil {
		if p, ok := plan.PriceOverrides[code]; ok && p > 0 {
			return p, rate, true, nil
		}
	}
	return plan.PriceUSD * rate, rate, false, nil
}

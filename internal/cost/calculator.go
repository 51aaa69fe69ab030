// Package cost computes the USD cost of external-model calls from token
// counts and per-model pricing windows.
package cost

import "time"

// EURToUSD is the fixed conversion constant applied to rates priced in EUR.
const EURToUSD = 1.08

// Rate holds per-model token pricing for one effective-date window, in the
// model's native currency per million tokens.
type Rate struct {
	Model         string     `yaml:"model" mapstructure:"model"`
	PromptPerMTok float64    `yaml:"prompt_per_mtok" mapstructure:"prompt_per_mtok"`
	OutputPerMTok float64    `yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
	Currency      string     `yaml:"currency" mapstructure:"currency"`
	EffectiveFrom time.Time  `yaml:"effective_from" mapstructure:"effective_from"`
	EffectiveTo   *time.Time `yaml:"effective_to" mapstructure:"effective_to"`
}

// covers reports whether the window includes t (inclusive from, exclusive to).
func (r Rate) covers(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || t.Before(*r.EffectiveTo)
}

// DefaultRate is the hardcoded fallback applied when no pricing window
// covers the call time for the model.
var DefaultRate = Rate{
	PromptPerMTok: 2.50,
	OutputPerMTok: 10.00,
	Currency:      "EUR",
}

// Calculator resolves a model's price for a point in time and computes call
// costs in USD.
type Calculator struct {
	rates []Rate
}

// NewCalculator creates a Calculator with the given pricing windows.
func NewCalculator(rates []Rate) *Calculator {
	return &Calculator{rates: rates}
}

// Resolve returns the rate effective for model at time t, or DefaultRate if
// no window covers t.
func (c *Calculator) Resolve(model string, t time.Time) Rate {
	for _, r := range c.rates {
		if r.Model == model && r.covers(t) {
			return r
		}
	}
	return DefaultRate
}

// CostUSD computes promptTokens×promptRate + completionTokens×completionRate
// for the rate effective at t, converted to USD when the rate is in EUR.
func (c *Calculator) CostUSD(model string, promptTokens, completionTokens int, t time.Time) float64 {
	r := c.Resolve(model, t)
	native := (float64(promptTokens)/1e6)*r.PromptPerMTok + (float64(completionTokens)/1e6)*r.OutputPerMTok
	if r.Currency == "EUR" {
		return native * EURToUSD
	}
	return native
}

// DefaultRates returns the built-in pricing table.
func DefaultRates() []Rate {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Rate{
		{Model: "claude-haiku-4-5-20251001", PromptPerMTok: 0.74, OutputPerMTok: 3.70, Currency: "EUR", EffectiveFrom: from},
		{Model: "claude-sonnet-4-5-20250929", PromptPerMTok: 2.78, OutputPerMTok: 13.90, Currency: "EUR", EffectiveFrom: from},
	}
}

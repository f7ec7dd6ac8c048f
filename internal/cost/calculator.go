// Package cost prices text-generation token usage.
package cost

import (
	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/model"
)

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model ids to their pricing.
type Rates map[string]ModelRate

// Calculator computes costs for model usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// FromConfig starts from DefaultRates and applies configured overrides.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for name, p := range cfg.Models {
		rates[name] = ModelRate{Input: p.Input, Output: p.Output}
	}
	return NewCalculator(rates)
}

// Tokens computes the cost of input and output tokens for model. Unknown
// models cost 0.
func (c *Calculator) Tokens(modelID string, input, output int) float64 {
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Usage prices an accumulated run usage.
func (c *Calculator) Usage(modelID string, u model.TokenUsage) float64 {
	return c.Tokens(modelID, u.InputTokens, u.OutputTokens)
}

// Known reports whether model has a configured rate.
func (c *Calculator) Known(modelID string) bool {
	_, ok := c.rates[modelID]
	return ok
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		"gpt-4o":                     {Input: 2.50, Output: 10.00},
		"deepseek-chat":              {Input: 0.27, Output: 1.10},
		"qwen-plus":                  {Input: 0.40, Output: 1.20},
	}
}

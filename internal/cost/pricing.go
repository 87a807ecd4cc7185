// Package cost estimates upstream spend from token counts. Rates are list
// prices per million tokens; the numbers drift as vendors reprice, so the
// output is an estimate for the status endpoint, never a billed amount.
package cost

import "strings"

// Rate is a model's price per million tokens, split by direction.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultRates covers the model families the gateway commonly routes to.
// Keys are name prefixes; the longest matching prefix wins, so versioned
// names like claude-sonnet-4-20250514 resolve without per-version entries.
var defaultRates = map[string]Rate{
	"claude-opus":    {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet":  {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-7":     {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-5":     {InputPerMTok: 0.8, OutputPerMTok: 4},
	"claude-haiku":   {InputPerMTok: 0.8, OutputPerMTok: 4},
	"gpt-4o-mini":    {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"gpt-4o":         {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4.1-mini":   {InputPerMTok: 0.4, OutputPerMTok: 1.6},
	"gpt-4.1":        {InputPerMTok: 2, OutputPerMTok: 8},
	"deepseek":       {InputPerMTok: 0.27, OutputPerMTok: 1.1},
	"gemini-2.5-pro": {InputPerMTok: 1.25, OutputPerMTok: 10},
	"gemini":         {InputPerMTok: 0.3, OutputPerMTok: 2.5},
	"llama":          {InputPerMTok: 0.2, OutputPerMTok: 0.6},
	"databricks":     {InputPerMTok: 1, OutputPerMTok: 3},
}

// fallbackRate prices models the table does not know. It leans high so an
// unknown model inflates the estimate instead of hiding spend.
var fallbackRate = Rate{InputPerMTok: 3, OutputPerMTok: 15}

// Calculator resolves model names to rates and turns token counts into
// dollar estimates.
type Calculator struct {
	rates    map[string]Rate
	fallback Rate
}

// NewCalculator builds a Calculator over the built-in rate table.
func NewCalculator() *Calculator {
	return &Calculator{rates: defaultRates, fallback: fallbackRate}
}

// Rate returns the pricing for model by longest-prefix match, falling back
// when no prefix applies.
func (c *Calculator) Rate(model string) Rate {
	name := strings.ToLower(model)
	bestLen := -1
	best := c.fallback
	for prefix, rate := range c.rates {
		if strings.HasPrefix(name, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = rate
		}
	}
	return best
}

// Estimate prices one usage observation in dollars.
func (c *Calculator) Estimate(model string, inputTokens, outputTokens int64) float64 {
	rate := c.Rate(model)
	return float64(inputTokens)/1e6*rate.InputPerMTok +
		float64(outputTokens)/1e6*rate.OutputPerMTok
}

// Package costs tracks token usage, converts it to USD, and answers the
// daily budget gate consulted before every model call.
package costs

import "strings"

// Usage is the token count reported by one model call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Price is the per-million-token rate for one model.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate converts usage at this price into dollars.
func (p Price) Estimate(u Usage) float64 {
	return (float64(u.InputTokens)*p.Input + float64(u.OutputTokens)*p.Output) / 1_000_000
}

// knownPrices maps model-name prefixes to published rates. Matched by the
// longest prefix; unknown models use the ledger's configured default rate.
var knownPrices = map[string]Price{
	"claude-opus-4":     {Input: 15.0, Output: 75.0},
	"claude-sonnet-4":   {Input: 3.0, Output: 15.0},
	"claude-3-5-sonnet": {Input: 3.0, Output: 15.0},
	"claude-3-haiku":    {Input: 0.25, Output: 1.25},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.6},
	"gpt-4o":            {Input: 2.5, Output: 10.0},
	"gpt-4-turbo":       {Input: 10.0, Output: 30.0},
	"gpt-3.5-turbo":     {Input: 0.5, Output: 1.5},
}

// PriceFor resolves the rate for a model, falling back to def when the
// model is not recognized.
func PriceFor(model string, def Price) Price {
	best := ""
	for prefix := range knownPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return def
	}
	return knownPrices[best]
}

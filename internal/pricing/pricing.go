// Package pricing maps token usage to monetary cost.
//
// Prices are expressed in USD per 1000 total tokens. Unknown models fall back
// to the configured default model's price, so a request is never unbillable.
// All arithmetic uses decimal values — never floats — so that a computed cost
// compares exactly against a stored balance.
package pricing

import "github.com/shopspring/decimal"

// Table resolves a model name to its per-1K-token price.
// A Table is immutable after construction and safe for concurrent use.
type Table struct {
	prices       map[string]decimal.Decimal
	defaultModel string
}

// defaultPerKilo applies when even the default model is missing from the
// table. A conservative non-zero price so misconfiguration never means free.
var defaultPerKilo = decimal.RequireFromString("0.002")

// builtin is the shipped price list (USD per 1K total tokens). Entries can be
// overridden or extended via configuration.
var builtin = map[string]string{
	"gpt-4o":                     "0.00750",
	"gpt-4o-mini":                "0.00045",
	"gpt-4-turbo":                "0.02000",
	"gpt-4.1":                    "0.00500",
	"gpt-4.1-mini":               "0.00100",
	"gpt-3.5-turbo":              "0.00100",
	"o3-mini":                    "0.00275",
	"claude-3-5-sonnet":          "0.00900",
	"claude-3-5-haiku":           "0.00240",
	"claude-3-opus":              "0.04500",
	"claude-sonnet-4":            "0.00900",
	"claude-haiku-4-5":           "0.00300",
	"gemini-1.5-pro":             "0.00313",
	"gemini-1.5-flash":           "0.00019",
	"gemini-2.0-flash":           "0.00025",
	"gemini-2.5-pro":             "0.00563",
	"mistral-large-latest":       "0.00400",
	"llama-3.3-70b-versatile":    "0.00069",
	"deepseek-chat":              "0.00069",
}

// NewTable builds a pricing table. overrides maps model name → decimal price
// string and takes precedence over the builtin list; invalid override values
// are ignored. defaultModel is the fallback for unknown models.
func NewTable(defaultModel string, overrides map[string]string) *Table {
	prices := make(map[string]decimal.Decimal, len(builtin)+len(overrides))
	for model, p := range builtin {
		prices[model] = decimal.RequireFromString(p)
	}
	for model, p := range overrides {
		d, err := decimal.NewFromString(p)
		if err != nil || d.IsNegative() {
			continue
		}
		prices[model] = d
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &Table{prices: prices, defaultModel: defaultModel}
}

// PerKiloTokens returns the USD price per 1000 tokens for model, falling back
// to the default model's price when the model is unknown.
func (t *Table) PerKiloTokens(model string) decimal.Decimal {
	if p, ok := t.prices[model]; ok {
		return p
	}
	if p, ok := t.prices[t.defaultModel]; ok {
		return p
	}
	return defaultPerKilo
}

// Cost computes the USD cost of totalTokens tokens for model.
// Non-positive token counts cost zero.
func (t *Table) Cost(model string, totalTokens int) decimal.Decimal {
	if totalTokens <= 0 {
		return decimal.Zero
	}
	return t.PerKiloTokens(model).
		Mul(decimal.NewFromInt(int64(totalTokens))).
		Div(decimal.NewFromInt(1000))
}

// Known reports whether model has an explicit price entry.
func (t *Table) Known(model string) bool {
	_, ok := t.prices[model]
	return ok
}

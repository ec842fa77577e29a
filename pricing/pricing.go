// Package pricing computes the USD cost of a completed downstream call from
// the token usage and the pricing declared on the policy entry.
package pricing

import "github.com/ferro-labs/study-router/policy"

// Default prices in USD per 1K tokens, used when an entry declares none.
const (
	DefaultPromptPer1K     = 0.0002
	DefaultCompletionPer1K = 0.0006
)

// Usage carries the token counts of a completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Total returns TotalTokens, or the sum of prompt and completion tokens when
// the downstream did not report a total.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// Defaults are the fallback per-1K prices.
type Defaults struct {
	PromptPer1K     float64 `json:"prompt_per_1k" yaml:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k" yaml:"completion_per_1k"`
}

// StandardDefaults returns the built-in fallback prices.
func StandardDefaults() Defaults {
	return Defaults{PromptPer1K: DefaultPromptPer1K, CompletionPer1K: DefaultCompletionPer1K}
}

// Source names which price list produced a CostResult.
type Source string

// Price sources, in precedence order.
const (
	SourcePerToken Source = "per_token"
	SourcePer1K    Source = "per_1k"
	SourceDefault  Source = "default"
)

// CostResult breaks the cost down by billing component. Every amount is USD.
// InputUSD and OutputUSD are zero for flat per-token pricing.
type CostResult struct {
	TotalUSD  float64
	InputUSD  float64
	OutputUSD float64
	Source    Source
}

func per1K(price float64, n int) float64 {
	if price == 0 || n == 0 {
		return 0
	}
	return price * float64(n) / 1000
}

// Calculate prices usage for entry. A flat cost_per_token applies to all
// tokens; otherwise the entry's split per-1K prices are used, and when the
// entry declares neither, def supplies them.
func Calculate(entry policy.Entry, def Defaults, usage Usage) CostResult {
	if entry.CostPerToken > 0 {
		return CostResult{
			TotalUSD: entry.CostPerToken * float64(usage.Total()),
			Source:   SourcePerToken,
		}
	}

	r := CostResult{Source: SourcePer1K}
	promptPrice, completionPrice := entry.PromptCostPer1K, entry.CompletionCostPer1K
	if promptPrice == 0 && completionPrice == 0 {
		promptPrice, completionPrice = def.PromptPer1K, def.CompletionPer1K
		r.Source = SourceDefault
	}
	r.InputUSD = per1K(promptPrice, usage.PromptTokens)
	r.OutputUSD = per1K(completionPrice, usage.CompletionTokens)
	r.TotalUSD = r.InputUSD + r.OutputUSD
	return r
}

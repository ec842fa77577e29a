package pricing

import (
	"math"
	"testing"

	"github.com/ferro-labs/study-router/policy"
)

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestCalculate_PerToken(t *testing.T) {
	got := Calculate(policy.Entry{CostPerToken: 0.00001}, StandardDefaults(), Usage{PromptTokens: 100, CompletionTokens: 50})
	if got.Source != SourcePerToken {
		t.Errorf("Source = %q", got.Source)
	}
	if !approxEqual(got.TotalUSD, 0.0015) {
		t.Errorf("TotalUSD = %v, want 0.0015", got.TotalUSD)
	}
}

func TestCalculate_Per1K(t *testing.T) {
	e := policy.Entry{PromptCostPer1K: 0.001, CompletionCostPer1K: 0.002}
	got := Calculate(e, StandardDefaults(), Usage{PromptTokens: 2000, CompletionTokens: 500, TotalTokens: 2500})
	if got.Source != SourcePer1K {
		t.Errorf("Source = %q", got.Source)
	}
	if !approxEqual(got.InputUSD, 0.002) || !approxEqual(got.OutputUSD, 0.001) || !approxEqual(got.TotalUSD, 0.003) {
		t.Errorf("unexpected cost: %+v", got)
	}
}

func TestCalculate_Defaults(t *testing.T) {
	got := Calculate(policy.Entry{}, StandardDefaults(), Usage{PromptTokens: 1000, CompletionTokens: 1000})
	if got.Source != SourceDefault {
		t.Errorf("Source = %q", got.Source)
	}
	if !approxEqual(got.TotalUSD, 0.0008) {
		t.Errorf("TotalUSD = %v, want 0.0008", got.TotalUSD)
	}
}

func TestCalculate_ZeroUsage(t *testing.T) {
	if got := Calculate(policy.Entry{}, StandardDefaults(), Usage{}); got.TotalUSD != 0 {
		t.Errorf("TotalUSD = %v, want 0", got.TotalUSD)
	}
}

func TestUsage_Total(t *testing.T) {
	if (Usage{PromptTokens: 3, CompletionTokens: 4}).Total() != 7 {
		t.Error("Total should sum prompt and completion when unset")
	}
	if (Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 9}).Total() != 9 {
		t.Error("Total should prefer the reported total")
	}
}

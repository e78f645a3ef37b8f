package openrouter

import (
	"math"
	"testing"
)

// ============================================================================
// Billing Desk Test Universe
// ============================================================================
//
// Characters:
//   - The Bookkeeper: keeps the rate card and prices every call to counsel
//   - The Auditor: spot-checks the arithmetic against the published rates
//
// Theme: CalculateCost is the bookkeeper. Every model on the rate card is
// priced per million tokens; anything off the card is billed a flat cent
// so an unknown model costs budget instead of dodging it.
// ============================================================================

const centitol = 0.0000001

func TestRateCardArithmetic(t *testing.T) {
	cases := []struct {
		name             string
		model            string
		promptTokens     int
		completionTokens int
		want             float64
	}{
		// 0.15*1000/1M + 0.60*500/1M
		{"mini cleanup call", "openai/gpt-4o-mini", 1000, 500, 0.00045},
		// 2.50*5000/1M + 10.00*2000/1M
		{"full gpt-4o call", "openai/gpt-4o", 5000, 2000, 0.0325},
		// 3.00*10000/1M + 15.00*5000/1M
		{"sonnet long form", "anthropic/claude-3.5-sonnet", 10000, 5000, 0.105},
		// 5.00*3000/1M + 15.00*1500/1M
		{"grok beta", "x-ai/grok-beta", 3000, 1500, 0.0375},
		// symmetric pricing both directions
		{"llama 8b", "meta-llama/llama-3.1-8b-instruct", 2000, 2000, 0.00022},
		{"nothing exchanged, nothing billed", "openai/gpt-4o-mini", 0, 0, 0.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateCost(tc.model, tc.promptTokens, tc.completionTokens)
			if math.Abs(got-tc.want) > centitol {
				t.Errorf("CalculateCost(%s, %d, %d) = %v, want %v",
					tc.model, tc.promptTokens, tc.completionTokens, got, tc.want)
			}
		})
	}
}

func TestOffCardModelsBillAFlatCent(t *testing.T) {
	for _, model := range []string{"some-random-model", "vendor/unknown-model-v2", ""} {
		if got := CalculateCost(model, 1000, 500); got != DefaultPricingFallback {
			t.Errorf("CalculateCost(%q) = %v, want the flat fallback %v", model, got, DefaultPricingFallback)
		}
	}

	// The budget gates assume the fallback stays a cent; a silent change
	// here reprices every unknown model.
	if DefaultPricingFallback != 0.01 {
		t.Errorf("DefaultPricingFallback = %v, want 0.01", DefaultPricingFallback)
	}
}

func TestReadingTheRateCard(t *testing.T) {
	pricing, found := GetPricing("openai/gpt-4o-mini")
	if !found {
		t.Fatal("the default model must be on the rate card")
	}
	if pricing.PromptPrice != 0.15 || pricing.CompletionPrice != 0.60 {
		t.Errorf("gpt-4o-mini rates = %v/%v, want 0.15/0.60", pricing.PromptPrice, pricing.CompletionPrice)
	}

	if _, found := GetPricing("unknown/model"); found {
		t.Error("an off-card model must read as not found")
	}
}

func TestHeavyCallKeepsPrecision(t *testing.T) {
	// 0.15*100000/1M + 0.60*50000/1M
	got := CalculateCost("openai/gpt-4o-mini", 100000, 50000)
	if math.Abs(got-0.045) > centitol {
		t.Errorf("cost at 150K tokens = %v, want 0.045", got)
	}
}

// TestAuditorsSanityBands prices the calls scry actually makes and checks
// each lands where the budget math expects, not just that it is positive.
func TestAuditorsSanityBands(t *testing.T) {
	cases := []struct {
		name             string
		model            string
		promptTokens     int
		completionTokens int
		ceiling          float64
	}{
		// raw extract plus instructions in, cleaned snippet out
		{"snippet cleanup", "openai/gpt-4o-mini", 600, 150, 0.001},
		// slot query plus prior attempts in, variations out
		{"query variation expansion", "openai/gpt-4o-mini", 400, 120, 0.001},
		// renderer dump from a heavy page
		{"oversized extract cleanup", "anthropic/claude-3-haiku", 4000, 300, 0.01},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateCost(tc.model, tc.promptTokens, tc.completionTokens)
			if got <= 0 {
				t.Fatalf("cost = %v, want positive", got)
			}
			if got > tc.ceiling {
				t.Errorf("cost = %v, want under %v for a routine call", got, tc.ceiling)
			}
		})
	}
}

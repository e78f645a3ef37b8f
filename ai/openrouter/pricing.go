package openrouter

// ModelPricing is the per-token price of one OpenRouter model, in USD per
// million tokens.
type ModelPricing struct {
	PromptPrice     float64
	CompletionPrice float64
}

// modelPricing is a hardcoded table of the models scry is likely to be
// pointed at. TODO: refresh this from OpenRouter's models API instead of
// editing it by hand when prices move.
var modelPricing = map[string]ModelPricing{
	// OpenAI
	"openai/gpt-4o":        {PromptPrice: 2.50, CompletionPrice: 10.00},
	"openai/gpt-4o-mini":   {PromptPrice: 0.15, CompletionPrice: 0.60},
	"openai/gpt-4-turbo":   {PromptPrice: 10.00, CompletionPrice: 30.00},
	"openai/gpt-3.5-turbo": {PromptPrice: 0.50, CompletionPrice: 1.50},

	// Anthropic
	"anthropic/claude-3.5-sonnet": {PromptPrice: 3.00, CompletionPrice: 15.00},
	"anthropic/claude-3-opus":     {PromptPrice: 15.00, CompletionPrice: 75.00},
	"anthropic/claude-3-sonnet":   {PromptPrice: 3.00, CompletionPrice: 15.00},
	"anthropic/claude-3-haiku":    {PromptPrice: 0.25, CompletionPrice: 1.25},

	// X.AI
	"x-ai/grok-beta":        {PromptPrice: 5.00, CompletionPrice: 15.00},
	"x-ai/grok-code-fast-1": {PromptPrice: 0.50, CompletionPrice: 1.50}, // estimate

	// Google
	"google/gemini-pro-1.5":   {PromptPrice: 1.25, CompletionPrice: 5.00},
	"google/gemini-flash-1.5": {PromptPrice: 0.075, CompletionPrice: 0.30},

	// Meta
	"meta-llama/llama-3.1-405b-instruct": {PromptPrice: 2.70, CompletionPrice: 2.70},
	"meta-llama/llama-3.1-70b-instruct":  {PromptPrice: 0.52, CompletionPrice: 0.75},
	"meta-llama/llama-3.1-8b-instruct":   {PromptPrice: 0.055, CompletionPrice: 0.055},
}

// DefaultPricingFallback is charged per request when a model is not in the
// table. One cent errs on the expensive side so unknown models eat budget
// rather than hiding from it.
const DefaultPricingFallback = 0.01

// CalculateCost returns the USD cost of one call given its token counts.
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	pricing, found := modelPricing[model]
	if !found {
		return DefaultPricingFallback
	}

	promptCost := (float64(promptTokens) / 1_000_000.0) * pricing.PromptPrice
	completionCost := (float64(completionTokens) / 1_000_000.0) * pricing.CompletionPrice
	return promptCost + completionCost
}

// GetPricing returns the table entry for a model, if it has one.
func GetPricing(model string) (ModelPricing, bool) {
	pricing, found := modelPricing[model]
	return pricing, found
}

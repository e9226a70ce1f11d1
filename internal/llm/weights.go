package llm

// creditsPerEUR converts provider pricing into ledger credits.
const creditsPerEUR = 100.0

// defaultCreditWeight is charged up front for models not in the table.
const defaultCreditWeight = 1.0

// creditWeights is the static per-model admission weight: the credits a
// tenant must hold before a turn starts. It intentionally tracks typical
// turn cost, not exact cost; the real usage is settled after the call.
var creditWeights = map[string]float64{
	"gpt-4o":                    2.0,
	"gpt-4o-mini":               0.2,
	"gpt-4-turbo":               4.0,
	"gpt-3.5-turbo":             0.2,
	"claude-sonnet-4-20250514":  2.0,
	"claude-opus-4-5-20251101":  8.0,
	"claude-haiku-3-5-20241022": 0.5,
}

// CreditWeight returns the static admission weight for a model.
func CreditWeight(model string) float64 {
	if w, ok := creditWeights[model]; ok {
		return w
	}
	return defaultCreditWeight
}

// CreditCost converts actual token usage into ledger credits using the
// provider's pricing.
func CreditCost(p Provider, model string, inputTokens, outputTokens int) float64 {
	return p.EstimateCost(model, inputTokens, outputTokens) * creditsPerEUR
}

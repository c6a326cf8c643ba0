package costguard

import (
	"sync"

	"github.com/loom-ai/gateway/providers"
)

// Pricing resolves a cost estimate for a provider/model pair, falling back
// to a flat default price when the pair isn't in providers.PricingTable or
// an operator override. The defaults (USD per 1000 tokens) match
// cost_optimizer.py's ProviderPricing.default_input_price/
// default_output_price.
type Pricing struct {
	mu            sync.RWMutex
	overrides     map[string]providers.ModelPricing // "provider/model" -> per-1M pricing
	defaultInput  float64                            // USD per 1K tokens
	defaultOutput float64                            // USD per 1K tokens
}

// NewPricing creates a Pricing resolver. A defaultInput/defaultOutput of
// zero uses cost_optimizer.py's defaults (0.0015/0.0020 USD per 1K tokens).
func NewPricing(defaultInputPer1K, defaultOutputPer1K float64) *Pricing {
	if defaultInputPer1K <= 0 {
		defaultInputPer1K = 0.0015
	}
	if defaultOutputPer1K <= 0 {
		defaultOutputPer1K = 0.0020
	}
	return &Pricing{
		overrides:     make(map[string]providers.ModelPricing),
		defaultInput:  defaultInputPer1K,
		defaultOutput: defaultOutputPer1K,
	}
}

// SetOverride registers an operator-supplied price for provider/model, in
// USD per 1 million tokens (same unit as providers.PricingTable).
func (p *Pricing) SetOverride(provider, model string, inputPer1M, outputPer1M float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[provider+"/"+model] = providers.ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// Estimate returns the USD cost of promptTokens+completionTokens against
// provider/model, checking operator overrides, then
// providers.PricingTable, then the flat per-1K default.
func (p *Pricing) Estimate(provider, model string, promptTokens, completionTokens int) float64 {
	key := provider + "/" + model

	p.mu.RLock()
	override, ok := p.overrides[key]
	p.mu.RUnlock()
	if ok {
		return override.InputPer1M*float64(promptTokens)/1_000_000 + override.OutputPer1M*float64(completionTokens)/1_000_000
	}

	if table, ok := providers.PricingTable[key]; ok {
		return table.InputPer1M*float64(promptTokens)/1_000_000 + table.OutputPer1M*float64(completionTokens)/1_000_000
	}

	return p.defaultInput*float64(promptTokens)/1000 + p.defaultOutput*float64(completionTokens)/1000
}

package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ModelPricing holds the billing rates for one model, expressed in power
// units per million tokens.
type ModelPricing struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// defaultModelPricing covers the models the built-in providers default to.
// Models not listed here fall back to the configured flat rates.
var defaultModelPricing = map[string]ModelPricing{
	"claude-sonnet-4-5": {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-haiku-4-5":  {InputPerMTok: 1.0, OutputPerMTok: 5.0},
	"claude-opus-4-1":   {InputPerMTok: 15.0, OutputPerMTok: 75.0},
	"gpt-5.2":           {InputPerMTok: 1.25, OutputPerMTok: 10.0},
	"gpt-5-mini":        {InputPerMTok: 0.25, OutputPerMTok: 2.0},
	"gemini-2.5-flash":  {InputPerMTok: 0.3, OutputPerMTok: 2.5},
	"gemini-2.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 10.0},
}

// providerPrefixes are tried when a model name does not match a pricing
// entry directly.
var providerPrefixes = []string{
	"",
	"anthropic/",
	"openai/",
	"google/",
}

// PricingTable resolves model names to billing rates. A static built-in
// table can be extended or overridden from a JSON file; anything still
// unresolved is billed at the fallback rates.
type PricingTable struct {
	mu       sync.RWMutex
	models   map[string]ModelPricing
	fallback ModelPricing
}

// NewPricingTable creates a pricing table seeded with the built-in rates.
func NewPricingTable(fallback ModelPricing) *PricingTable {
	models := make(map[string]ModelPricing, len(defaultModelPricing))
	for name, pricing := range defaultModelPricing {
		models[name] = pricing
	}
	return &PricingTable{
		models:   models,
		fallback: fallback,
	}
}

// LoadOverrides merges rates from a JSON file mapping model name to
// ModelPricing. A missing file is not an error.
func (p *PricingTable) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pricing overrides: %w", err)
	}

	var overrides map[string]ModelPricing
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse pricing overrides: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, pricing := range overrides {
		p.models[name] = pricing
	}
	return nil
}

// Lookup returns the pricing for a model. Exact matches win, then known
// provider prefixes, then case-insensitive partial matches, then fallback.
func (p *PricingTable) Lookup(model string) ModelPricing {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, prefix := range providerPrefixes {
		if pricing, ok := p.models[prefix+model]; ok {
			return pricing
		}
	}

	lower := strings.ToLower(model)
	for key, pricing := range p.models {
		keyLower := strings.ToLower(key)
		if strings.Contains(keyLower, lower) || strings.Contains(lower, keyLower) {
			return pricing
		}
	}

	return p.fallback
}

// Cost computes the billable power for a token count against a model's
// rates.
func (p *PricingTable) Cost(model string, inputTokens, outputTokens int) float64 {
	pricing := p.Lookup(model)
	return float64(inputTokens)/1_000_000*pricing.InputPerMTok +
		float64(outputTokens)/1_000_000*pricing.OutputPerMTok
}

package costcontrol

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMTok       float64 `yaml:"input"`        // USD per million input tokens
	OutputPerMTok      float64 `yaml:"output"`       // USD per million output tokens
	CachedInputPerMTok float64 `yaml:"cached_input"` // USD per million cached input tokens (0 = no discount)
}

// builtinPricing maps model names to their pricing.
// Rates are USD per million tokens, from the provider pricing pages.
var builtinPricing = map[string]ModelPricing{
	"gpt-4o":      {InputPerMTok: 2.50, OutputPerMTok: 10.00, CachedInputPerMTok: 1.25},
	"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60, CachedInputPerMTok: 0.075},

	"gpt-5":      {InputPerMTok: 1.25, OutputPerMTok: 10.00, CachedInputPerMTok: 0.125},
	"gpt-5-mini": {InputPerMTok: 0.25, OutputPerMTok: 2.00, CachedInputPerMTok: 0.025},
	"gpt-5-nano": {InputPerMTok: 0.05, OutputPerMTok: 0.40, CachedInputPerMTok: 0.005},

	"gpt-4.1":      {InputPerMTok: 2.00, OutputPerMTok: 8.00, CachedInputPerMTok: 0.50},
	"gpt-4.1-mini": {InputPerMTok: 0.40, OutputPerMTok: 1.60, CachedInputPerMTok: 0.10},
	"gpt-4.1-nano": {InputPerMTok: 0.10, OutputPerMTok: 0.40, CachedInputPerMTok: 0.025},

	"o3-mini": {InputPerMTok: 1.10, OutputPerMTok: 4.40, CachedInputPerMTok: 0.55},
	"o4-mini": {InputPerMTok: 1.10, OutputPerMTok: 4.40, CachedInputPerMTok: 0.275},

	"gpt-4-turbo":   {InputPerMTok: 10.00, OutputPerMTok: 30.00},
	"gpt-3.5-turbo": {InputPerMTok: 0.50, OutputPerMTok: 1.50},
}

// PricingTable maps model identifiers to per-token rates. Loaded once at
// process start and immutable thereafter; rate changes ship as a new
// deployment or a new pricing file, never as a runtime mutation.
type PricingTable struct {
	models map[string]ModelPricing
}

// NewPricingTable returns the built-in pricing table.
func NewPricingTable() *PricingTable {
	m := make(map[string]ModelPricing, len(builtinPricing))
	for name, p := range builtinPricing {
		m[name] = p
	}
	return &PricingTable{models: m}
}

// LoadPricingTable returns the built-in table with entries from a YAML file
// merged over it. The file maps model name to {input, output, cached_input}.
func LoadPricingTable(path string) (*PricingTable, error) {
	t := NewPricingTable()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var overrides map[string]ModelPricing
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	for name, p := range overrides {
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 || p.CachedInputPerMTok < 0 {
			return nil, fmt.Errorf("pricing for %q: rates must be >= 0", name)
		}
		t.models[name] = p
	}
	return t, nil
}

// Lookup returns pricing for a model, or ErrUnknownModel.
// There is deliberately no default fallback: silently pricing an unknown
// model would corrupt every downstream budget decision.
func (t *PricingTable) Lookup(model string) (ModelPricing, error) {
	p, ok := t.models[model]
	if !ok {
		return ModelPricing{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return p, nil
}

// Has reports whether the table prices the given model.
func (t *PricingTable) Has(model string) bool {
	_, ok := t.models[model]
	return ok
}

// EstimateCost computes the USD cost of a call from token counts.
// Fails with ErrUnknownModel for unpriced models and ErrInvalidArgument for
// negative token counts.
func (t *PricingTable) EstimateCost(model string, inputTokens, outputTokens int) (float64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("%w: negative token count (%d in, %d out)", ErrInvalidArgument, inputTokens, outputTokens)
	}
	p, err := t.Lookup(model)
	if err != nil {
		return 0, err
	}
	inputCost := float64(inputTokens) / 1_000_000 * p.InputPerMTok
	outputCost := float64(outputTokens) / 1_000_000 * p.OutputPerMTok
	return inputCost + outputCost, nil
}

// RealizedCost computes the USD cost of a completed call, discounting
// provider-reported cached input tokens. cachedTokens must not exceed
// inputTokens; the cached portion bills at the cached rate, the remainder at
// the full input rate. Models without a cached rate bill everything at full
// price.
func (t *PricingTable) RealizedCost(model string, inputTokens, outputTokens, cachedTokens int) (float64, error) {
	if cachedTokens < 0 {
		return 0, fmt.Errorf("%w: negative cached token count %d", ErrInvalidArgument, cachedTokens)
	}
	p, err := t.Lookup(model)
	if err != nil {
		return 0, err
	}
	if cachedTokens > inputTokens {
		cachedTokens = inputTokens
	}
	if p.CachedInputPerMTok <= 0 {
		cachedTokens = 0
	}
	full, err := t.EstimateCost(model, inputTokens-cachedTokens, outputTokens)
	if err != nil {
		return 0, err
	}
	cachedCost := float64(cachedTokens) / 1_000_000 * p.CachedInputPerMTok
	return full + cachedCost, nil
}

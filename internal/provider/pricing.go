package provider

import (
	"math"

	"github.com/scan-orchestrator/internal/config"
)

// Fallback prices, in cents per million tokens, for models missing from the
// catalog.
const (
	DefaultInputCentsPerMillion  = 500
	DefaultOutputCentsPerMillion = 1500
)

// Price is the per-million-token price of one model.
type Price struct {
	InputCentsPerMillion  float64
	OutputCentsPerMillion float64
}

// StaticPricing maps model ids to prices.
// It is read-only once built and safe for concurrent use.
type StaticPricing struct {
	prices       map[string]Price
	defaultPrice Price
}

// NewStaticPricing builds the table from the model catalog.
func NewStaticPricing(catalog *config.ModelCatalog) *StaticPricing {
	p := &StaticPricing{
		prices: make(map[string]Price),
		defaultPrice: Price{
			InputCentsPerMillion:  DefaultInputCentsPerMillion,
			OutputCentsPerMillion: DefaultOutputCentsPerMillion,
		},
	}
	if catalog != nil {
		for _, id := range catalog.IDs() {
			spec, _ := catalog.Lookup(id)
			p.prices[id] = Price{
				InputCentsPerMillion:  spec.InputCentsPerMillion,
				OutputCentsPerMillion: spec.OutputCentsPerMillion,
			}
		}
	}
	return p
}

// Price returns the price of modelID, falling back to the default.
func (p *StaticPricing) Price(modelID string) Price {
	if price, ok := p.prices[modelID]; ok {
		return price
	}
	return p.defaultPrice
}

// CostCents prices a call, rounding up to a whole cent. A call with no
// tokens costs nothing.
func (p *StaticPricing) CostCents(modelID string, inputTokens, outputTokens int64) int64 {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0
	}
	price := p.Price(modelID)
	microCents := float64(max(inputTokens, 0))*price.InputCentsPerMillion +
		float64(max(outputTokens, 0))*price.OutputCentsPerMillion
	return int64(math.Ceil(microCents / 1_000_000))
}

var _ PricingTable = (*StaticPricing)(nil)

// Package pricing implements the versioned pricing template store and
// cost calculator described in spec.md §3 and §4.5: PricingTemplate
// values with model-key aliasing and template inheritance, a
// deterministic, cycle-safe resolution algorithm, and the per-field
// cost formula applied to extracted token counts. It generalizes the
// teacher gateway's flat provider.PricingConfig (provider/pricing.go)
// into an inheritable, alias-aware template model.
package pricing

import (
	"fmt"
	"math"
)

// ModelPrice holds per-1e6-token prices for one model. Missing (zero)
// optional fields price that component at zero, per spec.md §4.5.
type ModelPrice struct {
	Provider        string   `json:"provider"`
	InputPrice      float64  `json:"input_price"`
	OutputPrice     float64  `json:"output_price"`
	CacheWrite5mPrice float64 `json:"cache_write_5m_price,omitempty"`
	CacheWrite1hPrice float64 `json:"cache_write_1h_price,omitempty"`
	CacheReadPrice  float64  `json:"cache_read_price,omitempty"`
	ReasoningPrice  float64  `json:"reasoning_price,omitempty"`
	Aliases         []string `json:"aliases,omitempty"`
}

// round6 matches spec.md §3: "prices are serialized rounded to six
// fractional decimals; computation uses full precision."
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Rounded returns a copy with every price field rounded to six decimals
// for serialization. Computation should always use the unrounded value.
func (p ModelPrice) Rounded() ModelPrice {
	p.InputPrice = round6(p.InputPrice)
	p.OutputPrice = round6(p.OutputPrice)
	p.CacheWrite5mPrice = round6(p.CacheWrite5mPrice)
	p.CacheWrite1hPrice = round6(p.CacheWrite1hPrice)
	p.CacheReadPrice = round6(p.CacheReadPrice)
	p.ReasoningPrice = round6(p.ReasoningPrice)
	return p
}

// Usage is the subset of extracted token counts the cost formula needs.
// tokenproc.TokenInfo converts into this shape; kept independent here so
// pricing has no dependency on the token-extraction package.
type Usage struct {
	InputTokens        int
	OutputTokens        int
	CacheCreationTotal  int
	CacheCreation1h     int
	CacheReadTokens     int
	ReasoningTokens     int
}

// Cost applies the spec.md §4.5 cost formula to one usage sample.
func (p ModelPrice) Cost(u Usage) float64 {
	const perMillion = 1e6

	cacheWrite5m := u.CacheCreationTotal - u.CacheCreation1h
	if cacheWrite5m < 0 {
		cacheWrite5m = 0
	}

	total := float64(u.InputTokens)*p.InputPrice/perMillion +
		float64(u.OutputTokens)*p.OutputPrice/perMillion +
		float64(cacheWrite5m)*p.CacheWrite5mPrice/perMillion +
		float64(u.CacheCreation1h)*p.CacheWrite1hPrice/perMillion +
		float64(u.CacheReadTokens)*p.CacheReadPrice/perMillion +
		float64(u.ReasoningTokens)*p.ReasoningPrice/perMillion

	return round6(total)
}

// PricingTemplate is a named, versioned collection of model price
// schedules, optionally inheriting from parent templates.
type PricingTemplate struct {
	ID              string                 `json:"id"`
	DisplayName     string                 `json:"display_name"`
	Description     string                 `json:"description,omitempty"`
	Version         string                 `json:"version"`
	CreatedAt       int64                  `json:"created_at"`
	UpdatedAt       int64                  `json:"updated_at"`
	InheritedModels []string               `json:"inherited_models,omitempty"`
	CustomModels    map[string]ModelPrice  `json:"custom_models"`
	Tags            []string               `json:"tags,omitempty"`
	IsDefaultPreset bool                   `json:"is_default_preset,omitempty"`
}

// AddModel stores a model price under modelKey and populates its alias
// list via GenerateAliases, so later resolution by any generated alias
// yields this same entry (spec.md §8 "alias round-trip").
func (t *PricingTemplate) AddModel(modelKey string, price ModelPrice) {
	if t.CustomModels == nil {
		t.CustomModels = make(map[string]ModelPrice)
	}
	price.Aliases = GenerateAliases(modelKey)
	t.CustomModels[modelKey] = price
}

// lookupLocal searches this template's own custom_models, exact key
// first, then any entry whose alias list contains modelName exactly.
func (t *PricingTemplate) lookupLocal(modelName string) (ModelPrice, bool) {
	if p, ok := t.CustomModels[modelName]; ok {
		return p, true
	}
	for _, p := range t.CustomModels {
		for _, alias := range p.Aliases {
			if alias == modelName {
				return p, true
			}
		}
	}
	return ModelPrice{}, false
}

// ErrCycle marks an inherited_models cycle detected during resolution.
type ErrCycle struct {
	TemplateID string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("pricing template inheritance cycle at %q", e.TemplateID)
}

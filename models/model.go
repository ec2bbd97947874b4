package models

// ModelInfo describes one LLM model offered by the provider, as returned by
// GET /models.
type ModelInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	ContextLength int          `json:"context_length"`
	Pricing       ModelPricing `json:"pricing"`
	Category      string       `json:"category"`
}

// ModelPricing holds per-token prices in USD. A nil field means the provider
// did not publish that price.
type ModelPricing struct {
	Prompt     *float64 `json:"prompt"`
	Completion *float64 `json:"completion"`
}

// Complete reports whether both prompt and completion prices are known.
func (p ModelPricing) Complete() bool {
	return p.Prompt != nil && p.Completion != nil
}

// Total returns prompt + completion price. Only meaningful when Complete.
func (p ModelPricing) Total() float64 {
	var total float64
	if p.Prompt != nil {
		total += *p.Prompt
	}
	if p.Completion != nil {
		total += *p.Completion
	}
	return total
}

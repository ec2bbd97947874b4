package models

import "encoding/json"

// Limits for the pagination window accepted by POST /scrape.
const (
	MinPages        = 1
	MaxPages        = 50
	DefaultMaxPages = 5
)

// ScrapeRequest is the payload for POST /scrape.
type ScrapeRequest struct {
	// URL is the target page to scrape. Required, http or https.
	URL string `json:"url"`

	// UseLLM routes the scraped markdown through the LLM enhancement stage.
	UseLLM bool `json:"useLlm,omitempty"`

	// Prompt is the transformation the LLM should apply. Required when UseLLM is set.
	Prompt string `json:"prompt,omitempty"`

	// Model is the LLM model identifier. When empty the cheapest suitable
	// model from the catalogue is used.
	Model string `json:"model,omitempty"`

	// UsePagination asks the engine to follow "next page" links.
	UsePagination bool `json:"usePagination,omitempty"`

	// MaxPages bounds the number of pages followed when UsePagination is set.
	// A pointer so that an explicit 0 can be told apart from "not sent".
	MaxPages *int `json:"maxPages,omitempty"`

	// ExtractionStrategy is forwarded verbatim to the engine as its last argument.
	ExtractionStrategy json.RawMessage `json:"extractionStrategy,omitempty"`
}

// PageLimit returns the requested page limit, or the engine default when
// none was sent.
func (r *ScrapeRequest) PageLimit() int {
	if r.MaxPages == nil {
		return DefaultMaxPages
	}
	return *r.MaxPages
}

package engine

import (
	"context"
	"encoding/json"

	"github.com/use-agent/scrapeflow/models"
)

// Engine is the interface the pipeline uses to retrieve a page.
type Engine interface {
	// Name returns the engine identifier.
	Name() string

	// Fetch scrapes the page described by req. Errors are *models.ScrapeError
	// carrying one of the scrape-stage codes.
	Fetch(ctx context.Context, req *FetchRequest) (*models.ScrapeResult, error)
}

// FetchRequest contains everything the engine needs to scrape a page.
type FetchRequest struct {
	URL                string
	Pagination         bool
	MaxPages           int
	ExtractionStrategy json.RawMessage
}

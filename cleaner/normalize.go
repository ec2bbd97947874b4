// Package cleaner tidies engine output before it is returned or enhanced:
// it fills in markdown, title, links, media and metadata the engine left
// out, working from the HTML the engine did return, and attaches token
// estimates.
package cleaner

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"

	"github.com/use-agent/scrapeflow/models"
)

// Cleaner fills gaps in engine results. The converter is built once and
// shared, so a Cleaner is safe for concurrent use.
type Cleaner struct {
	mdConverter *converter.Converter
	logger      *slog.Logger
}

// NewCleaner creates a Cleaner.
func NewCleaner(logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		mdConverter: newMarkdownConverter(),
		logger:      logger.With("component", "cleaner"),
	}
}

// Normalize completes data in place. Fields the engine set are never
// overwritten. Failures only leave a field empty; Normalize never fails
// the scrape.
//
// Flow:
//  1. Empty markdown: readability over cleaned_html (or html), then convert.
//  2. Paginated markdown: drop near-duplicate pages.
//  3. Parse the raw html once for title, links, media and metadata.
//  4. Attach the token estimate.
func (c *Cleaner) Normalize(data *models.ScrapeData) {
	if data == nil {
		return
	}
	log := c.logger.With("url", data.URL)

	// ── 1. Markdown fallback ────────────────────────────────────────
	var articleTitle string
	if strings.TrimSpace(data.Markdown) == "" {
		if src := firstNonEmpty(data.CleanedHTML, data.HTML); src != "" {
			content, title, err := mainContent(src, data.URL)
			if err != nil {
				log.Debug("readability fell back to full document", "error", err)
			}
			md, err := toMarkdown(c.mdConverter, content, data.URL)
			if err != nil {
				log.Warn("markdown conversion failed", "error", err)
			} else {
				data.Markdown = strings.TrimSpace(md)
			}
			articleTitle = strings.TrimSpace(title)
		}
	}

	// ── 2. Duplicate pages ──────────────────────────────────────────
	if md, dropped := DedupePages(data.Markdown); dropped > 0 {
		log.Info("dropped duplicate pages", "count", dropped)
		data.Markdown = md
	}

	// ── 3. Page details from raw HTML ───────────────────────────────
	if raw := firstNonEmpty(data.HTML, data.CleanedHTML); raw != "" && c.needsPage(data) {
		page, err := ParsePage(raw, data.URL)
		if err != nil {
			log.Warn("failed to parse page html", "error", err)
		} else {
			c.applyPage(data, page)
		}
	}
	if data.Title == "" {
		data.Title = articleTitle
	}

	// ── 4. Token estimate ───────────────────────────────────────────
	data.Tokens = &models.TokenInfo{MarkdownEstimate: EstimateTokens(data.Markdown)}
}

func (c *Cleaner) needsPage(data *models.ScrapeData) bool {
	return data.Title == "" || isEmptyJSON(data.Links) || isEmptyJSON(data.Media) || isEmptyJSON(data.Metadata)
}

func (c *Cleaner) applyPage(data *models.ScrapeData, page *Page) {
	if data.Title == "" {
		data.Title = page.Title
	}
	if isEmptyJSON(data.Links) {
		data.Links = c.marshal(page.Links)
	}
	if isEmptyJSON(data.Media) {
		data.Media = c.marshal(page.Media)
	}
	if isEmptyJSON(data.Metadata) {
		meta := map[string]any{"title": page.Title}
		if page.Description != "" {
			meta["description"] = page.Description
		}
		if len(page.OpenGraph) > 0 {
			meta["og"] = page.OpenGraph
		}
		data.Metadata = c.marshal(meta)
	}
}

func (c *Cleaner) marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("failed to encode page details", "error", err)
		return nil
	}
	return b
}

// isEmptyJSON treats absent, null, {} and [] as "not provided".
func isEmptyJSON(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

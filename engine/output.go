package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/use-agent/scrapeflow/models"
)

// ExtractJSON returns the text between the first '{' and the last '}' of raw,
// dropping any log noise the engine printed on stdout around its payload.
func ExtractJSON(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return "", false
	}
	return raw[start : end+1], true
}

// ParseOutput decodes the engine's stdout into a ScrapeResult. The raw output
// is kept in the error so a malformed payload can be diagnosed from logs.
func ParseOutput(raw string) (*models.ScrapeResult, error) {
	payload, ok := ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON object in scraper output (raw output: %q)", raw)
	}

	var result models.ScrapeResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("decode scraper output: %w (raw output: %q)", err, raw)
	}
	return &result, nil
}

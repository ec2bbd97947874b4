package models

import (
	"encoding/json"
	"time"
)

// ScrapeResult is the JSON object the scraping engine prints on stdout.
type ScrapeResult struct {
	Success bool        `json:"success"`
	Data    *ScrapeData `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ScrapeData holds the page content returned by the engine plus the
// annotations added by the pipeline.
type ScrapeData struct {
	Markdown    string          `json:"markdown"`
	// JSON is whatever the engine extracted: usually an object, but
	// extraction strategies can produce an array or a scalar.
	JSON        any             `json:"json"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	HTML        string          `json:"html,omitempty"`
	CleanedHTML string          `json:"cleaned_html,omitempty"`
	Media       json.RawMessage `json:"media,omitempty"`
	Links       json.RawMessage `json:"links,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`

	// Tokens is filled by the cleaner after the scrape stage.
	Tokens *TokenInfo `json:"tokens,omitempty"`

	// LLMEnhanced is nil when enhancement was not requested.
	LLMEnhanced *bool     `json:"llmEnhanced,omitempty"`
	LLMModel    string    `json:"llmModel,omitempty"`
	LLMPrompt   string    `json:"llmPrompt,omitempty"`
	LLMError    *LLMError `json:"llmError,omitempty"`
}

// LLMError describes a failed enhancement attached to an otherwise
// successful scrape.
type LLMError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenInfo gives a rough token count for the markdown that is returned.
type TokenInfo struct {
	MarkdownEstimate int `json:"markdown_estimate"`
}

// TimingInfo breaks down the time spent in each phase.
type TimingInfo struct {
	// TotalMs is the end-to-end duration in milliseconds.
	TotalMs int64 `json:"total_ms"`

	// ScrapeMs is the time spent waiting for the engine subprocess.
	ScrapeMs int64 `json:"scrape_ms"`

	// EnhanceMs is the time spent in the LLM call, zero when skipped.
	EnhanceMs int64 `json:"enhance_ms"`
}

// ScrapeResponse is the response for POST /scrape.
type ScrapeResponse struct {
	// Success indicates whether the scrape completed without errors.
	// A degraded enhancement still reports true.
	Success bool `json:"success"`

	Data *ScrapeData `json:"data,omitempty"`

	// Error is a human-readable message, populated only when Success is false.
	Error string `json:"error,omitempty"`

	// Code is the machine-readable error code matching Error.
	Code string `json:"code,omitempty"`

	Timing    TimingInfo `json:"timing"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorResponse builds the failure envelope for err.
func ErrorResponse(err *ScrapeError) ScrapeResponse {
	return ScrapeResponse{
		Success: false,
		Error:   err.Message,
		Code:    err.Code,
	}
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string          `json:"status"` // "healthy" or "degraded"
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	Admission AdmissionStats  `json:"admission"`
	Breaker   BreakerSnapshot `json:"breaker"`
	Processes int             `json:"processes"`
}

// AdmissionStats reports the admission controller's occupancy.
type AdmissionStats struct {
	InFlight int `json:"in_flight"`
	Limit    int `json:"limit"`
}

// Circuit breaker states reported in BreakerSnapshot.State.
const (
	BreakerClosed = "closed"
	BreakerOpen   = "open"
)

// BreakerSnapshot reports the circuit breaker's state.
type BreakerSnapshot struct {
	State               string     `json:"state"` // "closed" or "open"
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

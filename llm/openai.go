// Package llm talks to an OpenAI-compatible completion provider
// (OpenRouter by default) for markdown enhancement and model listing.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/metrics"
	"github.com/use-agent/scrapeflow/models"
)

// systemPrompt is sent with every enhancement request.
const systemPrompt = `You are a content transformation assistant. You receive Markdown scraped from a web page and a task describing how to transform it.

Rules:
- Work only from the provided content; do not invent facts.
- If the task asks for structured data, return ONLY valid JSON with no markdown fences or explanation.
- Otherwise return the transformed content as Markdown.`

// maxErrorBody caps how much of an error response body is read.
const maxErrorBody = 64 << 10

// Client is a lightweight OpenAI-compatible API client. It is safe for
// concurrent use.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
}

// NewClient creates a new LLM client with the given http.Client.
// Pass nil to use a default client; per-call deadlines come from cfg.
func NewClient(cfg config.LLMConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// DefaultModel returns the configured fallback model.
func (c *Client) DefaultModel() string {
	return c.cfg.DefaultModel
}

// chatRequest is the OpenAI chat completion request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the minimal OpenAI chat completion response we need.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatErrorResponse captures an API error from the LLM provider.
type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Enhance sends markdown and the user's task to the completion endpoint and
// returns the model's text. Errors are *models.ScrapeError with an LLM code,
// or INVALID_INPUT when an argument is empty. There are no retries.
func (c *Client) Enhance(ctx context.Context, markdown, prompt, model string) (string, error) {
	text, err := c.enhance(ctx, markdown, prompt, model)
	if err != nil {
		metrics.ObserveLLM(models.AsScrapeError(err).Code)
		return "", err
	}
	metrics.ObserveLLM("success")
	return text, nil
}

func (c *Client) enhance(ctx context.Context, markdown, prompt, model string) (string, error) {
	if !c.Configured() {
		return "", models.NewScrapeError(models.ErrCodeLLMNotConfigured, "LLM API key is not configured", nil)
	}
	switch {
	case strings.TrimSpace(model) == "":
		return "", models.NewScrapeError(models.ErrCodeInvalidInput, "model is required", nil)
	case strings.TrimSpace(prompt) == "":
		return "", models.NewScrapeError(models.ErrCodeInvalidInput, "prompt is required", nil)
	case strings.TrimSpace(markdown) == "":
		return "", models.NewScrapeError(models.ErrCodeInvalidInput, "no content to enhance", nil)
	}

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(markdown, prompt)},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	respBody, err := c.do(ctx, http.MethodPost, "/chat/completions", bodyBytes)
	if err != nil {
		return "", err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", models.NewScrapeError(models.ErrCodeLLMFailure, "failed to parse LLM response", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", models.NewScrapeError(models.ErrCodeLLMFailure, "LLM returned no choices", nil)
	}
	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return "", models.NewScrapeError(models.ErrCodeLLMFailure, "LLM returned empty content", nil)
	}
	return content, nil
}

// buildUserPrompt embeds the scraped content and the task in one message.
func buildUserPrompt(markdown, prompt string) string {
	return fmt.Sprintf("Task:\n%s\n\nContent:\n%s", strings.TrimSpace(prompt), markdown)
}

// modelList is the provider's GET /models response.
type modelList struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// ListModels fetches the provider's model list. Prices arrive as decimal
// strings; unparseable or negative prices are left nil. Category is not
// filled in here.
func (c *Client) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	if !c.Configured() {
		return nil, models.NewScrapeError(models.ErrCodeLLMNotConfigured, "LLM API key is not configured", nil)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	respBody, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	var list modelList
	if err := json.Unmarshal(respBody, &list); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeLLMFailure, "failed to parse model list", err)
	}

	out := make([]models.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		out = append(out, models.ModelInfo{
			ID:            m.ID,
			Name:          name,
			Description:   m.Description,
			ContextLength: m.ContextLength,
			Pricing: models.ModelPricing{
				Prompt:     parsePrice(m.Pricing.Prompt),
				Completion: parsePrice(m.Pricing.Completion),
			},
		})
	}
	return out, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// do performs one authenticated request against the provider and returns
// the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	// Build URL: baseURL + path
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeLLMFailure, "failed to build LLM request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyLLMError(resp.StatusCode, errBody)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, models.NewScrapeError(models.ErrCodeLLMTimeout, "LLM request timed out", err)
		}
		return nil, models.NewScrapeError(models.ErrCodeLLMFailure, "failed to read LLM response", err)
	}
	return respBody, nil
}

// classifyLLMError maps HTTP status codes to appropriate error codes.
func classifyLLMError(statusCode int, body []byte) *models.ScrapeError {
	var errResp chatErrorResponse
	msg := "LLM API error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.NewScrapeError(models.ErrCodeLLMAuthFailure, msg, nil)
	case http.StatusPaymentRequired:
		return models.NewScrapeError(models.ErrCodeLLMInsufficientQuota, msg, nil)
	case http.StatusTooManyRequests:
		return models.NewScrapeError(models.ErrCodeLLMRateLimited, msg, nil)
	case http.StatusBadRequest:
		return models.NewScrapeError(models.ErrCodeLLMBadRequest, msg, nil)
	default:
		return models.NewScrapeError(models.ErrCodeLLMFailure, fmt.Sprintf("LLM API returned %d: %s", statusCode, msg), nil)
	}
}

// classifyTransportError maps a failed round trip to an LLM error code.
func classifyTransportError(err error) *models.ScrapeError {
	if isTimeout(err) {
		return models.NewScrapeError(models.ErrCodeLLMTimeout, "LLM request timed out", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || errors.Is(err, syscall.ECONNREFUSED) {
		return models.NewScrapeError(models.ErrCodeLLMUnreachable, "LLM provider is unreachable", err)
	}

	if errors.Is(err, context.Canceled) {
		return models.NewScrapeError(models.ErrCodeLLMFailure, "LLM request cancelled", err)
	}
	return models.NewScrapeError(models.ErrCodeLLMFailure, "LLM request failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parsePrice decodes a per-token price string. OpenRouter uses "-1" for
// variable-priced routers, which is treated as unknown.
func parsePrice(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

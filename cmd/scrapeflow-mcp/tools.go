package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/scrapeflow/models"
)

// apiClient talks to the scrapeflow HTTP API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// post sends a JSON POST request and returns the response body and status.
func (a *apiClient) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

// get sends a GET request and returns the response body and status.
func (a *apiClient) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	return a.do(req)
}

func (a *apiClient) do(req *http.Request) ([]byte, int, error) {
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func handleScrapeURL(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		reqBody := models.ScrapeRequest{
			URL:           url,
			UseLLM:        request.GetBool("use_llm", false),
			Prompt:        request.GetString("prompt", ""),
			Model:         request.GetString("model", ""),
			UsePagination: request.GetBool("use_pagination", false),
		}
		if _, ok := request.GetArguments()["max_pages"]; ok {
			n := request.GetInt("max_pages", models.DefaultMaxPages)
			reqBody.MaxPages = &n
		}

		// Failures come back as the same envelope with a non-2xx status.
		respBody, _, err := api.post(ctx, "/scrape", reqBody)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var resp models.ScrapeResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}

		if !resp.Success || resp.Data == nil {
			errMsg := "scrape failed"
			if resp.Error != "" {
				errMsg = fmt.Sprintf("[%s] %s", resp.Code, resp.Error)
			}
			return mcp.NewToolResultError(errMsg), nil
		}

		return mcp.NewToolResultText(formatScrape(resp.Data)), nil
	}
}

// formatScrape renders a scrape result as a text block: a small header,
// the enhanced output when there is one, then the markdown.
func formatScrape(d *models.ScrapeData) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nSource: %s\n\n", d.Title, d.URL)

	if d.LLMEnhanced != nil {
		if *d.LLMEnhanced {
			obj, _ := d.JSON.(map[string]any)
			if enhanced, ok := obj["llm_enhanced"]; ok {
				out, _ := json.MarshalIndent(enhanced, "", "  ")
				fmt.Fprintf(&sb, "LLM output (%s):\n%s\n\n", d.LLMModel, out)
			}
		} else if d.LLMError != nil {
			fmt.Fprintf(&sb, "LLM enhancement failed [%s]: %s\n\n", d.LLMError.Code, d.LLMError.Message)
		}
	}

	sb.WriteString(d.Markdown)

	if d.Tokens != nil {
		fmt.Fprintf(&sb, "\n\n---\nTokens: ~%d", d.Tokens.MarkdownEstimate)
	}
	return sb.String()
}

func handleListModels(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		respBody, status, err := api.get(ctx, "/models")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if status != http.StatusOK {
			var resp models.ScrapeResponse
			if json.Unmarshal(respBody, &resp) == nil && resp.Error != "" {
				return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", resp.Code, resp.Error)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("models request returned %d", status)), nil
		}

		var list []models.ModelInfo
		if err := json.Unmarshal(respBody, &list); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse models: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "%d models:\n\n", len(list))
		for _, m := range list {
			fmt.Fprintf(&sb, "%s (%s) context=%d category=%s", m.ID, m.Name, m.ContextLength, m.Category)
			if m.Pricing.Complete() {
				fmt.Fprintf(&sb, " price=$%.2f/M tokens", m.Pricing.Total()*1e6)
			}
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

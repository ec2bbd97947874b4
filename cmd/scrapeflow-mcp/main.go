// Command scrapeflow-mcp exposes a running scrapeflow service to MCP clients
// over stdio.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	apiURL := os.Getenv("SCRAPEFLOW_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:3001"
	}
	// Optional: only needed when the service has auth enabled.
	apiKey := os.Getenv("SCRAPEFLOW_API_KEY")

	s := newServer(&apiClient{
		baseURL: apiURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
	})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func newServer(api *apiClient) *server.MCPServer {
	s := server.NewMCPServer(
		"scrapeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	scrapeURLTool := mcp.NewTool("scrape_url",
		mcp.WithDescription("Scrape a web page through a real browser and return it as Markdown. Optionally follows pagination and rewrites the content with an LLM."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the web page to scrape"),
		),
		mcp.WithBoolean("use_llm",
			mcp.Description("Rewrite the scraped content with an LLM using 'prompt'"),
		),
		mcp.WithString("prompt",
			mcp.Description("What the LLM should do with the content. Required when use_llm is true"),
		),
		mcp.WithString("model",
			mcp.Description("LLM model id (see list_models). Defaults to the cheapest suitable model"),
		),
		mcp.WithBoolean("use_pagination",
			mcp.Description("Follow 'next page' links and merge the pages"),
		),
		mcp.WithNumber("max_pages",
			mcp.Description("Maximum pages to follow when use_pagination is true (1-50, default 5)"),
		),
	)
	s.AddTool(scrapeURLTool, handleScrapeURL(api))

	listModelsTool := mcp.NewTool("list_models",
		mcp.WithDescription("List the LLM models available for enhancement, with pricing and context length."),
	)
	s.AddTool(listModelsTool, handleListModels(api))

	return s
}

// Command loadprobe fires concurrent scrape requests at a running scrapeflow
// service and reports how they were answered: served, degraded, rejected by
// admission, short-circuited by the breaker, or failed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/use-agent/scrapeflow/models"
)

// CLI flags
var (
	apiURL      = flag.String("api-url", "http://localhost:3001", "scrapeflow API base URL")
	apiKey      = flag.String("api-key", "", "API key for authenticated requests")
	target      = flag.String("url", "https://example.com", "page to scrape")
	requests    = flag.Int("requests", 10, "total number of requests")
	concurrency = flag.Int("concurrency", 5, "requests in flight at once")
	prompt      = flag.String("prompt", "", "when set, requests LLM enhancement with this prompt")
	output      = flag.String("output", "", "optional JSON output file path")
)

type probeResult struct {
	Seq       int    `json:"seq"`
	Status    int    `json:"status"`
	Code      string `json:"code,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type probeReport struct {
	Timestamp   string        `json:"timestamp"`
	APIURL      string        `json:"api_url"`
	Target      string        `json:"target"`
	Concurrency int           `json:"concurrency"`
	Results     []probeResult `json:"results"`
}

func main() {
	flag.Parse()

	fmt.Println("=== scrapeflow load probe ===")
	fmt.Printf("API URL:      %s\n", *apiURL)
	fmt.Printf("Target:       %s\n", *target)
	fmt.Printf("Requests:     %d\n", *requests)
	fmt.Printf("Concurrency:  %d\n", *concurrency)
	fmt.Println()

	client := &http.Client{Timeout: 120 * time.Second}
	if err := checkAPI(client, *apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach API at %s: %v\n", *apiURL, err)
		os.Exit(1)
	}

	report := probeReport{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		APIURL:      *apiURL,
		Target:      *target,
		Concurrency: *concurrency,
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(max(*concurrency, 1))
	for i := 1; i <= *requests; i++ {
		g.Go(func() error {
			res := probe(ctx, client, i)
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(report.Results, func(a, b probeResult) int { return a.Seq - b.Seq })
	printTable(report.Results)

	if *output != "" {
		if err := writeJSON(*output, report); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nDetailed results written to %s\n", *output)
	}
}

func checkAPI(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func probe(ctx context.Context, client *http.Client, seq int) probeResult {
	res := probeResult{Seq: seq}
	start := time.Now()
	defer func() { res.LatencyMs = time.Since(start).Milliseconds() }()

	body, err := json.Marshal(models.ScrapeRequest{
		URL:    *target,
		UseLLM: *prompt != "",
		Prompt: *prompt,
	})
	if err != nil {
		res.Error = fmt.Sprintf("marshal error: %v", err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *apiURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		res.Error = fmt.Sprintf("request error: %v", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		res.Error = fmt.Sprintf("request failed: %v", err)
		return res
	}
	defer resp.Body.Close()
	res.Status = resp.StatusCode

	var sr models.ScrapeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		res.Error = fmt.Sprintf("decode error: %v", err)
		return res
	}
	res.Code = sr.Code
	res.Error = sr.Error
	if sr.Data != nil && sr.Data.LLMEnhanced != nil && !*sr.Data.LLMEnhanced {
		res.Degraded = true
	}
	return res
}

// outcome buckets a result for the summary table.
func outcome(r probeResult) string {
	switch {
	case r.Status == 0:
		return "transport error"
	case r.Status == http.StatusOK && r.Degraded:
		return "ok (degraded)"
	case r.Status == http.StatusOK:
		return "ok"
	case r.Code != "":
		return r.Code
	default:
		return http.StatusText(r.Status)
	}
}

func printTable(results []probeResult) {
	type bucket struct {
		count  int
		status int
		sumMs  int64
	}
	buckets := map[string]*bucket{}
	var names []string
	for _, r := range results {
		name := outcome(r)
		b, ok := buckets[name]
		if !ok {
			b = &bucket{status: r.Status}
			buckets[name] = b
			names = append(names, name)
		}
		b.count++
		b.sumMs += r.LatencyMs
	}
	slices.Sort(names)

	fmt.Println(strings.Repeat("─", 60))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Outcome\tHTTP\tCount\tAvg Latency\n")
	fmt.Fprintf(w, "───────\t────\t─────\t───────────\n")
	for _, name := range names {
		b := buckets[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%dms\n", name, b.status, b.count, b.sumMs/int64(b.count))
	}
	w.Flush()
	fmt.Println(strings.Repeat("─", 60))
}

func writeJSON(path string, report probeReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

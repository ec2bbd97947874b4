package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/engine"
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/pipeline"
)

type scraperFunc func(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeResponse, error)

func (f scraperFunc) Execute(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeResponse, error) {
	return f(ctx, req)
}

type fakeModels struct {
	list []models.ModelInfo
	err  error
}

func (f fakeModels) Models(context.Context) ([]models.ModelInfo, error) { return f.list, f.err }

type fakeHealth struct{ breaker string }

func (f fakeHealth) AdmissionStats() models.AdmissionStats { return models.AdmissionStats{InFlight: 1, Limit: 2} }
func (f fakeHealth) BreakerSnapshot() models.BreakerSnapshot {
	return models.BreakerSnapshot{State: f.breaker}
}
func (f fakeHealth) ProcessCount() int { return 3 }

type fakeEngine struct{}

func (fakeEngine) Name() string { return "fake" }

func (fakeEngine) Fetch(_ context.Context, req *engine.FetchRequest) (*models.ScrapeResult, error) {
	return &models.ScrapeResult{Success: true, Data: &models.ScrapeData{Markdown: "# ok", URL: req.URL}}, nil
}

type fakeEnhancer struct{}

func (fakeEnhancer) Enhance(context.Context, string, string, string) (string, error) {
	return "", models.NewScrapeError(models.ErrCodeLLMAuthFailure, "bad key", nil)
}

type fixedModel string

func (m fixedModel) DefaultModel(context.Context) string { return string(m) }

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Mode: "test"},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config, d Deps) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if d.Health == nil {
		d.Health = fakeHealth{breaker: models.BreakerClosed}
	}
	if d.Models == nil {
		d.Models = fakeModels{}
	}
	if d.StartTime.IsZero() {
		d.StartTime = time.Now()
	}
	d.Version = "test"
	return NewRouter(ctx, cfg, d)
}

func realPipeline() *pipeline.Pipeline {
	return pipeline.New(pipeline.Deps{
		Admission: pipeline.NewAdmission(2),
		Breaker:   pipeline.NewBreaker(3, 30*time.Second),
		Engine:    fakeEngine{},
		Enhancer:  fakeEnhancer{},
		Selector:  fixedModel("cheap/model"),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestScrape_Success(t *testing.T) {
	h := newTestRouter(t, testConfig(), Deps{Scraper: realPipeline()})

	rec, body := do(t, h, http.MethodPost, "/scrape", `{"url":"https://example.com"}`,
		map[string]string{"X-Request-ID": "abc-123"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "abc-123", body["request_id"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "# ok", data["markdown"])
}

func TestScrape_GeneratesRequestID(t *testing.T) {
	h := newTestRouter(t, testConfig(), Deps{Scraper: realPipeline()})

	rec, body := do(t, h, http.MethodPost, "/scrape", `{"url":"https://example.com"}`,
		map[string]string{"X-Request-ID": "has spaces"})
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get("X-Request-ID")
	assert.Len(t, id, 36)
	assert.Equal(t, id, body["request_id"])
}

func TestScrape_DegradedEnhancementIs200(t *testing.T) {
	h := newTestRouter(t, testConfig(), Deps{Scraper: realPipeline()})

	rec, body := do(t, h, http.MethodPost, "/scrape",
		`{"url":"https://example.com","useLlm":true,"prompt":"summarise"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	data := body["data"].(map[string]any)
	assert.Equal(t, "# ok", data["markdown"])
	assert.Equal(t, false, data["llmEnhanced"])
	llmErr := data["llmError"].(map[string]any)
	assert.Equal(t, "bad key", llmErr["message"])
	assert.Equal(t, models.ErrCodeLLMAuthFailure, llmErr["code"])
	assert.Equal(t, "cheap/model", llmErr["model"])
	assert.Equal(t, "summarise", llmErr["prompt"])
	assert.NotEmpty(t, llmErr["timestamp"])
}

func TestScrape_Validation(t *testing.T) {
	h := newTestRouter(t, testConfig(), Deps{Scraper: realPipeline()})

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"invalid url", `{"url":"not-a-url"}`, "URL format"},
		{"missing prompt", `{"url":"https://example.com","useLlm":true}`, "prompt"},
		{"too many pages", `{"url":"https://example.com","usePagination":true,"maxPages":51}`, "maxPages"},
		{"fractional pages", `{"url":"https://example.com","usePagination":true,"maxPages":2.5}`, "invalid request body"},
		{"malformed json", `{"url":`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodPost, "/scrape", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, models.ErrCodeInvalidInput, body["code"])
			assert.Contains(t, body["error"], tt.msg)
		})
	}
}

func TestScrape_StatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.NewScrapeError(models.ErrCodeAdmissionRejected, "busy", nil), http.StatusTooManyRequests},
		{models.NewScrapeError(models.ErrCodeBreakerOpen, "open", nil), http.StatusServiceUnavailable},
		{models.NewScrapeError(models.ErrCodeTimeout, "slow", nil), http.StatusGatewayTimeout},
		{models.NewScrapeError(models.ErrCodeExitCode, "crashed", nil), http.StatusInternalServerError},
		{models.NewScrapeError(models.ErrCodeParse, "garbled", nil), http.StatusInternalServerError},
		{errors.New("secret stack detail"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			sc := scraperFunc(func(context.Context, *models.ScrapeRequest) (*models.ScrapeResponse, error) {
				return nil, tt.err
			})
			h := newTestRouter(t, testConfig(), Deps{Scraper: sc})

			rec, body := do(t, h, http.MethodPost, "/scrape", `{"url":"https://example.com"}`, nil)
			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.IsType(t, "", body["error"])
			assert.NotContains(t, body["error"], "secret")
		})
	}
}

func TestScrape_ContextSurvivesClientCancel(t *testing.T) {
	var seen error
	sc := scraperFunc(func(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeResponse, error) {
		seen = ctx.Err()
		return &models.ScrapeResponse{Success: true, RequestID: models.RequestIDFromContext(ctx)}, nil
	})
	h := newTestRouter(t, testConfig(), Deps{Scraper: sc})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/scrape", bytes.NewBufferString(`{"url":"https://example.com"}`)).WithContext(ctx)
	req.Header.Set("X-Request-ID", "keep-me")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, seen)
	assert.Contains(t, rec.Body.String(), "keep-me")
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, testConfig(), Deps{Scraper: realPipeline(), Health: fakeHealth{breaker: models.BreakerOpen}})

	rec, body := do(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, body["timestamp"])
	assert.EqualValues(t, 3, body["processes"])
	admission := body["admission"].(map[string]any)
	assert.EqualValues(t, 2, admission["limit"])
}

func TestHealth_RuntimeState(t *testing.T) {
	p := realPipeline()
	state := RuntimeState{Pipeline: p, Registry: engine.NewRegistry(nil)}
	h := newTestRouter(t, testConfig(), Deps{Scraper: p, Health: state})

	rec, body := do(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["processes"])
	assert.Equal(t, "closed", body["breaker"].(map[string]any)["state"])
}

func TestModels(t *testing.T) {
	p := 0.000001
	list := []models.ModelInfo{{ID: "a/b", Name: "B", ContextLength: 8192, Pricing: models.ModelPricing{Prompt: &p, Completion: &p}, Category: "standard"}}
	h := newTestRouter(t, testConfig(), Deps{Scraper: realPipeline(), Models: fakeModels{list: list}})

	rec, _ := do(t, h, http.MethodGet, "/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []models.ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a/b", got[0].ID)
	assert.Equal(t, 8192, got[0].ContextLength)
}

func TestModels_Error(t *testing.T) {
	h := newTestRouter(t, testConfig(), Deps{
		Scraper: realPipeline(),
		Models:  fakeModels{err: models.NewScrapeError(models.ErrCodeLLMNotConfigured, "LLM API key is not configured", nil)},
	})

	rec, body := do(t, h, http.MethodGet, "/models", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.ErrCodeLLMNotConfigured, body["code"])
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"k1", "k2"}}
	h := newTestRouter(t, cfg, Deps{Scraper: realPipeline()})

	rec, body := do(t, h, http.MethodPost, "/scrape", `{"url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.ErrCodeUnauthorized, body["code"])

	rec, _ = do(t, h, http.MethodPost, "/scrape", `{"url":"https://example.com"}`, map[string]string{"X-API-Key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/scrape", `{"url":"https://example.com"}`, map[string]string{"Authorization": "Bearer k2"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	h := newTestRouter(t, cfg, Deps{Scraper: realPipeline()})

	rec, _ := do(t, h, http.MethodGet, "/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, h, http.MethodGet, "/models", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, models.ErrCodeRateLimited, body["code"])

	rec, _ = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, testConfig(), Deps{Scraper: realPipeline()})
	do(t, h, http.MethodGet, "/health", "", nil)

	rec, _ := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

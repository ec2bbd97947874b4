package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/scrapeflow/engine"
	"github.com/use-agent/scrapeflow/models"
)

type fakeEngine struct {
	calls atomic.Int32
	fetch func(ctx context.Context, req *engine.FetchRequest) (*models.ScrapeResult, error)
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Fetch(ctx context.Context, req *engine.FetchRequest) (*models.ScrapeResult, error) {
	f.calls.Add(1)
	return f.fetch(ctx, req)
}

func okEngine() *fakeEngine {
	return &fakeEngine{fetch: func(_ context.Context, req *engine.FetchRequest) (*models.ScrapeResult, error) {
		return &models.ScrapeResult{Success: true, Data: &models.ScrapeData{
			Markdown: "# Original",
			JSON:     map[string]any{"pages": 1},
			URL:      req.URL,
			Title:    "Original",
		}}, nil
	}}
}

func failingEngine() *fakeEngine {
	return &fakeEngine{fetch: func(context.Context, *engine.FetchRequest) (*models.ScrapeResult, error) {
		return nil, models.NewScrapeError(models.ErrCodeExitCode, "browser crashed", nil)
	}}
}

type fakeEnhancer struct {
	calls  atomic.Int32
	model  atomic.Value
	result string
	err    error
}

func (f *fakeEnhancer) Enhance(_ context.Context, markdown, prompt, model string) (string, error) {
	f.calls.Add(1)
	f.model.Store(model)
	return f.result, f.err
}

type fixedSelector string

func (s fixedSelector) DefaultModel(context.Context) string { return string(s) }

type testPipeline struct {
	*Pipeline
	engine   *fakeEngine
	enhancer *fakeEnhancer
	clock    *fakeClock
}

func newTestPipeline(eng *fakeEngine, enh *fakeEnhancer) *testPipeline {
	if enh == nil {
		enh = &fakeEnhancer{result: "enhanced"}
	}
	breaker, clock := newTestBreaker(3, 30*time.Second)
	p := New(Deps{
		Admission: NewAdmission(2),
		Breaker:   breaker,
		Engine:    eng,
		Enhancer:  enh,
		Selector:  fixedSelector("cheap/model"),
	})
	p.now = clock.Now
	return &testPipeline{Pipeline: p, engine: eng, enhancer: enh, clock: clock}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var se *models.ScrapeError
	require.True(t, errors.As(err, &se), "expected *models.ScrapeError, got %T", err)
	assert.Equal(t, code, se.Code)
}

func intPtr(v int) *int { return &v }

func TestExecute_Success(t *testing.T) {
	tp := newTestPipeline(okEngine(), nil)
	ctx := models.WithRequestID(context.Background(), "req-1")

	resp, err := tp.Execute(ctx, &models.ScrapeRequest{URL: "https://example.com"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "# Original", resp.Data.Markdown)
	assert.Nil(t, resp.Data.LLMEnhanced)
	assert.Zero(t, tp.enhancer.calls.Load())
	assert.Zero(t, tp.Admission().InFlight())
}

func TestExecute_AdmissionLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	eng := &fakeEngine{fetch: func(_ context.Context, req *engine.FetchRequest) (*models.ScrapeResult, error) {
		started <- struct{}{}
		<-release
		return &models.ScrapeResult{Success: true, Data: &models.ScrapeData{Markdown: "x", URL: req.URL}}, nil
	}}
	tp := newTestPipeline(eng, nil)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tp.Execute(context.Background(), &models.ScrapeRequest{URL: "https://example.com"})
			assert.NoError(t, err)
		}()
	}
	<-started
	<-started

	_, err := tp.Execute(context.Background(), &models.ScrapeRequest{URL: "https://example.com"})
	requireCode(t, err, models.ErrCodeAdmissionRejected)
	assert.Equal(t, 2, tp.Admission().InFlight(), "a rejected request never holds a slot")

	close(release)
	wg.Wait()
	assert.Zero(t, tp.Admission().InFlight())

	_, err = tp.Execute(context.Background(), &models.ScrapeRequest{URL: "https://example.com"})
	assert.NoError(t, err)
}

func TestExecute_BreakerOpensAndRecovers(t *testing.T) {
	eng := failingEngine()
	tp := newTestPipeline(eng, nil)
	req := &models.ScrapeRequest{URL: "https://example.com"}

	for range 3 {
		_, err := tp.Execute(context.Background(), req)
		requireCode(t, err, models.ErrCodeExitCode)
	}
	require.EqualValues(t, 3, eng.calls.Load())

	_, err := tp.Execute(context.Background(), req)
	requireCode(t, err, models.ErrCodeBreakerOpen)
	assert.EqualValues(t, 3, eng.calls.Load(), "an open breaker must not reach the engine")
	assert.Zero(t, tp.Admission().InFlight(), "breaker rejection releases the slot")

	tp.clock.Advance(31 * time.Second)
	ok := okEngine()
	tp.engine.fetch = ok.fetch

	resp, err := tp.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Zero(t, tp.Breaker().Snapshot().ConsecutiveFailures)
}

func TestExecute_EnhancementFailureDegrades(t *testing.T) {
	enh := &fakeEnhancer{err: models.NewScrapeError(models.ErrCodeLLMRateLimited, "slow down", nil)}
	tp := newTestPipeline(okEngine(), enh)
	tp.Breaker().RecordFailure()
	tp.Breaker().RecordFailure()

	for range 3 {
		resp, err := tp.Execute(context.Background(), &models.ScrapeRequest{
			URL:    "https://example.com",
			UseLLM: true,
			Prompt: "summarise",
			Model:  "some/model",
		})
		require.NoError(t, err)
		require.True(t, resp.Success)

		data := resp.Data
		assert.Equal(t, "# Original", data.Markdown)
		assert.Equal(t, map[string]any{"pages": 1}, data.JSON)
		require.NotNil(t, data.LLMEnhanced)
		assert.False(t, *data.LLMEnhanced)
		require.NotNil(t, data.LLMError)
		assert.Equal(t, "slow down", data.LLMError.Message)
		assert.Equal(t, models.ErrCodeLLMRateLimited, data.LLMError.Code)
		assert.Equal(t, "some/model", data.LLMError.Model)
		assert.Equal(t, "summarise", data.LLMError.Prompt)
		assert.Equal(t, tp.clock.Now(), data.LLMError.Timestamp)
	}

	assert.False(t, tp.Breaker().IsOpen())
	assert.Zero(t, tp.Breaker().Snapshot().ConsecutiveFailures)
}

func TestExecute_EnhancementSuccess(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   any
	}{
		{"json object", `{"price": 10}`, map[string]any{"price": float64(10)}},
		{"fenced json", "```json\n[1, 2]\n```", []any{float64(1), float64(2)}},
		{"plain text", "A short summary.", map[string]any{"enhanced_content": "A short summary."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := newTestPipeline(okEngine(), &fakeEnhancer{result: tt.output})

			resp, err := tp.Execute(context.Background(), &models.ScrapeRequest{
				URL:    "https://example.com",
				UseLLM: true,
				Prompt: "extract prices",
				Model:  "some/model",
			})
			require.NoError(t, err)

			data := resp.Data
			assert.Equal(t, tt.output, data.Markdown)
			obj, ok := data.JSON.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.want, obj["llm_enhanced"])
			assert.Equal(t, 1, obj["pages"])
			require.NotNil(t, data.LLMEnhanced)
			assert.True(t, *data.LLMEnhanced)
			assert.Equal(t, "some/model", data.LLMModel)
			assert.Equal(t, "extract prices", data.LLMPrompt)
			assert.Nil(t, data.LLMError)
		})
	}
}

func TestExecute_EnhancementKeepsArrayExtraction(t *testing.T) {
	eng := &fakeEngine{fetch: func(_ context.Context, req *engine.FetchRequest) (*models.ScrapeResult, error) {
		return &models.ScrapeResult{Success: true, Data: &models.ScrapeData{
			Markdown: "# Listing",
			JSON:     []any{map[string]any{"name": "widget"}},
			URL:      req.URL,
		}}, nil
	}}
	tp := newTestPipeline(eng, &fakeEnhancer{result: `{"count": 1}`})

	resp, err := tp.Execute(context.Background(), &models.ScrapeRequest{
		URL:    "https://example.com",
		UseLLM: true,
		Prompt: "count items",
		Model:  "some/model",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"extracted":    []any{map[string]any{"name": "widget"}},
		"llm_enhanced": map[string]any{"count": float64(1)},
	}, resp.Data.JSON)
}

func TestExecute_DefaultModel(t *testing.T) {
	tp := newTestPipeline(okEngine(), nil)

	resp, err := tp.Execute(context.Background(), &models.ScrapeRequest{
		URL:    "https://example.com",
		UseLLM: true,
		Prompt: "summarise",
	})
	require.NoError(t, err)
	assert.Equal(t, "cheap/model", tp.enhancer.model.Load())
	assert.Equal(t, "cheap/model", resp.Data.LLMModel)
}

func TestExecute_ScrapeFailureSkipsEnhancement(t *testing.T) {
	tp := newTestPipeline(failingEngine(), nil)

	resp, err := tp.Execute(context.Background(), &models.ScrapeRequest{
		URL:    "https://example.com",
		UseLLM: true,
		Prompt: "summarise",
	})
	requireCode(t, err, models.ErrCodeExitCode)
	assert.Nil(t, resp)
	assert.Zero(t, tp.enhancer.calls.Load())
	assert.Equal(t, 1, tp.Breaker().Snapshot().ConsecutiveFailures)
}

func TestExecute_PanicIsInternalError(t *testing.T) {
	eng := &fakeEngine{fetch: func(context.Context, *engine.FetchRequest) (*models.ScrapeResult, error) {
		panic("boom")
	}}
	tp := newTestPipeline(eng, nil)

	resp, err := tp.Execute(context.Background(), &models.ScrapeRequest{URL: "https://example.com"})
	requireCode(t, err, models.ErrCodeInternal)
	assert.Nil(t, resp)
	assert.NotContains(t, models.AsScrapeError(err).Message, "boom")
	assert.Zero(t, tp.Admission().InFlight(), "the slot is released after a panic")
	assert.Equal(t, 1, tp.Breaker().Snapshot().ConsecutiveFailures)
}

func TestExecute_EmptyEngineResult(t *testing.T) {
	eng := &fakeEngine{fetch: func(context.Context, *engine.FetchRequest) (*models.ScrapeResult, error) {
		return &models.ScrapeResult{Success: true}, nil
	}}
	tp := newTestPipeline(eng, nil)

	_, err := tp.Execute(context.Background(), &models.ScrapeRequest{URL: "https://example.com"})
	requireCode(t, err, models.ErrCodeInternal)
	assert.Equal(t, 1, tp.Breaker().Snapshot().ConsecutiveFailures)
}

func TestExecute_ValidationDoesNotTouchBreaker(t *testing.T) {
	tests := []struct {
		name string
		req  models.ScrapeRequest
		msg  string
	}{
		{"not a url", models.ScrapeRequest{URL: "not-a-url"}, "Invalid URL format"},
		{"missing url", models.ScrapeRequest{}, "URL is required"},
		{"ftp scheme", models.ScrapeRequest{URL: "ftp://example.com/file"}, "Invalid URL format"},
		{"llm without prompt", models.ScrapeRequest{URL: "https://example.com", UseLLM: true}, "prompt is required"},
		{"too many pages", models.ScrapeRequest{URL: "https://example.com", UsePagination: true, MaxPages: intPtr(51)}, "maxPages"},
		{"zero pages", models.ScrapeRequest{URL: "https://example.com", UsePagination: true, MaxPages: intPtr(0)}, "maxPages"},
		{"strategy not an object", models.ScrapeRequest{URL: "https://example.com", ExtractionStrategy: []byte(`[1]`)}, "extractionStrategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := newTestPipeline(okEngine(), nil)
			tp.Breaker().RecordFailure()

			_, err := tp.Execute(context.Background(), &tt.req)
			requireCode(t, err, models.ErrCodeInvalidInput)
			assert.Contains(t, models.AsScrapeError(err).Message, tt.msg)
			assert.Zero(t, tp.engine.calls.Load())
			assert.Equal(t, 1, tp.Breaker().Snapshot().ConsecutiveFailures)
			assert.Zero(t, tp.Admission().InFlight())
		})
	}
}

func TestExecute_PaginationArguments(t *testing.T) {
	var got []*engine.FetchRequest
	var mu sync.Mutex
	eng := &fakeEngine{fetch: func(_ context.Context, req *engine.FetchRequest) (*models.ScrapeResult, error) {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		return &models.ScrapeResult{Success: true, Data: &models.ScrapeData{Markdown: "x"}}, nil
	}}
	tp := newTestPipeline(eng, nil)

	_, err := tp.Execute(context.Background(), &models.ScrapeRequest{URL: "https://example.com", UsePagination: true})
	require.NoError(t, err)
	_, err = tp.Execute(context.Background(), &models.ScrapeRequest{URL: "https://example.com", UsePagination: true, MaxPages: intPtr(50)})
	require.NoError(t, err)
	resp, err := tp.Execute(context.Background(), &models.ScrapeRequest{URL: "https://example.com", MaxPages: intPtr(99)})
	require.NoError(t, err, "maxPages is ignored without pagination")

	require.Len(t, got, 3)
	assert.True(t, got[0].Pagination)
	assert.Equal(t, models.DefaultMaxPages, got[0].MaxPages)
	assert.Equal(t, 50, got[1].MaxPages)
	assert.False(t, got[2].Pagination)
	assert.Zero(t, got[2].MaxPages)
	assert.Equal(t, "https://example.com", resp.Data.URL, "url is filled from the request when the engine omits it")
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, "plain", stripCodeFence("  plain  "))
}

// Package pipeline runs one scrape request end to end: admission, circuit
// breaker, validation, the engine subprocess and the optional LLM
// enhancement, with partial-failure handling for the enhancement stage.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/use-agent/scrapeflow/cleaner"
	"github.com/use-agent/scrapeflow/engine"
	"github.com/use-agent/scrapeflow/metrics"
	"github.com/use-agent/scrapeflow/models"
)

// Enhancer transforms scraped markdown with an LLM.
type Enhancer interface {
	Enhance(ctx context.Context, markdown, prompt, model string) (string, error)
}

// ModelSelector picks a model when the request does not name one. It must
// not fail; lookup problems resolve to a fallback model.
type ModelSelector interface {
	DefaultModel(ctx context.Context) string
}

// Normalizer completes engine output before it is enhanced or returned.
type Normalizer interface {
	Normalize(data *models.ScrapeData)
}

// Pipeline orchestrates scrape requests. Admission and Breaker are owned by
// the Pipeline and shared by all requests; it is safe for concurrent use.
type Pipeline struct {
	admission *Admission
	breaker   *Breaker
	engine    engine.Engine
	enhancer  Enhancer
	selector  ModelSelector
	cleaner   Normalizer
	logger    *slog.Logger
	now       func() time.Time
}

// Deps are the collaborators a Pipeline needs. Cleaner may be nil.
type Deps struct {
	Admission *Admission
	Breaker   *Breaker
	Engine    engine.Engine
	Enhancer  Enhancer
	Selector  ModelSelector
	Cleaner   Normalizer
	Logger    *slog.Logger
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		admission: d.Admission,
		breaker:   d.Breaker,
		engine:    d.Engine,
		enhancer:  d.Enhancer,
		selector:  d.Selector,
		cleaner:   d.Cleaner,
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
	}
}

// Admission returns the pipeline's admission controller.
func (p *Pipeline) Admission() *Admission { return p.admission }

// Breaker returns the pipeline's circuit breaker.
func (p *Pipeline) Breaker() *Breaker { return p.breaker }

// Execute runs req through the pipeline. On failure the error is always a
// *models.ScrapeError and the response is nil. An enhancement failure is
// not a failure: the response carries the original scrape with an
// llmError annotation.
func (p *Pipeline) Execute(ctx context.Context, req *models.ScrapeRequest) (resp *models.ScrapeResponse, err error) {
	start := p.now()
	requestID := models.RequestIDFromContext(ctx)
	log := p.logger.With("request_id", requestID, "url", req.URL)

	// ── 1. Admission ────────────────────────────────────────────────
	if !p.admission.TryAcquire() {
		log.Warn("scrape rejected, admission limit reached", "limit", p.admission.Limit())
		metrics.ObserveScrape(models.ErrCodeAdmissionRejected)
		return nil, models.NewScrapeError(models.ErrCodeAdmissionRejected,
			"too many concurrent requests, please retry later", nil)
	}
	defer p.admission.Release()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in scrape pipeline", "panic", r, "stack", string(debug.Stack()))
			p.breaker.RecordFailure()
			resp = nil
			err = models.NewScrapeError(models.ErrCodeInternal, "internal server error", fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			metrics.ObserveScrape(models.AsScrapeError(err).Code)
		}
	}()

	// ── 2. Circuit breaker ──────────────────────────────────────────
	if p.breaker.IsOpen() {
		log.Warn("scrape rejected, circuit breaker open")
		return nil, models.NewScrapeError(models.ErrCodeBreakerOpen,
			"service temporarily unavailable, too many recent scrape failures", nil)
	}

	// ── 3. Validation ───────────────────────────────────────────────
	if verr := Validate(req); verr != nil {
		return nil, verr
	}

	// ── 4. Model selection ──────────────────────────────────────────
	model := strings.TrimSpace(req.Model)
	if req.UseLLM && model == "" {
		model = p.selector.DefaultModel(ctx)
		log.Debug("selected default model", "model", model)
	}

	// ── 5. Scrape ───────────────────────────────────────────────────
	fetchReq := &engine.FetchRequest{
		URL:                req.URL,
		Pagination:         req.UsePagination,
		ExtractionStrategy: req.ExtractionStrategy,
	}
	if req.UsePagination {
		fetchReq.MaxPages = req.PageLimit()
	}

	scrapeStart := p.now()
	result, ferr := p.engine.Fetch(ctx, fetchReq)
	scrapeMs := p.now().Sub(scrapeStart).Milliseconds()
	if ferr != nil {
		p.breaker.RecordFailure()
		se := models.AsScrapeError(ferr)
		log.Error("scrape failed", "code", se.Code, "error", ferr, "scrape_ms", scrapeMs)
		return nil, se
	}
	if result == nil || result.Data == nil {
		p.breaker.RecordFailure()
		return nil, models.NewScrapeError(models.ErrCodeInternal, "internal server error",
			fmt.Errorf("engine %s returned no data", p.engine.Name()))
	}

	data := result.Data
	if data.URL == "" {
		data.URL = req.URL
	}
	if p.cleaner != nil {
		p.cleaner.Normalize(data)
	}

	// ── 6. Enhancement ──────────────────────────────────────────────
	var enhanceMs int64
	outcome := "success"
	if req.UseLLM {
		enhanceStart := p.now()
		text, eerr := p.enhancer.Enhance(ctx, data.Markdown, req.Prompt, model)
		enhanceMs = p.now().Sub(enhanceStart).Milliseconds()
		if eerr != nil {
			se := models.AsScrapeError(eerr)
			log.Warn("enhancement failed, returning original scrape",
				"code", se.Code, "model", model, "error", eerr)
			markDegraded(data, se, model, req.Prompt, p.now())
			outcome = "degraded"
		} else {
			applyEnhancement(data, text, model, req.Prompt)
		}
	}

	// ── 7. Success ──────────────────────────────────────────────────
	p.breaker.RecordSuccess()
	metrics.ObserveScrape(outcome)

	total := p.now().Sub(start).Milliseconds()
	log.Info("scrape completed", "outcome", outcome, "total_ms", total, "scrape_ms", scrapeMs, "enhance_ms", enhanceMs)

	return &models.ScrapeResponse{
		Success: true,
		Data:    data,
		Timing: models.TimingInfo{
			TotalMs:   total,
			ScrapeMs:  scrapeMs,
			EnhanceMs: enhanceMs,
		},
		RequestID: requestID,
	}, nil
}

// Validate checks a request before any external call is made.
func Validate(req *models.ScrapeRequest) *models.ScrapeError {
	if strings.TrimSpace(req.URL) == "" {
		return models.NewScrapeError(models.ErrCodeInvalidInput, "URL is required", nil)
	}
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.NewScrapeError(models.ErrCodeInvalidInput, "Invalid URL format", err)
	}
	if req.UseLLM && strings.TrimSpace(req.Prompt) == "" {
		return models.NewScrapeError(models.ErrCodeInvalidInput, "prompt is required when useLlm is true", nil)
	}
	if req.UsePagination {
		if n := req.PageLimit(); n < models.MinPages || n > models.MaxPages {
			return models.NewScrapeError(models.ErrCodeInvalidInput,
				fmt.Sprintf("maxPages must be an integer between %d and %d", models.MinPages, models.MaxPages), nil)
		}
	}
	if raw := strings.TrimSpace(string(req.ExtractionStrategy)); raw != "" && raw != "null" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return models.NewScrapeError(models.ErrCodeInvalidInput, "extractionStrategy must be a JSON object", err)
		}
	}
	return nil
}

// applyEnhancement replaces the markdown with the LLM output and stores a
// structured copy under json.llm_enhanced. Engine JSON that is not an
// object is kept under json.extracted.
func applyEnhancement(data *models.ScrapeData, text, model, prompt string) {
	enhanced := true
	data.Markdown = text
	obj, ok := data.JSON.(map[string]any)
	if !ok {
		obj = make(map[string]any)
		if data.JSON != nil {
			obj["extracted"] = data.JSON
		}
	}
	obj["llm_enhanced"] = parseEnhanced(text)
	data.JSON = obj
	data.LLMEnhanced = &enhanced
	data.LLMModel = model
	data.LLMPrompt = prompt
	if data.Tokens != nil {
		data.Tokens.MarkdownEstimate = cleaner.EstimateTokens(text)
	}
}

// markDegraded keeps the original scrape and records why enhancement failed.
func markDegraded(data *models.ScrapeData, se *models.ScrapeError, model, prompt string, at time.Time) {
	enhanced := false
	data.LLMEnhanced = &enhanced
	data.LLMError = &models.LLMError{
		Message:   se.Message,
		Code:      se.Code,
		Model:     model,
		Prompt:    prompt,
		Timestamp: at.UTC(),
	}
}

// parseEnhanced decodes the LLM output as JSON, tolerating a surrounding
// markdown code fence. Anything else is wrapped as enhanced_content.
func parseEnhanced(text string) any {
	var v any
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &v); err == nil {
		return v
	}
	return map[string]any{"enhanced_content": text}
}

func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(s[3:], "```")
	// Drop the info string, e.g. ```json.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeflow/api/middleware"
	"github.com/use-agent/scrapeflow/models"
)

// Scraper runs one scrape request through the pipeline.
type Scraper interface {
	Execute(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeResponse, error)
}

// Scrape returns a handler for POST /scrape.
//
// Flow:
//  1. Parse the JSON body.
//  2. Run the pipeline on a context detached from the client connection,
//     so the engine timeout is the only thing that cancels a scrape.
//  3. Map failures to a status code; degraded enhancements are still 200.
func Scrape(sc Scraper) gin.HandlerFunc {
	return func(c *gin.Context) {
		totalStart := time.Now()

		// ── 1. Parse request ────────────────────────────────────────
		var req models.ScrapeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.NewScrapeError(models.ErrCodeInvalidInput, "invalid request body: "+err.Error(), err), totalStart)
			return
		}

		// ── 2. Execute ──────────────────────────────────────────────
		resp, err := sc.Execute(context.WithoutCancel(c.Request.Context()), &req)
		if err != nil {
			respondError(c, err, totalStart)
			return
		}

		// ── 3. Respond ──────────────────────────────────────────────
		if resp.RequestID == "" {
			resp.RequestID = c.GetString(middleware.RequestIDKey)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// respondError maps a ScrapeError to the correct HTTP status code and writes
// the failure envelope. Only the message and code reach the client.
func respondError(c *gin.Context, err error, start time.Time) {
	var scrapeErr *models.ScrapeError
	if !errors.As(err, &scrapeErr) {
		scrapeErr = models.NewScrapeError(models.ErrCodeInternal, "internal server error", err)
	}

	resp := models.ErrorResponse(scrapeErr)
	resp.Timing = models.TimingInfo{TotalMs: time.Since(start).Milliseconds()}
	resp.RequestID = c.GetString(middleware.RequestIDKey)
	c.JSON(StatusFor(scrapeErr.Code), resp)
}

// StatusFor translates error codes to HTTP status codes.
func StatusFor(code string) int {
	switch code {
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	case models.ErrCodeAdmissionRejected, models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeBreakerOpen:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	default:
		return http.StatusInternalServerError // 500
	}
}

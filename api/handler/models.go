package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeflow/api/middleware"
	"github.com/use-agent/scrapeflow/models"
)

// ModelLister returns the provider's model catalogue.
type ModelLister interface {
	Models(ctx context.Context) ([]models.ModelInfo, error)
}

// Models returns a handler for GET /models. Any failure, including a
// missing provider key, is a 500.
func Models(ml ModelLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		list, err := ml.Models(c.Request.Context())
		if err != nil {
			se := models.AsScrapeError(err)
			resp := models.ErrorResponse(se)
			resp.Timing = models.TimingInfo{TotalMs: time.Since(start).Milliseconds()}
			resp.RequestID = c.GetString(middleware.RequestIDKey)
			c.JSON(http.StatusInternalServerError, resp)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

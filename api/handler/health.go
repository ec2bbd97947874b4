package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeflow/models"
)

// HealthSource exposes the runtime state reported by GET /health.
type HealthSource interface {
	AdmissionStats() models.AdmissionStats
	BreakerSnapshot() models.BreakerSnapshot
	ProcessCount() int
}

// Health returns a handler for GET /health. It always answers 200; status
// is "degraded" while the circuit breaker is open.
func Health(src HealthSource, version string, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		breaker := src.BreakerSnapshot()

		status := "healthy"
		if breaker.State == models.BreakerOpen {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC(),
			Version:   version,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Admission: src.AdmissionStats(),
			Breaker:   breaker,
			Processes: src.ProcessCount(),
		})
	}
}

// Package api wires the HTTP surface: routes, middleware and the runtime
// state reported by /health.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrapeflow/api/handler"
	"github.com/use-agent/scrapeflow/api/middleware"
	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/engine"
	"github.com/use-agent/scrapeflow/metrics"
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/pipeline"
)

// Deps are the collaborators behind the routes.
type Deps struct {
	Scraper   handler.Scraper
	Models    handler.ModelLister
	Health    handler.HealthSource
	Logger    *slog.Logger
	Version   string
	StartTime time.Time
}

// NewRouter creates a configured Gin engine with all routes and middleware.
// ctx bounds background work started by middleware.
//
// Middleware chain:
//
//	Global:    Recovery → RequestID → AccessLog → Metrics
//	Protected: Auth (if enabled) → RateLimit
//
// /health and /metrics stay outside auth so probes and scrapers always work.
func NewRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(d.Logger))
	r.Use(metrics.Middleware())

	r.GET("/health", handler.Health(d.Health, d.Version, d.StartTime))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := r.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(ctx, cfg.RateLimit))

	protected.POST("/scrape", handler.Scrape(d.Scraper))
	protected.GET("/models", handler.Models(d.Models))

	return r
}

// RuntimeState reports pipeline and subprocess state for /health.
type RuntimeState struct {
	Pipeline *pipeline.Pipeline
	Registry *engine.Registry
}

func (s RuntimeState) AdmissionStats() models.AdmissionStats {
	a := s.Pipeline.Admission()
	return models.AdmissionStats{InFlight: a.InFlight(), Limit: a.Limit()}
}

func (s RuntimeState) BreakerSnapshot() models.BreakerSnapshot {
	return s.Pipeline.Breaker().Snapshot()
}

func (s RuntimeState) ProcessCount() int {
	return s.Registry.Len()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/scrapeflow/api"
	"github.com/use-agent/scrapeflow/catalog"
	"github.com/use-agent/scrapeflow/cleaner"
	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/engine"
	"github.com/use-agent/scrapeflow/llm"
	"github.com/use-agent/scrapeflow/pipeline"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scrape service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	// ── 1. Initialise structured logging ────────────────────────────
	logger := initLogger(cfg.Log)
	logger.Info("scrapeflow starting",
		"version", getVersion(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"maxConcurrent", cfg.Admission.MaxConcurrent,
	)

	// ── 2. Engine runner and process registry ───────────────────────
	registry := engine.NewRegistry(logger)
	runner := engine.NewRunner(cfg.Engine, registry, logger)

	// ── 3. LLM client and model catalogue ───────────────────────────
	client := llm.NewClient(cfg.LLM, nil)
	if !client.Configured() {
		logger.Warn("no LLM API key configured, enhancement requests will degrade")
	}
	cat := catalog.New(client, cfg.Catalog, cfg.LLM, logger)
	defer cat.Close()

	// ── 4. Pipeline ─────────────────────────────────────────────────
	p := pipeline.New(pipeline.Deps{
		Admission: pipeline.NewAdmission(cfg.Admission.MaxConcurrent),
		Breaker:   pipeline.NewBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown),
		Engine:    runner,
		Enhancer:  client,
		Selector:  cat,
		Cleaner:   cleaner.NewCleaner(logger),
		Logger:    logger,
	})

	// ── 5. Setup router ─────────────────────────────────────────────
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	router := api.NewRouter(bgCtx, cfg, api.Deps{
		Scraper:   p,
		Models:    cat,
		Health:    api.RuntimeState{Pipeline: p, Registry: registry},
		Logger:    logger,
		Version:   getVersion(),
		StartTime: time.Now(),
	})

	// ── 6. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── 7. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		logger.Error("HTTP server error", "error", err)
		terminateEngines(registry, cfg.Engine.KillGrace, logger)
		return err
	}

	shutdown(srv, registry, cfg, logger)
	logger.Info("scrapeflow stopped")
	return nil
}

// terminateMargin is added to the kill grace when waiting for engine
// subprocesses, leaving time to reap them after SIGKILL.
const terminateMargin = 5 * time.Second

// shutdown stops accepting requests, stops every engine subprocess and
// waits for in-flight handlers to answer. Handlers block on their engine
// run, so the subprocesses are stopped alongside the HTTP drain rather
// than after it. It returns the number of subprocesses still tracked.
func shutdown(srv *http.Server, registry *engine.Registry, cfg *config.Config, logger *slog.Logger) int {
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	drained := make(chan error, 1)
	go func() { drained <- srv.Shutdown(drainCtx) }()

	remaining := terminateEngines(registry, cfg.Engine.KillGrace, logger)

	if err := <-drained; err != nil {
		logger.Error("HTTP server forced shutdown", "error", err)
	} else {
		logger.Info("HTTP server drained gracefully")
	}

	// A request accepted just before the listener closed may have spawned
	// its engine after the first sweep.
	if registry.Len() > 0 {
		remaining = terminateEngines(registry, cfg.Engine.KillGrace, logger)
	}
	return remaining
}

// terminateEngines runs Registry.TerminateAll on its own deadline of the
// kill grace plus terminateMargin.
func terminateEngines(registry *engine.Registry, grace time.Duration, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), grace+terminateMargin)
	defer cancel()

	remaining := registry.TerminateAll(ctx, grace)
	if remaining > 0 {
		logger.Error("scrapers still running at exit", "remaining", remaining)
	}
	return remaining
}

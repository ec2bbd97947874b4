package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/metrics"
	"github.com/use-agent/scrapeflow/models"
)

// Runner scrapes pages by spawning the external engine once per request.
// It is safe for concurrent use; concurrency is bounded by the caller.
type Runner struct {
	cfg      config.EngineConfig
	registry *Registry
	logger   *slog.Logger
}

// NewRunner creates a Runner that tracks its subprocesses in registry.
func NewRunner(cfg config.EngineConfig, registry *Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "engine"),
	}
}

func (r *Runner) Name() string { return "subprocess" }

// Args builds the engine command line:
//
//	<scriptPath> <url> [--pagination --max-pages=<n>] [<extractionStrategyJSON>]
func (r *Runner) Args(req *FetchRequest) []string {
	var args []string
	if r.cfg.ScriptPath != "" {
		args = append(args, r.cfg.ScriptPath)
	}
	args = append(args, req.URL)
	if req.Pagination {
		args = append(args, "--pagination", "--max-pages="+strconv.Itoa(req.MaxPages))
	}
	if len(req.ExtractionStrategy) > 0 {
		args = append(args, string(req.ExtractionStrategy))
	}
	return args
}

// Fetch runs the engine for req and blocks until it exits or the timeout
// fires. On timeout the process is sent SIGTERM, a SIGKILL is armed for
// cfg.KillGrace later, and Fetch returns straight away; the process stays
// in the registry until it is actually reaped.
//
// Cancelling ctx has the same effect as the timeout firing.
func (r *Runner) Fetch(ctx context.Context, req *FetchRequest) (*models.ScrapeResult, error) {
	start := time.Now()
	log := r.logger.With("url", req.URL)

	cmd := exec.Command(r.cfg.Executable, r.Args(req)...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8")
	var stdout bytes.Buffer
	stderr := &stderrLog{logger: log}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	// Bounds Wait when a grandchild keeps our pipes open after the engine exits.
	cmd.WaitDelay = r.cfg.KillGrace
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		metrics.ObserveEngineRun("spawn_error", time.Since(start))
		return nil, models.NewScrapeError(models.ErrCodeProcess, "failed to start scraper process", err)
	}

	proc := newProcess(cmd, req.URL, r.logger)
	r.registry.Add(proc)
	log = log.With("pid", proc.PID())
	log.Debug("scraper started", "args", cmd.Args)

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		r.registry.Remove(proc)
		proc.markExited()
		exited <- err
	}()

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-exited:
		result, ferr := r.handleExit(err, stdout.String(), stderr.String())
		outcome := "success"
		if ferr != nil {
			outcome = models.AsScrapeError(ferr).Code
			log.Warn("scraper failed", "error", ferr, "duration", time.Since(start))
		} else {
			log.Info("scraper finished", "duration", time.Since(start))
		}
		metrics.ObserveEngineRun(outcome, time.Since(start))
		return result, ferr

	case <-timer.C:
		log.Warn("scraper timed out, sending SIGTERM", "timeout", r.cfg.Timeout)
		if err := proc.Terminate(r.cfg.KillGrace); err != nil {
			log.Error("failed to signal scraper", "error", err)
		}
		metrics.ObserveEngineRun(models.ErrCodeTimeout, time.Since(start))
		return nil, models.NewScrapeError(
			models.ErrCodeTimeout,
			fmt.Sprintf("scraper timed out after %s", r.cfg.Timeout),
			nil,
		)

	case <-ctx.Done():
		log.Warn("scrape cancelled, sending SIGTERM", "error", ctx.Err())
		if err := proc.Terminate(r.cfg.KillGrace); err != nil {
			log.Error("failed to signal scraper", "error", err)
		}
		metrics.ObserveEngineRun("cancelled", time.Since(start))
		return nil, models.NewScrapeError(models.ErrCodeProcess, "scrape cancelled", ctx.Err())
	}
}

func (r *Runner) handleExit(waitErr error, stdout, stderr string) (*models.ScrapeResult, error) {
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The engine itself exited cleanly; only a leftover child held the pipes.
		r.logger.Warn("scraper output pipes outlived the process")
		waitErr = nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, models.NewScrapeError(models.ErrCodeProcess, "scraper process failed", waitErr)
		}
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("scraper exited with code %d", exitErr.ExitCode())
		}
		return nil, models.NewScrapeError(models.ErrCodeExitCode, msg, waitErr)
	}

	result, err := ParseOutput(stdout)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeParse, "failed to parse scraper output", err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "scraper reported failure"
		}
		return nil, models.NewScrapeError(models.ErrCodeScrapeFailed, msg, nil)
	}
	if result.Data == nil {
		return nil, models.NewScrapeError(models.ErrCodeParse, "scraper output has no data", nil)
	}
	return result, nil
}

// stderrLog accumulates the engine's stderr and logs each complete line at
// debug level. exec.Cmd writes to it from a single goroutine.
type stderrLog struct {
	buf     bytes.Buffer
	pending []byte
	logger  *slog.Logger
}

func (w *stderrLog) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.pending[:i])); line != "" {
			w.logger.Debug("scraper stderr", "line", line)
		}
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *stderrLog) String() string {
	return w.buf.String()
}

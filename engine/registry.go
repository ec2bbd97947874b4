package engine

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/use-agent/scrapeflow/metrics"
)

// Process is a spawned engine subprocess. It is owned by the Runner call that
// started it and shared with the Registry until it exits.
type Process struct {
	ID      uint64
	URL     string
	Started time.Time

	cmd    *exec.Cmd
	done   chan struct{}
	logger *slog.Logger

	mu        sync.Mutex
	exited    bool
	killTimer *time.Timer
}

// newProcess wraps a started cmd.
func newProcess(cmd *exec.Cmd, url string, logger *slog.Logger) *Process {
	p := &Process{
		URL:     url,
		Started: time.Now(),
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	p.logger = logger.With("pid", p.PID(), "url", url)
	return p
}

// PID returns the operating system process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Terminate sends the graceful termination signal and arms a forced kill
// that fires after grace unless the process exits first. Repeated calls
// re-send the signal but never arm a second kill timer.
func (p *Process) Terminate(grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}
	if p.killTimer == nil {
		p.killTimer = time.AfterFunc(grace, p.kill)
	}
	return signalTerminate(p.cmd)
}

func (p *Process) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.logger.Warn("scraper still running, killing")
	if err := signalKill(p.cmd); err != nil {
		p.logger.Error("failed to kill scraper", "error", err)
	}
}

// markExited records the exit, stops a pending kill timer and releases
// everyone waiting on Done.
func (p *Process) markExited() {
	p.mu.Lock()
	p.exited = true
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()
	close(p.done)
}

// Registry tracks every live engine subprocess so shutdown can reach them.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	procs  map[uint64]*Process
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		procs:  make(map[uint64]*Process),
		logger: logger.With("component", "registry"),
	}
}

// Add starts tracking p and assigns its ID.
func (r *Registry) Add(p *Process) {
	r.mu.Lock()
	r.nextID++
	p.ID = r.nextID
	r.procs[p.ID] = p
	n := len(r.procs)
	r.mu.Unlock()
	metrics.SetActiveProcesses(n)
}

// Remove stops tracking p. Removing an untracked process is a no-op.
func (r *Registry) Remove(p *Process) {
	r.mu.Lock()
	delete(r.procs, p.ID)
	n := len(r.procs)
	r.mu.Unlock()
	metrics.SetActiveProcesses(n)
}

// Len returns the number of tracked processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Snapshot returns the currently tracked processes.
func (r *Registry) Snapshot() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// reapWait bounds how long TerminateAll waits for force-killed processes
// to be reaped once its deadline has passed.
const reapWait = time.Second

// TerminateAll signals every tracked process to stop, escalating to a kill
// after grace, and waits until they have all exited or ctx is done. When
// ctx ends first, the survivors are killed at once instead of waiting for
// their grace timers, and TerminateAll waits up to reapWait for them to be
// reaped. It returns the number of processes still tracked.
func (r *Registry) TerminateAll(ctx context.Context, grace time.Duration) int {
	procs := r.Snapshot()
	if len(procs) == 0 {
		return 0
	}
	r.logger.Info("terminating scraper processes", "count", len(procs))

	for _, p := range procs {
		if err := p.Terminate(grace); err != nil {
			p.logger.Warn("failed to signal scraper", "error", err)
		}
	}

	for i, p := range procs {
		select {
		case <-p.Done():
		case <-ctx.Done():
			r.logger.Warn("shutdown deadline reached, killing remaining scrapers", "remaining", r.Len())
			return r.killAll(procs[i:])
		}
	}
	return r.Len()
}

// killAll force-kills procs and waits briefly for them to be reaped.
func (r *Registry) killAll(procs []*Process) int {
	for _, p := range procs {
		p.kill()
	}
	timeout := time.NewTimer(reapWait)
	defer timeout.Stop()
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-timeout.C:
			remaining := r.Len()
			r.logger.Error("scrapers survived SIGKILL", "remaining", remaining)
			return remaining
		}
	}
	return r.Len()
}

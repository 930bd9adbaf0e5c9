// Package browser owns the headless render processes and hands out
// isolated, reference-counted execution contexts. A process is only ever
// closed once its active-operations counter reaches zero, which removes the
// "target closed mid-operation" failure mode structurally.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/metrics"
)

// Config controls pool sizing and process lifecycle.
type Config struct {
	// PoolSize is the maximum number of live (non-draining) processes.
	PoolSize int
	// AcquireTimeout bounds how long Acquire waits for a healthy process.
	AcquireTimeout time.Duration
	// HealthInterval is the period of the liveness probe loop.
	HealthInterval time.Duration
	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration
	// MaxProcessAge retires a process once it has been alive this long.
	MaxProcessAge time.Duration
	// MaxFailures retires a process after this many reported failures.
	MaxFailures int
	// UserAgent overrides the browser user agent when set.
	UserAgent string
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 15 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxProcessAge <= 0 {
		c.MaxProcessAge = 30 * time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
}

// renderProcess is the handle to one headless browser process. The chromedp
// implementation lives in chromedp.go; tests substitute a fake.
type renderProcess interface {
	// NewTab creates an isolated execution context on the process.
	NewTab() (context.Context, context.CancelFunc)
	// Probe checks process liveness within the context deadline.
	Probe(ctx context.Context) error
	// Close tears the process down. Callers must guarantee zero active
	// operations first.
	Close()
}

type launchFunc func() (renderProcess, error)

// pooledProcess wraps a renderProcess with pool bookkeeping. All fields are
// guarded by the pool mutex.
type pooledProcess struct {
	id        int64
	handle    renderProcess
	active    int
	failures  int
	draining  bool
	starting  bool
	createdAt time.Time
}

// Pool manages a small set of headless render processes.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	launch launchFunc
	clock  analysis.Clock

	mu          sync.Mutex
	cond        *sync.Cond
	procs       []*pooledProcess
	nextID      int64
	closed      bool
	activeTotal int

	stopHealth chan struct{}
	healthDone chan struct{}
}

// New creates a Pool backed by chromedp headless Chrome and starts the
// health probe loop. Processes are launched lazily on first acquisition.
func New(cfg Config, clock analysis.Clock, logger *zap.Logger) *Pool {
	return newPool(cfg, clock, logger, chromedpLauncher(cfg))
}

func newPool(cfg Config, clock analysis.Clock, logger *zap.Logger, launch launchFunc) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:        cfg,
		logger:     logger,
		launch:     launch,
		clock:      clock,
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.healthLoop()
	return p
}

// Context is an isolated execution context checked out of the pool. Release
// must be called exactly once, regardless of outcome.
type Context struct {
	ctx      context.Context
	cancel   context.CancelFunc
	proc     *pooledProcess
	pool     *Pool
	released bool
	mu       sync.Mutex
}

// Ctx returns the chromedp-compatible context for running actions.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// Release tears down the context and decrements the process's
// active-operations counter. Safe to call from a defer after an error.
func (c *Context) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()

	c.cancel()
	c.pool.release(c.proc)
}

// ReportFailure records an operation failure against the owning process.
// Crossing the failure threshold drains and retires the process.
func (c *Context) ReportFailure() {
	c.pool.reportFailure(c.proc)
}

// Acquire returns an isolated context on a healthy process, launching one
// lazily when capacity allows. It fails with ErrResourceUnavailable when no
// healthy process is available within the acquire timeout or the pool has
// been shut down. A process marked for shutdown is never granted; the
// request is redirected to a fresh process instead.
func (p *Pool) Acquire(ctx context.Context) (*Context, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	stopWatch := p.wakeOnDone(ctx)
	defer stopWatch()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool is shut down: %w", analysis.ErrResourceUnavailable)
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("no healthy process within timeout: %w", analysis.ErrResourceUnavailable)
		}
		if proc := p.pickLocked(); proc != nil {
			proc.active++
			p.activeTotal++
			metrics.SetBrowserActiveOperations(p.activeTotal)
			p.mu.Unlock()
			tab, cancelTab := proc.handle.NewTab()
			return &Context{ctx: tab, cancel: cancelTab, proc: proc, pool: p}, nil
		}
		if p.liveCountLocked() < p.cfg.PoolSize {
			p.spawnLocked()
			continue
		}
		p.cond.Wait()
	}
}

// pickLocked returns the ready process with the fewest active operations.
func (p *Pool) pickLocked() *pooledProcess {
	var best *pooledProcess
	for _, proc := range p.procs {
		if proc.draining || proc.starting {
			continue
		}
		if best == nil || proc.active < best.active {
			best = proc
		}
	}
	return best
}

// liveCountLocked counts processes that still count toward capacity.
// Draining processes do not: their replacement may spawn immediately.
func (p *Pool) liveCountLocked() int {
	n := 0
	for _, proc := range p.procs {
		if !proc.draining {
			n++
		}
	}
	return n
}

// spawnLocked reserves a capacity slot with a starting placeholder, then
// launches the process outside the lock. Re-acquires the lock before
// returning so the caller's loop invariant holds.
func (p *Pool) spawnLocked() {
	p.nextID++
	proc := &pooledProcess{
		id:        p.nextID,
		starting:  true,
		createdAt: p.clock.Now(),
	}
	p.procs = append(p.procs, proc)
	p.mu.Unlock()

	handle, err := p.launch()

	p.mu.Lock()
	if err != nil {
		p.logger.Error("browser process launch failed", zap.Int64("process_id", proc.id), zap.Error(err))
		p.removeLocked(proc)
		p.cond.Broadcast()
		return
	}
	if p.closed {
		// Shutdown raced the launch; close the fresh process immediately.
		p.removeLocked(proc)
		p.mu.Unlock()
		handle.Close()
		p.mu.Lock()
		p.cond.Broadcast()
		return
	}
	proc.handle = handle
	proc.starting = false
	metrics.SetBrowserProcesses(p.liveCountLocked())
	p.logger.Info("browser process started", zap.Int64("process_id", proc.id))
	p.cond.Broadcast()
}

func (p *Pool) release(proc *pooledProcess) {
	var toClose renderProcess

	p.mu.Lock()
	proc.active--
	p.activeTotal--
	metrics.SetBrowserActiveOperations(p.activeTotal)
	if proc.draining && proc.active == 0 {
		toClose = proc.handle
		p.removeLocked(proc)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if toClose != nil {
		toClose.Close()
		p.logger.Info("browser process retired", zap.Int64("process_id", proc.id))
	}
}

func (p *Pool) reportFailure(proc *pooledProcess) {
	var toClose renderProcess

	p.mu.Lock()
	proc.failures++
	if proc.failures >= p.cfg.MaxFailures && !proc.draining {
		p.logger.Warn("browser process exceeded failure budget",
			zap.Int64("process_id", proc.id),
			zap.Int("failures", proc.failures),
		)
		toClose = p.drainLocked(proc)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
}

// drainLocked marks the process for shutdown. When no operations are in
// flight it is removed immediately and its handle returned for closing
// outside the lock; otherwise the final Release closes it.
func (p *Pool) drainLocked(proc *pooledProcess) renderProcess {
	if proc.draining {
		return nil
	}
	proc.draining = true
	if proc.active == 0 && !proc.starting {
		handle := proc.handle
		p.removeLocked(proc)
		return handle
	}
	return nil
}

func (p *Pool) removeLocked(proc *pooledProcess) {
	for i, candidate := range p.procs {
		if candidate == proc {
			p.procs = append(p.procs[:i], p.procs[i+1:]...)
			break
		}
	}
	metrics.SetBrowserProcesses(p.liveCountLocked())
}

// Cleanup requests full shutdown. It blocks until the active-operations
// counter reaches zero and every process has been closed, or the context
// expires. Acquisitions after Cleanup fail with ErrResourceUnavailable.
func (p *Pool) Cleanup(ctx context.Context) error {
	close(p.stopHealth)
	<-p.healthDone

	stopWatch := p.wakeOnDone(ctx)
	defer stopWatch()

	var idle []renderProcess

	p.mu.Lock()
	p.closed = true
	for _, proc := range append([]*pooledProcess(nil), p.procs...) {
		if handle := p.drainLocked(proc); handle != nil {
			idle = append(idle, handle)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, handle := range idle {
		handle.Close()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.activeTotal > 0 || len(p.procs) > 0 {
		if ctx.Err() != nil {
			return fmt.Errorf("pool cleanup wait: %w", ctx.Err())
		}
		p.cond.Wait()
	}
	p.logger.Info("browser pool shut down")
	return nil
}

// wakeOnDone broadcasts the condition variable when ctx ends so waiters
// holding the lock can observe cancellation.
func (p *Pool) wakeOnDone(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// healthLoop probes ready processes periodically. Unhealthy or over-age
// processes are drained, never killed outright; a replacement spawns lazily
// on the next acquisition.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	candidates := make([]*pooledProcess, 0, len(p.procs))
	for _, proc := range p.procs {
		if !proc.draining && !proc.starting {
			candidates = append(candidates, proc)
		}
	}
	p.mu.Unlock()

	now := p.clock.Now()
	for _, proc := range candidates {
		retire := false
		if now.Sub(proc.createdAt) > p.cfg.MaxProcessAge {
			p.logger.Info("browser process over age limit", zap.Int64("process_id", proc.id))
			retire = true
		} else {
			probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
			err := proc.handle.Probe(probeCtx)
			cancel()
			if err != nil {
				p.logger.Warn("browser process failed liveness probe",
					zap.Int64("process_id", proc.id),
					zap.Error(err),
				)
				retire = true
			}
		}
		if retire {
			p.mu.Lock()
			handle := p.drainLocked(proc)
			p.cond.Broadcast()
			p.mu.Unlock()
			if handle != nil {
				handle.Close()
			}
		}
	}
}

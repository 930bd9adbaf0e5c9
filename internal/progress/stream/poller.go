package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/run"
)

// RunFetcher loads the current state of one run plus whether any criterion
// scores have been committed for it.
type RunFetcher func(ctx context.Context) (analysis.Run, bool, error)

// PollerConfig controls the polling fallback cadence.
type PollerConfig struct {
	// FastInterval is used while the run is actively progressing (default 2s).
	FastInterval time.Duration
	// SlowInterval is used once progress passes SlowThreshold, where the
	// remaining work is a small number of long operations (default 5s).
	SlowInterval time.Duration
	// SlowThreshold is the percent past which polling slows down (default 90).
	SlowThreshold int
	// StallAfter bounds how long a run may sit unchanged before it is
	// reported as stalled rather than running (default 10m).
	StallAfter time.Duration
	Logger     *zap.Logger
}

func (c *PollerConfig) applyDefaults() {
	if c.FastInterval <= 0 {
		c.FastInterval = 2 * time.Second
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = 5 * time.Second
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 90
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Poller is the fallback observer for environments where the event stream
// is unavailable. It fetches run state on a phase-dependent interval and
// stops once the run reaches a settled effective status.
type Poller struct {
	cfg         PollerConfig
	fetch       RunFetcher
	onUpdate    func(analysis.Run, analysis.EffectiveStatus)
	now         func() time.Time
	lastPercent int
}

// NewPoller builds a Poller. onUpdate may be nil.
func NewPoller(cfg PollerConfig, fetch RunFetcher, onUpdate func(analysis.Run, analysis.EffectiveStatus)) *Poller {
	cfg.applyDefaults()
	return &Poller{cfg: cfg, fetch: fetch, onUpdate: onUpdate, now: time.Now}
}

// Run polls until the run settles (completed, failed, or partial) or the
// context is cancelled. It returns the final observed run state.
func (p *Poller) Run(ctx context.Context) (analysis.Run, error) {
	for {
		r, hasCriteria, err := p.fetch(ctx)
		if err != nil {
			return analysis.Run{}, fmt.Errorf("poll run: %w", err)
		}

		// Monotonic smoothing, same contract as the stream client.
		if r.ProgressPercent < p.lastPercent {
			r.ProgressPercent = p.lastPercent
		} else {
			p.lastPercent = r.ProgressPercent
		}

		eff := run.Effective(r, hasCriteria, p.now(), p.cfg.StallAfter)
		if p.onUpdate != nil {
			p.onUpdate(r, eff)
		}
		if eff != analysis.EffectiveRunning {
			p.cfg.Logger.Debug("poller settled",
				zap.String("run_id", r.ID.String()),
				zap.String("effective_status", string(eff)),
			)
			return r, nil
		}

		interval := p.cfg.FastInterval
		if r.ProgressPercent > p.cfg.SlowThreshold {
			interval = p.cfg.SlowInterval
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return r, err
		}
	}
}

package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analysis"
)

type pollScript struct {
	mu    sync.Mutex
	steps []pollStep
	idx   int
}

type pollStep struct {
	run         analysis.Run
	hasCriteria bool
	err         error
}

func (s *pollScript) fetch(context.Context) (analysis.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := s.steps[s.idx]
	if s.idx < len(s.steps)-1 {
		s.idx++
	}
	return step.run, step.hasCriteria, step.err
}

func TestPollerStopsOnCompletedAndSmoothsPercent(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	now := time.Now()
	script := &pollScript{steps: []pollStep{
		{run: analysis.Run{ID: runID, Status: analysis.StatusTier1Analyzing, ProgressPercent: 30, UpdatedAt: now}},
		// A raw regression from a retried phase.
		{run: analysis.Run{ID: runID, Status: analysis.StatusScraping, ProgressPercent: 15, UpdatedAt: now}},
		{run: analysis.Run{ID: runID, Status: analysis.StatusCompleted, ProgressPercent: 100, UpdatedAt: now}, hasCriteria: true},
	}}

	var observed []int
	var effs []analysis.EffectiveStatus
	p := NewPoller(PollerConfig{FastInterval: time.Millisecond}, script.fetch,
		func(r analysis.Run, eff analysis.EffectiveStatus) {
			observed = append(observed, r.ProgressPercent)
			effs = append(effs, eff)
		})

	final, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, analysis.StatusCompleted, final.Status)

	require.Equal(t, []int{30, 30, 100}, observed, "observed percent must be non-decreasing")
	assert.Equal(t, analysis.EffectiveCompleted, effs[len(effs)-1])
}

func TestPollerStopsOnFailed(t *testing.T) {
	t.Parallel()

	reason := "capture failed: all tiers exhausted"
	script := &pollScript{steps: []pollStep{
		{run: analysis.Run{Status: analysis.StatusFailed, ProgressPercent: 100, FailureReason: &reason}},
	}}

	p := NewPoller(PollerConfig{FastInterval: time.Millisecond}, script.fetch, nil)
	final, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, analysis.StatusFailed, final.Status)
}

// A run that stopped updating but already has committed criteria settles as
// partial; the poller hands the retry-or-fail decision back to its caller.
func TestPollerSettlesOnPartial(t *testing.T) {
	t.Parallel()

	stale := time.Now().Add(-time.Hour)
	script := &pollScript{steps: []pollStep{
		{
			run:         analysis.Run{Status: analysis.StatusGeneratingInsights, ProgressPercent: 85, UpdatedAt: stale},
			hasCriteria: true,
		},
	}}

	var lastEff analysis.EffectiveStatus
	p := NewPoller(PollerConfig{FastInterval: time.Millisecond, StallAfter: time.Minute}, script.fetch,
		func(_ analysis.Run, eff analysis.EffectiveStatus) { lastEff = eff })

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, analysis.EffectivePartial, lastEff)
}

func TestPollerPropagatesFetchErrors(t *testing.T) {
	t.Parallel()

	script := &pollScript{steps: []pollStep{
		{err: errors.New("store unreachable")},
	}}

	p := NewPoller(PollerConfig{FastInterval: time.Millisecond}, script.fetch, nil)
	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
}

func TestPollerSlowsDownPastThreshold(t *testing.T) {
	t.Parallel()

	now := time.Now()
	script := &pollScript{steps: []pollStep{
		{run: analysis.Run{Status: analysis.StatusGeneratingInsights, ProgressPercent: 95, UpdatedAt: now}},
		{run: analysis.Run{Status: analysis.StatusCompleted, ProgressPercent: 100, UpdatedAt: now}},
	}}

	p := NewPoller(PollerConfig{
		FastInterval:  time.Millisecond,
		SlowInterval:  80 * time.Millisecond,
		SlowThreshold: 90,
	}, script.fetch, nil)

	start := time.Now()
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond,
		"past the threshold the poller must wait the slow interval")
}

func TestPollerHonorsContextCancel(t *testing.T) {
	t.Parallel()

	now := time.Now()
	script := &pollScript{steps: []pollStep{
		{run: analysis.Run{Status: analysis.StatusScraping, ProgressPercent: 15, UpdatedAt: now}},
	}}

	p := NewPoller(PollerConfig{FastInterval: time.Hour}, script.fetch, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

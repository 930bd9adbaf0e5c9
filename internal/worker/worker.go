// Package worker implements the analysis pipeline execution loop: capture,
// three scoring tiers, atomic result persistence, and optional insights.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/metrics"
	"github.com/sitelens/sitelens/internal/run"
	"github.com/sitelens/sitelens/internal/scoring"
	"github.com/sitelens/sitelens/internal/store"
)

// captureService is the slice of the capture layer the worker needs.
type captureService interface {
	Capture(ctx context.Context, runID uuid.UUID, url string) (analysis.CaptureResult, error)
}

// eventSink receives progress events for fan-out to observers.
type eventSink interface {
	Publish(evt analysis.ProgressEvent)
}

// Config controls Worker behavior.
type Config struct {
	// Topic is the notification topic for terminal runs. Empty disables
	// publishing.
	Topic string
	// InsightsEnabled gates the post-scoring insights generation step.
	InsightsEnabled bool
	// ScoreMaxAttempts bounds retries of a single criterion scoring call.
	ScoreMaxAttempts int
	// ScoreBackoffBase seeds the exponential delay between scoring retries.
	ScoreBackoffBase time.Duration
}

func (c *Config) applyDefaults() {
	if c.ScoreMaxAttempts <= 0 {
		c.ScoreMaxAttempts = 3
	}
	if c.ScoreBackoffBase <= 0 {
		c.ScoreBackoffBase = 2 * time.Second
	}
}

// Worker consumes submissions and executes the analysis pipeline.
type Worker struct {
	queue     analysis.Queue
	runStore  analysis.RunStore
	capture   captureService
	scorer    analysis.Scorer
	events    eventSink
	publisher analysis.Publisher
	clock     analysis.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue analysis.Queue,
	runStore analysis.RunStore,
	capture captureService,
	scorer analysis.Scorer,
	events eventSink,
	publisher analysis.Publisher,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		runStore:  runStore,
		capture:   capture,
		scorer:    scorer,
		events:    events,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming submissions until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		sub, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued submission", zap.String("run_id", sub.RunID.String()))
		w.Process(ctx, sub)
	}
}

// Process executes the full pipeline for one submission. Failures mark the
// run failed and emit an error event; Process never returns an error because
// the queue has no redelivery.
func (w *Worker) Process(ctx context.Context, sub analysis.Submission) {
	result, err := w.execute(ctx, sub)
	if err != nil {
		w.fail(ctx, sub, err)
		return
	}
	metrics.ObserveRun(string(analysis.StatusCompleted))
	w.emit(sub, analysis.StatusCompleted, "analysis complete")
	w.notify(ctx, sub, result)
}

func (w *Worker) execute(ctx context.Context, sub analysis.Submission) (analysis.RunResult, error) {
	if err := w.advance(ctx, sub, analysis.StatusInitializing); err != nil {
		return analysis.RunResult{}, err
	}
	if err := w.advance(ctx, sub, analysis.StatusScraping); err != nil {
		return analysis.RunResult{}, err
	}

	captured, err := w.capture.Capture(ctx, sub.RunID, sub.URL)
	if err != nil {
		return analysis.RunResult{}, fmt.Errorf("capture %s: %w", sub.URL, err)
	}
	if err := w.runStore.SaveArtifact(ctx, captured.Artifact); err != nil {
		return analysis.RunResult{}, fmt.Errorf("save artifact: %w", err)
	}
	w.logger.Info("capture complete",
		zap.String("run_id", sub.RunID.String()),
		zap.String("tier", string(captured.Tier)),
	)

	scores, err := w.scoreTiers(ctx, sub, captured.RenderedMarkup)
	if err != nil {
		return analysis.RunResult{}, err
	}

	result := analysis.RunResult{
		OverallScore: scoring.OverallScore(scores),
		Scores:       scores,
	}
	if err := w.finalize(ctx, sub, result); err != nil {
		return analysis.RunResult{}, err
	}
	return result, nil
}

// scoreTiers walks the three tiers in order, advancing run status around
// each one so observers see tier boundaries.
func (w *Worker) scoreTiers(ctx context.Context, sub analysis.Submission, markup string) ([]analysis.CriterionScore, error) {
	tierStatus := map[int][2]analysis.RunStatus{
		1: {analysis.StatusTier1Analyzing, analysis.StatusTier1Complete},
		2: {analysis.StatusTier2Analyzing, analysis.StatusTier2Complete},
		3: {analysis.StatusTier3Analyzing, ""},
	}

	scores := make([]analysis.CriterionScore, 0, len(scoring.Criteria))
	for tier := 1; tier <= scoring.Tiers; tier++ {
		statuses := tierStatus[tier]
		if err := w.advance(ctx, sub, statuses[0]); err != nil {
			return nil, err
		}
		// Per-call scoring metrics are recorded by the scorer itself, which
		// sees retries individually.
		for _, criterion := range scoring.ByTier(tier) {
			score, err := w.scoreWithRetry(ctx, criterion.Name, markup)
			if err != nil {
				return nil, fmt.Errorf("score %s: %w", criterion.Name, err)
			}
			scores = append(scores, analysis.CriterionScore{
				RunID:        sub.RunID,
				Criterion:    criterion.Name,
				Score:        score.Score,
				Evidence:     score.Evidence,
				PassedChecks: score.PassedChecks,
				FailedChecks: score.FailedChecks,
				Warnings:     score.Warnings,
			})
		}
		// Tier 3 has no intermediate complete status; the atomic result
		// commit performs its advance.
		if statuses[1] != "" {
			if err := w.advance(ctx, sub, statuses[1]); err != nil {
				return nil, err
			}
		}
	}
	return scores, nil
}

// scoreWithRetry retries a single scoring call on upstream failures only.
// Malformed responses and validation errors fail immediately.
func (w *Worker) scoreWithRetry(ctx context.Context, criterion, markup string) (analysis.ScoreResult, error) {
	var result analysis.ScoreResult
	attempts, err := store.RetryWithBackoff(ctx, func(ctx context.Context) error {
		var scoreErr error
		result, scoreErr = w.scorer.Score(ctx, criterion, markup)
		return scoreErr
	}, w.cfg.ScoreMaxAttempts, w.cfg.ScoreBackoffBase)
	if err != nil {
		return analysis.ScoreResult{}, fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	if attempts > 1 {
		w.logger.Warn("scoring call recovered after retry",
			zap.String("criterion", criterion),
			zap.Int("attempts", attempts),
		)
	}
	return result, nil
}

// finalize commits scores and, when enabled, insights. The score commit is
// atomic; a run never reaches a terminal read state with a partial
// criterion set. Insights failures degrade gracefully: the run still
// completes with scores intact.
func (w *Worker) finalize(ctx context.Context, sub analysis.Submission, result analysis.RunResult) error {
	if !w.cfg.InsightsEnabled {
		update := statusUpdate(analysis.StatusCompleted)
		if err := w.runStore.SaveResultAtomically(ctx, sub.RunID, result, update); err != nil {
			return fmt.Errorf("save result: %w", err)
		}
		return nil
	}

	update := statusUpdate(analysis.StatusGeneratingInsights)
	if err := w.runStore.SaveResultAtomically(ctx, sub.RunID, result, update); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	w.emit(sub, analysis.StatusGeneratingInsights, "scores committed, generating insights")

	insights, err := w.scorer.GenerateInsights(ctx, result.Scores)
	if err != nil {
		w.logger.Warn("insights generation failed, completing without insights",
			zap.String("run_id", sub.RunID.String()),
			zap.Error(err),
		)
		if err := w.runStore.UpdateRunStatus(ctx, sub.RunID, statusUpdate(analysis.StatusCompleted)); err != nil {
			return fmt.Errorf("complete run after insights failure: %w", err)
		}
		return nil
	}
	insights.RunID = sub.RunID
	insights.GeneratedAt = w.clock.Now()
	if err := w.runStore.SaveInsightsAtomically(ctx, sub.RunID, insights, statusUpdate(analysis.StatusCompleted)); err != nil {
		return fmt.Errorf("save insights: %w", err)
	}
	return nil
}

// advance records a status transition and broadcasts the matching event.
func (w *Worker) advance(ctx context.Context, sub analysis.Submission, status analysis.RunStatus) error {
	if err := w.runStore.UpdateRunStatus(ctx, sub.RunID, statusUpdate(status)); err != nil {
		return fmt.Errorf("advance to %s: %w", status, err)
	}
	w.emit(sub, status, "")
	return nil
}

func (w *Worker) emit(sub analysis.Submission, status analysis.RunStatus, message string) {
	if w.events == nil {
		return
	}
	if message == "" {
		message = run.Phase(status)
	}
	w.events.Publish(analysis.ProgressEvent{
		RunID:     sub.RunID,
		EntityID:  sub.EntityID,
		Phase:     run.Phase(status),
		Percent:   run.Percent(status),
		Message:   message,
		Timestamp: w.clock.Now(),
	})
}

func (w *Worker) fail(ctx context.Context, sub analysis.Submission, cause error) {
	metrics.ObserveRun(string(analysis.StatusFailed))
	w.logger.Error("run failed",
		zap.String("run_id", sub.RunID.String()),
		zap.String("url", sub.URL),
		zap.Error(cause),
	)

	// Best-effort: mark the run failed even when the pipeline context is
	// already gone, so the row does not sit in a non-terminal state.
	markCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		markCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := w.runStore.MarkFailed(markCtx, sub.RunID, cause.Error()); err != nil {
		if !errors.Is(err, analysis.ErrNotFound) {
			w.logger.Error("mark failed did not persist",
				zap.String("run_id", sub.RunID.String()),
				zap.Error(err),
			)
		}
	}

	if w.events != nil {
		w.events.Publish(analysis.ProgressEvent{
			RunID:     sub.RunID,
			EntityID:  sub.EntityID,
			Phase:     run.Phase(analysis.StatusFailed),
			Percent:   run.Percent(analysis.StatusFailed),
			Message:   cause.Error(),
			Timestamp: w.clock.Now(),
		})
	}
}

// notify publishes a terminal notification for downstream consumers.
func (w *Worker) notify(ctx context.Context, sub analysis.Submission, result analysis.RunResult) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"run_id":        sub.RunID.String(),
		"entity_id":     sub.EntityID.String(),
		"url":           sub.URL,
		"status":        string(analysis.StatusCompleted),
		"overall_score": result.OverallScore,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("completion notification failed",
			zap.String("run_id", sub.RunID.String()),
			zap.Error(err),
		)
	}
}

func statusUpdate(status analysis.RunStatus) analysis.StatusUpdate {
	return analysis.StatusUpdate{
		Status:  status,
		Percent: run.Percent(status),
		Phase:   run.Phase(status),
	}
}

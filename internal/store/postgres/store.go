// Package postgres implements the atomic persistence layer on pgx.
//
// Expected schema:
//
//	CREATE TABLE analysis_runs (
//	    id UUID PRIMARY KEY,
//	    entity_id UUID NOT NULL,
//	    url TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    progress_percent INT NOT NULL DEFAULT 0,
//	    progress_phase TEXT NOT NULL DEFAULT '',
//	    overall_score DOUBLE PRECISION,
//	    failure_reason TEXT,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE criterion_scores (
//	    run_id UUID NOT NULL REFERENCES analysis_runs(id),
//	    criterion TEXT NOT NULL,
//	    score DOUBLE PRECISION NOT NULL,
//	    evidence TEXT NOT NULL DEFAULT '',
//	    passed_checks TEXT[] NOT NULL DEFAULT '{}',
//	    failed_checks TEXT[] NOT NULL DEFAULT '{}',
//	    warnings TEXT[] NOT NULL DEFAULT '{}',
//	    PRIMARY KEY (run_id, criterion)
//	);
//	CREATE TABLE ai_insights (
//	    run_id UUID PRIMARY KEY REFERENCES analysis_runs(id),
//	    insight_text TEXT NOT NULL,
//	    recommendations TEXT[] NOT NULL DEFAULT '{}',
//	    priority_matrix JSONB NOT NULL DEFAULT '{}',
//	    generated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE captured_artifacts (
//	    run_id UUID PRIMARY KEY REFERENCES analysis_runs(id),
//	    screenshot_ref TEXT NOT NULL,
//	    full_page_screenshot_ref TEXT,
//	    rendered_markup_ref TEXT NOT NULL
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/run"
	"github.com/sitelens/sitelens/internal/store"
)

// DB is the subset of pgxpool.Pool the store uses. pgxmock satisfies it in
// tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config controls retry behavior for transient store failures.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
}

// Store implements analysis.RunStore on Postgres.
type Store struct {
	db     DB
	clock  analysis.Clock
	cfg    Config
	logger *zap.Logger
}

// New connects a pgx pool and returns a Store.
func New(ctx context.Context, dsn string, cfg Config, clock analysis.Clock, logger *zap.Logger) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	return NewWithDB(pool, cfg, clock, logger), pool, nil
}

// NewWithDB builds a Store over an existing connection, used by tests.
func NewWithDB(db DB, cfg Config, clock analysis.Clock, logger *zap.Logger) *Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, clock: clock, cfg: cfg, logger: logger}
}

// CreateRun appends a new run row. Attempts never update an existing row.
func (s *Store) CreateRun(ctx context.Context, r analysis.Run) error {
	query := `
		INSERT INTO analysis_runs (id, entity_id, url, status, progress_percent, progress_phase, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err := s.db.Exec(ctx, query,
		r.ID, r.EntityID, r.URL, r.Status, r.ProgressPercent, r.ProgressPhase, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id, entity_id, url, status, progress_percent, progress_phase, overall_score, failure_reason, created_at, updated_at`

// GetRun retrieves a single run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (analysis.Run, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_runs WHERE id = $1;`
	return s.scanRun(s.db.QueryRow(ctx, query, id))
}

// GetLatestRunByEntity returns the most recent run for an entity. It backs
// the polling fallback read model.
func (s *Store) GetLatestRunByEntity(ctx context.Context, entityID uuid.UUID) (analysis.Run, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_runs WHERE entity_id = $1 ORDER BY created_at DESC LIMIT 1;`
	return s.scanRun(s.db.QueryRow(ctx, query, entityID))
}

func (s *Store) scanRun(row pgx.Row) (analysis.Run, error) {
	var r analysis.Run
	err := row.Scan(
		&r.ID, &r.EntityID, &r.URL, &r.Status, &r.ProgressPercent, &r.ProgressPhase,
		&r.OverallScore, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.Run{}, analysis.ErrNotFound
		}
		return analysis.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// UpdateRunStatus advances the run's phase. The current status is read
// first and the advance checked against the transition graph, so a caller
// cannot move a run backwards or out of a terminal state; the guarded
// update then only matches if the status is still the one validated.
func (s *Store) UpdateRunStatus(ctx context.Context, id uuid.UUID, update analysis.StatusUpdate) error {
	var current analysis.RunStatus
	readQuery := `SELECT status FROM analysis_runs WHERE id = $1;`
	if err := s.db.QueryRow(ctx, readQuery, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.ErrNotFound
		}
		return fmt.Errorf("read run status: %w", err)
	}
	if err := run.ValidateTransition(current, update.Status); err != nil {
		return fmt.Errorf("%w: %w", analysis.ErrValidation, err)
	}

	query := `
		UPDATE analysis_runs
		SET status = $1, progress_percent = $2, progress_phase = $3, updated_at = $4
		WHERE id = $5 AND status = $6;
	`
	tag, err := s.db.Exec(ctx, query, update.Status, update.Percent, update.Phase, s.clock.Now(), id, current)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The row existed a moment ago, so the status moved underneath us.
		return fmt.Errorf("run %s status changed concurrently: %w", id, run.ErrInvalidTransition)
	}
	return nil
}

// GetCriterionScores returns the committed criterion set for a run. The set
// is complete or empty, never partial.
func (s *Store) GetCriterionScores(ctx context.Context, runID uuid.UUID) ([]analysis.CriterionScore, error) {
	query := `
		SELECT run_id, criterion, score, evidence, passed_checks, failed_checks, warnings
		FROM criterion_scores
		WHERE run_id = $1
		ORDER BY criterion;
	`
	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query criterion scores: %w", err)
	}
	defer rows.Close()

	var scores []analysis.CriterionScore
	for rows.Next() {
		var cs analysis.CriterionScore
		if err := rows.Scan(
			&cs.RunID, &cs.Criterion, &cs.Score, &cs.Evidence,
			&cs.PassedChecks, &cs.FailedChecks, &cs.Warnings,
		); err != nil {
			return nil, fmt.Errorf("scan criterion score: %w", err)
		}
		scores = append(scores, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("criterion score rows: %w", err)
	}
	return scores, nil
}

// SaveArtifact records the captured artifact refs for a run.
func (s *Store) SaveArtifact(ctx context.Context, a analysis.Artifact) error {
	query := `
		INSERT INTO captured_artifacts (run_id, screenshot_ref, full_page_screenshot_ref, rendered_markup_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE
		SET screenshot_ref = EXCLUDED.screenshot_ref,
		    full_page_screenshot_ref = EXCLUDED.full_page_screenshot_ref,
		    rendered_markup_ref = EXCLUDED.rendered_markup_ref;
	`
	var fullPage *string
	if a.FullPageScreenshotRef != "" {
		fullPage = &a.FullPageScreenshotRef
	}
	if _, err := s.db.Exec(ctx, query, a.RunID, a.ScreenshotRef, fullPage, a.RenderedMarkupRef); err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// SaveResultAtomically writes the overall score, the complete criterion
// set, and the status advance as one transaction, retrying transient
// failures with exponential backoff. A crash mid-commit leaves zero
// criterion rows, never a partial set.
func (s *Store) SaveResultAtomically(ctx context.Context, runID uuid.UUID, result analysis.RunResult, update analysis.StatusUpdate) error {
	attempts, err := store.RetryWithBackoff(ctx, func(ctx context.Context) error {
		return s.txSaveResult(ctx, runID, result, update)
	}, s.cfg.MaxAttempts, s.cfg.BackoffBase)
	if err != nil {
		s.logger.Error("atomic result commit failed",
			zap.String("run_id", runID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fmt.Errorf("save result for run %s: %w: %w", runID, analysis.ErrPersistence, err)
	}
	return nil
}

func (s *Store) txSaveResult(ctx context.Context, runID uuid.UUID, result analysis.RunResult, update analysis.StatusUpdate) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	updateQuery := `
		UPDATE analysis_runs
		SET status = $1, progress_percent = $2, progress_phase = $3, overall_score = $4, updated_at = $5
		WHERE id = $6;
	`
	tag, err := tx.Exec(ctx, updateQuery,
		update.Status, update.Percent, update.Phase, result.OverallScore, s.clock.Now(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrNotFound
	}

	insertQuery := `
		INSERT INTO criterion_scores (run_id, criterion, score, evidence, passed_checks, failed_checks, warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	for _, cs := range result.Scores {
		if _, err := tx.Exec(ctx, insertQuery,
			runID, cs.Criterion, cs.Score, cs.Evidence, cs.PassedChecks, cs.FailedChecks, cs.Warnings,
		); err != nil {
			return fmt.Errorf("insert criterion %q: %w", cs.Criterion, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit result: %w", err)
	}
	return nil
}

// SaveInsightsAtomically writes insights plus a status advance as a second
// atomic step. It refuses to run before criterion scores exist.
func (s *Store) SaveInsightsAtomically(ctx context.Context, runID uuid.UUID, insights analysis.Insights, update analysis.StatusUpdate) error {
	attempts, err := store.RetryWithBackoff(ctx, func(ctx context.Context) error {
		return s.txSaveInsights(ctx, runID, insights, update)
	}, s.cfg.MaxAttempts, s.cfg.BackoffBase)
	if err != nil {
		if errors.Is(err, analysis.ErrValidation) {
			return err
		}
		s.logger.Error("atomic insights commit failed",
			zap.String("run_id", runID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fmt.Errorf("save insights for run %s: %w: %w", runID, analysis.ErrPersistence, err)
	}
	return nil
}

func (s *Store) txSaveInsights(ctx context.Context, runID uuid.UUID, insights analysis.Insights, update analysis.StatusUpdate) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var criteriaCount int
	countQuery := `SELECT COUNT(*) FROM criterion_scores WHERE run_id = $1;`
	if err := tx.QueryRow(ctx, countQuery, runID).Scan(&criteriaCount); err != nil {
		return fmt.Errorf("count criterion scores: %w", err)
	}
	if criteriaCount == 0 {
		return fmt.Errorf("run %s has no criterion scores: %w", runID, analysis.ErrValidation)
	}

	matrix, err := json.Marshal(insights.PriorityMatrix)
	if err != nil {
		return fmt.Errorf("marshal priority matrix: %w", err)
	}
	insertQuery := `
		INSERT INTO ai_insights (run_id, insight_text, recommendations, priority_matrix, generated_at)
		VALUES ($1, $2, $3, $4, $5);
	`
	if _, err := tx.Exec(ctx, insertQuery,
		runID, insights.InsightText, insights.Recommendations, matrix, insights.GeneratedAt,
	); err != nil {
		return fmt.Errorf("insert insights: %w", err)
	}

	statusQuery := `
		UPDATE analysis_runs
		SET status = $1, progress_percent = $2, progress_phase = $3, updated_at = $4
		WHERE id = $5;
	`
	if _, err := tx.Exec(ctx, statusQuery,
		update.Status, update.Percent, update.Phase, s.clock.Now(), runID,
	); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insights: %w", err)
	}
	return nil
}

// MarkFailed atomically records terminal failure with a reason. It is a
// single statement, so there is no window where status and reason disagree.
// Completed runs are never demoted.
func (s *Store) MarkFailed(ctx context.Context, runID uuid.UUID, reason string) error {
	query := `
		UPDATE analysis_runs
		SET status = $1, failure_reason = $2, progress_phase = $3, updated_at = $4
		WHERE id = $5 AND status <> $6;
	`
	attempts, err := store.RetryWithBackoff(ctx, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, query,
			analysis.StatusFailed, reason, string(analysis.StatusFailed), s.clock.Now(),
			runID, analysis.StatusCompleted,
		)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return analysis.ErrNotFound
		}
		return nil
	}, s.cfg.MaxAttempts, s.cfg.BackoffBase)
	if err != nil {
		if errors.Is(err, analysis.ErrNotFound) {
			return err
		}
		s.logger.Error("mark failed write failed",
			zap.String("run_id", runID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fmt.Errorf("mark run %s failed: %w: %w", runID, analysis.ErrPersistence, err)
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/run"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	s := NewWithDB(mock, Config{MaxAttempts: 3, BackoffBase: time.Millisecond}, fixedClock{now: now}, zap.NewNop())
	return s, mock, now
}

func TestCreateRunInsertsRow(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	r := analysis.Run{
		ID:            uuid.New(),
		EntityID:      uuid.New(),
		URL:           "https://example.com",
		Status:        analysis.StatusPending,
		ProgressPhase: "pending",
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	mock.ExpectExec("INSERT INTO analysis_runs").
		WithArgs(r.ID, r.EntityID, r.URL, r.Status, r.ProgressPercent, r.ProgressPhase, r.CreatedAt, r.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateRun(context.Background(), r))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunMapsMissingRowToNotFound(t *testing.T) {
	t.Parallel()

	s, mock, _ := newTestStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM analysis_runs WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, analysis.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestRunByEntityScansNullableColumns(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	runID, entityID := uuid.New(), uuid.New()
	score := 7.5

	rows := pgxmock.NewRows([]string{
		"id", "entity_id", "url", "status", "progress_percent", "progress_phase",
		"overall_score", "failure_reason", "created_at", "updated_at",
	}).AddRow(
		runID, entityID, "https://example.com", analysis.StatusCompleted, 100, "completed",
		&score, (*string)(nil), now, now,
	)

	mock.ExpectQuery("SELECT (.+) FROM analysis_runs WHERE entity_id").
		WithArgs(entityID).
		WillReturnRows(rows)

	got, err := s.GetLatestRunByEntity(context.Background(), entityID)
	require.NoError(t, err)
	assert.Equal(t, runID, got.ID)
	assert.Equal(t, analysis.StatusCompleted, got.Status)
	require.NotNil(t, got.OverallScore)
	assert.InDelta(t, 7.5, *got.OverallScore, 0.001)
	assert.Nil(t, got.FailureReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusAdvancesThroughGraph(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	id := uuid.New()
	update := analysis.StatusUpdate{Status: analysis.StatusScraping, Percent: 15, Phase: "scraping"}

	mock.ExpectQuery("SELECT status FROM analysis_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(analysis.StatusInitializing))
	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(update.Status, update.Percent, update.Phase, now, id, analysis.StatusInitializing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateRunStatus(context.Background(), id, update))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusMissingRunReturnsNotFound(t *testing.T) {
	t.Parallel()

	s, mock, _ := newTestStore(t)
	id := uuid.New()
	update := analysis.StatusUpdate{Status: analysis.StatusScraping, Percent: 15, Phase: "scraping"}

	mock.ExpectQuery("SELECT status FROM analysis_runs").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	err := s.UpdateRunStatus(context.Background(), id, update)
	require.ErrorIs(t, err, analysis.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Writes that are not on the transition graph are rejected before any row is
// touched: a completed run cannot be revived and phases cannot run backwards.
func TestUpdateRunStatusRejectsOutOfGraphWrites(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		current analysis.RunStatus
		next    analysis.RunStatus
	}{
		{"revive completed", analysis.StatusCompleted, analysis.StatusScraping},
		{"revive failed", analysis.StatusFailed, analysis.StatusInitializing},
		{"backward", analysis.StatusTier2Analyzing, analysis.StatusTier1Analyzing},
		{"skip ahead", analysis.StatusScraping, analysis.StatusTier3Analyzing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, mock, _ := newTestStore(t)
			id := uuid.New()

			mock.ExpectQuery("SELECT status FROM analysis_runs").
				WithArgs(id).
				WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(tc.current))

			err := s.UpdateRunStatus(context.Background(), id, analysis.StatusUpdate{
				Status: tc.next, Percent: run.Percent(tc.next), Phase: string(tc.next),
			})
			require.ErrorIs(t, err, analysis.ErrValidation)
			require.ErrorIs(t, err, run.ErrInvalidTransition)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateRunStatusDetectsConcurrentAdvance(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	id := uuid.New()
	update := analysis.StatusUpdate{Status: analysis.StatusScraping, Percent: 15, Phase: "scraping"}

	mock.ExpectQuery("SELECT status FROM analysis_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(analysis.StatusInitializing))
	// Another writer moved the run between the read and the guarded update.
	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(update.Status, update.Percent, update.Phase, now, id, analysis.StatusInitializing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), id, update)
	require.ErrorIs(t, err, run.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveResultAtomicallyCommitsScoresAndStatusTogether(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	runID := uuid.New()
	result := analysis.RunResult{
		OverallScore: 7.2,
		Scores: []analysis.CriterionScore{
			{RunID: runID, Criterion: "positioning", Score: 8, Evidence: "clear value prop"},
			{RunID: runID, Criterion: "messaging", Score: 6.5},
		},
	}
	update := analysis.StatusUpdate{Status: analysis.StatusCompleted, Percent: 100, Phase: "completed"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(update.Status, update.Percent, update.Phase, result.OverallScore, now, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	for _, cs := range result.Scores {
		mock.ExpectExec("INSERT INTO criterion_scores").
			WithArgs(runID, cs.Criterion, cs.Score, cs.Evidence, cs.PassedChecks, cs.FailedChecks, cs.Warnings).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.SaveResultAtomically(context.Background(), runID, result, update))
	require.NoError(t, mock.ExpectationsWereMet())
}

// A failure between criterion-row writes rolls the transaction back: the run
// keeps zero criterion rows rather than a partial set.
func TestSaveResultAtomicallyRollsBackMidCommitFailure(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	runID := uuid.New()
	result := analysis.RunResult{
		OverallScore: 7.2,
		Scores: []analysis.CriterionScore{
			{RunID: runID, Criterion: "positioning", Score: 8},
			{RunID: runID, Criterion: "messaging", Score: 6.5},
		},
	}
	update := analysis.StatusUpdate{Status: analysis.StatusCompleted, Percent: 100, Phase: "completed"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(update.Status, update.Percent, update.Phase, result.OverallScore, now, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO criterion_scores").
		WithArgs(runID, "positioning", 8.0, "", []string(nil), []string(nil), []string(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO criterion_scores").
		WithArgs(runID, "messaging", 6.5, "", []string(nil), []string(nil), []string(nil)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.SaveResultAtomically(context.Background(), runID, result, update)
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveResultAtomicallyRetriesSerializationFailure(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	runID := uuid.New()
	result := analysis.RunResult{
		OverallScore: 9.1,
		Scores:       []analysis.CriterionScore{{RunID: runID, Criterion: "credibility", Score: 9.1}},
	}
	update := analysis.StatusUpdate{Status: analysis.StatusCompleted, Percent: 100, Phase: "completed"}

	// First attempt hits a serialization failure and rolls back.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(update.Status, update.Percent, update.Phase, result.OverallScore, now, runID).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	// Second attempt succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(update.Status, update.Percent, update.Phase, result.OverallScore, now, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO criterion_scores").
		WithArgs(runID, "credibility", 9.1, "", []string(nil), []string(nil), []string(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveResultAtomically(context.Background(), runID, result, update))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveInsightsAtomicallyRefusesWithoutCriterionScores(t *testing.T) {
	t.Parallel()

	s, mock, _ := newTestStore(t)
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := s.SaveInsightsAtomically(context.Background(), runID, analysis.Insights{InsightText: "x"},
		analysis.StatusUpdate{Status: analysis.StatusCompleted, Percent: 100, Phase: "completed"})
	require.ErrorIs(t, err, analysis.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveInsightsAtomicallyWritesInsightsAndStatus(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	runID := uuid.New()
	insights := analysis.Insights{
		RunID:           runID,
		InsightText:     "strong positioning, weak conversion path",
		Recommendations: []string{"add a primary call to action"},
		PriorityMatrix:  map[string][]string{"quick_wins": {"cta"}},
		GeneratedAt:     now,
	}
	update := analysis.StatusUpdate{Status: analysis.StatusCompleted, Percent: 100, Phase: "completed"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(8))
	mock.ExpectExec("INSERT INTO ai_insights").
		WithArgs(runID, insights.InsightText, insights.Recommendations, []byte(`{"quick_wins":["cta"]}`), insights.GeneratedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(update.Status, update.Percent, update.Phase, now, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveInsightsAtomically(context.Background(), runID, insights, update))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedWritesStatusAndReasonInOneStatement(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	runID := uuid.New()

	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(analysis.StatusFailed, "capture failed: all tiers exhausted", string(analysis.StatusFailed), now, runID, analysis.StatusCompleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkFailed(context.Background(), runID, "capture failed: all tiers exhausted"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// MarkFailed refuses to demote a completed run: the guarded update matches
// zero rows and surfaces ErrNotFound instead of flipping the status.
func TestMarkFailedNeverDemotesCompletedRun(t *testing.T) {
	t.Parallel()

	s, mock, now := newTestStore(t)
	runID := uuid.New()

	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(analysis.StatusFailed, "late failure", string(analysis.StatusFailed), now, runID, analysis.StatusCompleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkFailed(context.Background(), runID, "late failure")
	require.ErrorIs(t, err, analysis.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCriterionScoresReturnsCommittedSet(t *testing.T) {
	t.Parallel()

	s, mock, _ := newTestStore(t)
	runID := uuid.New()

	rows := pgxmock.NewRows([]string{
		"run_id", "criterion", "score", "evidence", "passed_checks", "failed_checks", "warnings",
	}).
		AddRow(runID, "messaging", 6.5, "", []string{"headline"}, []string(nil), []string(nil)).
		AddRow(runID, "positioning", 8.0, "clear value prop", []string(nil), []string{"fold"}, []string{"long copy"})

	mock.ExpectQuery("SELECT (.+) FROM criterion_scores").
		WithArgs(runID).
		WillReturnRows(rows)

	scores, err := s.GetCriterionScores(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "messaging", scores[0].Criterion)
	assert.Equal(t, "positioning", scores[1].Criterion)
	assert.Equal(t, []string{"fold"}, scores[1].FailedChecks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArtifactNormalizesEmptyFullPageRef(t *testing.T) {
	t.Parallel()

	s, mock, _ := newTestStore(t)
	runID := uuid.New()

	mock.ExpectExec("INSERT INTO captured_artifacts").
		WithArgs(runID, "memory://runs/shot.png", (*string)(nil), "memory://runs/page.html").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveArtifact(context.Background(), analysis.Artifact{
		RunID:             runID,
		ScreenshotRef:     "memory://runs/shot.png",
		RenderedMarkupRef: "memory://runs/page.html",
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/run"
)

type submitRequest struct {
	URL         string   `json:"url"`
	Competitors []string `json:"competitors"`
}

type submissionDTO struct {
	RunID    string `json:"run_id"`
	EntityID string `json:"entity_id"`
	URL      string `json:"url"`
}

type submitResponse struct {
	RunID       string          `json:"run_id"`
	EntityID    string          `json:"entity_id"`
	Competitors []submissionDTO `json:"competitors,omitempty"`
}

type scoreDTO struct {
	Criterion    string   `json:"criterion"`
	Score        float64  `json:"score"`
	Evidence     string   `json:"evidence,omitempty"`
	PassedChecks []string `json:"passed_checks,omitempty"`
	FailedChecks []string `json:"failed_checks,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

type runDTO struct {
	RunID           string     `json:"run_id"`
	EntityID        string     `json:"entity_id"`
	URL             string     `json:"url"`
	Status          string     `json:"status"`
	EffectiveStatus string     `json:"effective_status"`
	ProgressPercent int        `json:"progress_percent"`
	ProgressPhase   string     `json:"progress_phase"`
	OverallScore    *float64   `json:"overall_score,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	Scores          []scoreDTO `json:"scores,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// submitAnalysis handles POST /v1/analyses. The primary URL plus each
// competitor gets its own run and entity; all runs are enqueued before the
// 202 response so a fast consumer can immediately subscribe to any of them.
func (s *Server) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if err := validateTargetURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if len(req.Competitors) > s.cfg.MaxCompetitors {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d competitors allowed", s.cfg.MaxCompetitors), s.logger)
		return
	}
	for _, c := range req.Competitors {
		if err := validateTargetURL(c); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("competitor %q: %v", c, err), s.logger)
			return
		}
	}

	primary, err := s.createAndEnqueue(r.Context(), req.URL)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	resp := submitResponse{
		RunID:    primary.RunID.String(),
		EntityID: primary.EntityID.String(),
	}
	for _, c := range req.Competitors {
		sub, err := s.createAndEnqueue(r.Context(), c)
		if err != nil {
			// Primary is already queued; report the partial failure rather
			// than unwinding accepted work.
			s.logger.Error("competitor submission failed",
				zap.String("url", c),
				zap.Error(err),
			)
			continue
		}
		resp.Competitors = append(resp.Competitors, submissionDTO{
			RunID:    sub.RunID.String(),
			EntityID: sub.EntityID.String(),
			URL:      c,
		})
	}
	writeJSON(w, http.StatusAccepted, resp, s.logger)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	case errors.Is(err, analysis.ErrResourceUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error(), s.logger)
}

// createAndEnqueue persists a pending run and hands it to the queue.
func (s *Server) createAndEnqueue(ctx context.Context, target string) (analysis.Submission, error) {
	runID, err := s.idGen.NewID()
	if err != nil {
		return analysis.Submission{}, fmt.Errorf("generate run id: %w", err)
	}
	entityID, err := s.idGen.NewID()
	if err != nil {
		return analysis.Submission{}, fmt.Errorf("generate entity id: %w", err)
	}
	now := s.clock.Now()
	newRun := analysis.Run{
		ID:              runID,
		EntityID:        entityID,
		URL:             target,
		Status:          analysis.StatusPending,
		ProgressPercent: run.Percent(analysis.StatusPending),
		ProgressPhase:   run.Phase(analysis.StatusPending),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.runStore.CreateRun(ctx, newRun); err != nil {
		return analysis.Submission{}, fmt.Errorf("create run: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()
	sub := analysis.Submission{
		RunID:     runID,
		EntityID:  entityID,
		URL:       target,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, sub); err != nil {
		return analysis.Submission{}, fmt.Errorf("enqueue submission: %w", err)
	}
	return sub, nil
}

// getRun handles GET /v1/runs/{run_id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	s.writeRun(w, r, func(ctx context.Context) (analysis.Run, error) {
		return s.runStore.GetRun(ctx, runID)
	})
}

// getLatestRun handles GET /v1/entities/{entity_id}/runs/latest, the
// polling fallback for consumers without a stream connection.
func (s *Server) getLatestRun(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "entity_id")
	entityID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity_id", s.logger)
		return
	}
	s.writeRun(w, r, func(ctx context.Context) (analysis.Run, error) {
		return s.runStore.GetLatestRunByEntity(ctx, entityID)
	})
}

func (s *Server) writeRun(w http.ResponseWriter, r *http.Request, fetch func(context.Context) (analysis.Run, error)) {
	found, err := fetch(r.Context())
	if err != nil {
		if errors.Is(err, analysis.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found", s.logger)
			return
		}
		s.logger.Error("load run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run", s.logger)
		return
	}

	scores, err := s.runStore.GetCriterionScores(r.Context(), found.ID)
	if err != nil {
		s.logger.Error("load criterion scores failed",
			zap.String("run_id", found.ID.String()),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to load run", s.logger)
		return
	}

	effective := run.Effective(found, len(scores) > 0, s.clock.Now(), s.cfg.StallAfter)
	dto := runDTO{
		RunID:           found.ID.String(),
		EntityID:        found.EntityID.String(),
		URL:             found.URL,
		Status:          string(found.Status),
		EffectiveStatus: string(effective),
		ProgressPercent: found.ProgressPercent,
		ProgressPhase:   found.ProgressPhase,
		FailureReason:   found.FailureReason,
		CreatedAt:       found.CreatedAt,
		UpdatedAt:       found.UpdatedAt,
	}
	// Scores and the overall score surface only once the run has settled;
	// mid-run reads stay score-free even though criteria may already be
	// committed ahead of the insights step.
	if effective != analysis.EffectiveRunning {
		dto.OverallScore = found.OverallScore
		dto.Scores = toScoreDTOs(scores)
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": dto}, s.logger)
}

func toScoreDTOs(in []analysis.CriterionScore) []scoreDTO {
	out := make([]scoreDTO, 0, len(in))
	for _, sc := range in {
		out = append(out, scoreDTO{
			Criterion:    sc.Criterion,
			Score:        sc.Score,
			Evidence:     sc.Evidence,
			PassedChecks: sc.PassedChecks,
			FailedChecks: sc.FailedChecks,
			Warnings:     sc.Warnings,
		})
	}
	return out
}

func validateTargetURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}

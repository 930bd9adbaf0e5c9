package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/progress"
	"github.com/sitelens/sitelens/internal/run"
)

// streamRun handles GET /v1/runs/{run_id}/stream. The connection stays open
// until the run reaches a terminal event or the client disconnects;
// heartbeats keep intermediaries from timing the connection out.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	current, err := s.runStore.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found", s.logger)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", s.logger)
		return
	}

	// Subscribe before the initial snapshot so no event between snapshot
	// and subscription is lost.
	events, cancel := s.events.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	now := s.clock.Now()
	if err := writeSSE(w, flusher, progress.WireEvent{
		Type:          progress.EventConnected,
		Phase:         string(current.Status),
		Percent:       current.ProgressPercent,
		CurrentEntity: current.EntityID.String(),
		Timestamp:     now,
	}); err != nil {
		return
	}

	// A run that already settled produces its terminal event immediately.
	if run.IsTerminal(current.Status) {
		_ = writeSSE(w, flusher, s.terminalEvent(r, current))
		return
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := writeSSE(w, flusher, progress.WireEvent{
				Type:      progress.EventHeartbeat,
				Timestamp: s.clock.Now(),
			}); err != nil {
				return
			}
		case evt, open := <-events:
			if !open {
				return
			}
			wire := toWireEvent(evt)
			if wire.Type == progress.EventCompleted {
				// The broadcast event carries no score; read it back so
				// the closing event is self-contained.
				if final, err := s.runStore.GetRun(r.Context(), runID); err == nil {
					wire.OverallScore = final.OverallScore
				} else {
					s.logger.Warn("final run read failed",
						zap.String("run_id", runID.String()),
						zap.Error(err),
					)
				}
			}
			if err := writeSSE(w, flusher, wire); err != nil {
				return
			}
			if wire.Type == progress.EventCompleted || wire.Type == progress.EventError {
				return
			}
		}
	}
}

// terminalEvent builds the closing event for an already-settled run.
func (s *Server) terminalEvent(r *http.Request, current analysis.Run) progress.WireEvent {
	if current.Status == analysis.StatusFailed {
		reason := "analysis failed"
		if current.FailureReason != nil {
			reason = *current.FailureReason
		}
		return progress.WireEvent{
			Type:      progress.EventError,
			Phase:     string(current.Status),
			Percent:   current.ProgressPercent,
			Error:     reason,
			Timestamp: s.clock.Now(),
		}
	}
	return progress.WireEvent{
		Type:         progress.EventCompleted,
		Phase:        string(current.Status),
		Percent:      current.ProgressPercent,
		OverallScore: current.OverallScore,
		Timestamp:    s.clock.Now(),
	}
}

// toWireEvent maps a broadcast event onto the stream protocol. Completion
// and failure collapse into their own event types; everything else is a
// progress event.
func toWireEvent(evt analysis.ProgressEvent) progress.WireEvent {
	wire := progress.WireEvent{
		Phase:         evt.Phase,
		Percent:       evt.Percent,
		Message:       evt.Message,
		CurrentEntity: evt.EntityID.String(),
		Timestamp:     evt.Timestamp,
	}
	switch evt.Phase {
	case string(analysis.StatusCompleted):
		wire.Type = progress.EventCompleted
	case string(analysis.StatusFailed):
		wire.Type = progress.EventError
		wire.Error = evt.Message
	default:
		wire.Type = progress.EventProgress
	}
	return wire
}

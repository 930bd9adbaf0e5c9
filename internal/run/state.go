// Package run implements the per-entity analysis lifecycle: the status
// transition graph and the derived consumer-facing effective status.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/sitelens/sitelens/internal/analysis"
)

// ErrInvalidTransition signals a status advance not permitted by the graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the forward graph. failed is reachable from any
// non-terminal state via MarkFailed and is handled separately.
var transitions = map[analysis.RunStatus]analysis.RunStatus{
	analysis.StatusPending:            analysis.StatusInitializing,
	analysis.StatusInitializing:       analysis.StatusScraping,
	analysis.StatusScraping:           analysis.StatusTier1Analyzing,
	analysis.StatusTier1Analyzing:     analysis.StatusTier1Complete,
	analysis.StatusTier1Complete:      analysis.StatusTier2Analyzing,
	analysis.StatusTier2Analyzing:     analysis.StatusTier2Complete,
	analysis.StatusTier2Complete:      analysis.StatusTier3Analyzing,
	analysis.StatusTier3Analyzing:     analysis.StatusGeneratingInsights,
	analysis.StatusGeneratingInsights: analysis.StatusCompleted,
}

// percents maps each status to the progress percent reported on entry.
var percents = map[analysis.RunStatus]int{
	analysis.StatusPending:            0,
	analysis.StatusInitializing:       5,
	analysis.StatusScraping:           15,
	analysis.StatusTier1Analyzing:     30,
	analysis.StatusTier1Complete:      40,
	analysis.StatusTier2Analyzing:     50,
	analysis.StatusTier2Complete:      60,
	analysis.StatusTier3Analyzing:     70,
	analysis.StatusGeneratingInsights: 85,
	analysis.StatusCompleted:          100,
	analysis.StatusFailed:             100,
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s analysis.RunStatus) bool {
	return s == analysis.StatusCompleted || s == analysis.StatusFailed
}

// CanTransition reports whether from may advance to to. The only backward
// transition permitted is into terminal failed.
func CanTransition(from, to analysis.RunStatus) bool {
	if to == analysis.StatusFailed {
		return !IsTerminal(from)
	}
	// GeneratingInsights is skippable: tier3 may advance straight to
	// completed when insights are disabled or fail.
	if from == analysis.StatusTier3Analyzing && to == analysis.StatusCompleted {
		return true
	}
	return transitions[from] == to
}

// ValidateTransition returns ErrInvalidTransition when the advance is not
// permitted by the graph.
func ValidateTransition(from, to analysis.RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%q -> %q: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// Percent returns the progress percent reported on entering the status.
func Percent(s analysis.RunStatus) int {
	return percents[s]
}

// Phase returns the human-readable phase label for a status.
func Phase(s analysis.RunStatus) string {
	return string(s)
}

// Effective collapses the fine-grained status for consumers. A stalled run
// that already carries committed criteria surfaces as partial rather than
// being auto-failed; whether to retry or force-fail such a run is the
// consumer's policy, which is why the stall window is an argument here.
func Effective(r analysis.Run, hasCriteria bool, now time.Time, stallAfter time.Duration) analysis.EffectiveStatus {
	switch r.Status {
	case analysis.StatusCompleted:
		return analysis.EffectiveCompleted
	case analysis.StatusFailed:
		return analysis.EffectiveFailed
	}
	if stallAfter > 0 && hasCriteria && now.Sub(r.UpdatedAt) > stallAfter {
		return analysis.EffectivePartial
	}
	return analysis.EffectiveRunning
}

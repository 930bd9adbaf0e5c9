// Package analysis defines the core domain types shared across the
// effectiveness analysis pipeline: runs, criterion scores, insights,
// captured artifacts, and the progress events emitted while a run executes.
package analysis

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the fine-grained lifecycle state of an analysis run.
// Transitions between statuses are validated by the run package.
type RunStatus string

// Run lifecycle statuses, in pipeline order.
const (
	StatusPending            RunStatus = "pending"
	StatusInitializing       RunStatus = "initializing"
	StatusScraping           RunStatus = "scraping"
	StatusTier1Analyzing     RunStatus = "tier1_analyzing"
	StatusTier1Complete      RunStatus = "tier1_complete"
	StatusTier2Analyzing     RunStatus = "tier2_analyzing"
	StatusTier2Complete      RunStatus = "tier2_complete"
	StatusTier3Analyzing     RunStatus = "tier3_analyzing"
	StatusGeneratingInsights RunStatus = "generating_insights"
	StatusCompleted          RunStatus = "completed"
	StatusFailed             RunStatus = "failed"
)

// EffectiveStatus is the coarse consumer-facing collapse of RunStatus.
type EffectiveStatus string

// Effective statuses exposed to downstream consumers.
const (
	EffectiveRunning   EffectiveStatus = "running"
	EffectivePartial   EffectiveStatus = "partial"
	EffectiveCompleted EffectiveStatus = "completed"
	EffectiveFailed    EffectiveStatus = "failed"
)

// Run is one end-to-end analysis attempt for one entity. Rows are
// append-only: a new attempt always creates a new run.
type Run struct {
	ID              uuid.UUID
	EntityID        uuid.UUID
	URL             string
	Status          RunStatus
	ProgressPercent int
	ProgressPhase   string
	OverallScore    *float64
	FailureReason   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CriterionScore is one scored effectiveness dimension for a run. Scores are
// written only as part of the terminal atomic commit and are immutable
// afterwards.
type CriterionScore struct {
	RunID        uuid.UUID
	Criterion    string
	Score        float64
	Evidence     string
	PassedChecks []string
	FailedChecks []string
	Warnings     []string
}

// Insights holds the optional AI-generated summary written in a second
// atomic step after criterion scores exist.
type Insights struct {
	RunID           uuid.UUID
	InsightText     string
	Recommendations []string
	PriorityMatrix  map[string][]string
	GeneratedAt     time.Time
}

// Artifact references the captured screenshot and rendered markup blobs for
// a run. The run references artifacts; it does not own them.
type Artifact struct {
	RunID                 uuid.UUID
	ScreenshotRef         string
	FullPageScreenshotRef string
	RenderedMarkupRef     string
}

// CaptureTier identifies which fallback tier produced a capture.
type CaptureTier string

// Capture fallback tiers, in attempt order.
const (
	TierShotAPI CaptureTier = "shot_api"
	TierBrowser CaptureTier = "browser"
	TierStatic  CaptureTier = "static"
)

// CaptureResult is the output of the capture service: blob refs plus the
// rendered markup handed to the scoring tiers.
type CaptureResult struct {
	Artifact       Artifact
	RenderedMarkup string
	Tier           CaptureTier
}

// ShotOptions are the parameters forwarded to the external capture API.
type ShotOptions struct {
	ViewportWidth  int
	ViewportHeight int
	FullPage       bool
	Timeout        time.Duration
}

// ScoreResult is the validated response of one AI scoring call.
type ScoreResult struct {
	Score        float64
	Evidence     string
	PassedChecks []string
	FailedChecks []string
	Warnings     []string
}

// ProgressEvent is an ephemeral progress notification for a run. Events are
// broadcast, never persisted. Raw events are not guaranteed monotonic;
// smoothing is a consumer responsibility.
type ProgressEvent struct {
	RunID     uuid.UUID `json:"run_id"`
	EntityID  uuid.UUID `json:"entity_id"`
	Phase     string    `json:"phase"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RunResult bundles the terminal artifacts committed in one transaction.
type RunResult struct {
	OverallScore float64
	Scores       []CriterionScore
}

// StatusUpdate carries the status advance written alongside an atomic commit.
type StatusUpdate struct {
	Status  RunStatus
	Percent int
	Phase   string
}

// Submission is one queued analysis request consumed by the orchestrator.
type Submission struct {
	RunID     uuid.UUID
	EntityID  uuid.UUID
	URL       string
	Submitted int64
}

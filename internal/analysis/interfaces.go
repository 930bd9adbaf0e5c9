package analysis

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// RunStore is the persistence boundary for the pipeline. The postgres
// implementation composes the narrow operations into single transactions so
// no reader ever observes a completed run with a partial criterion set.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	GetLatestRunByEntity(ctx context.Context, entityID uuid.UUID) (Run, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, update StatusUpdate) error
	GetCriterionScores(ctx context.Context, runID uuid.UUID) ([]CriterionScore, error)
	SaveArtifact(ctx context.Context, artifact Artifact) error

	// SaveResultAtomically writes the overall score, the complete criterion
	// set, and the status advance as one transaction.
	SaveResultAtomically(ctx context.Context, runID uuid.UUID, result RunResult, update StatusUpdate) error

	// SaveInsightsAtomically writes insights plus a status advance in a
	// second atomic step. It is valid only once criterion scores exist.
	SaveInsightsAtomically(ctx context.Context, runID uuid.UUID, insights Insights, update StatusUpdate) error

	// MarkFailed atomically records the failed status and reason. It is
	// valid from any prior non-terminal state.
	MarkFailed(ctx context.Context, runID uuid.UUID, reason string) error
}

// Scorer is the AI scoring collaborator: one call per criterion per tier.
// Prompt content is owned by the implementation.
type Scorer interface {
	Score(ctx context.Context, criterion string, markup string) (ScoreResult, error)
	GenerateInsights(ctx context.Context, scores []CriterionScore) (Insights, error)
}

// CaptureAPI is the tier-1 external capture collaborator: an HTTP call
// returning image bytes for a URL.
type CaptureAPI interface {
	Screenshot(ctx context.Context, url string, opts ShotOptions) ([]byte, error)
}

// BlobStore persists captured artifacts and returns a stable reference URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits terminal run notifications to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue carries analysis submissions from the API to the orchestrator.
type Queue interface {
	Enqueue(ctx context.Context, sub Submission) error
	Dequeue(ctx context.Context) (Submission, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and entity identifiers.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analysis"
	queuememory "github.com/sitelens/sitelens/internal/queue/memory"
	"github.com/sitelens/sitelens/internal/worker"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// recordingStore tracks which runs completed; every other operation is a
// no-op so worker pipelines flow straight through.
type recordingStore struct {
	mu        sync.Mutex
	completed map[uuid.UUID]bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{completed: make(map[uuid.UUID]bool)}
}

func (s *recordingStore) CreateRun(context.Context, analysis.Run) error { return nil }

func (s *recordingStore) GetRun(context.Context, uuid.UUID) (analysis.Run, error) {
	return analysis.Run{}, analysis.ErrNotFound
}

func (s *recordingStore) GetLatestRunByEntity(context.Context, uuid.UUID) (analysis.Run, error) {
	return analysis.Run{}, analysis.ErrNotFound
}

func (s *recordingStore) UpdateRunStatus(context.Context, uuid.UUID, analysis.StatusUpdate) error {
	return nil
}

func (s *recordingStore) GetCriterionScores(context.Context, uuid.UUID) ([]analysis.CriterionScore, error) {
	return nil, nil
}

func (s *recordingStore) SaveArtifact(context.Context, analysis.Artifact) error { return nil }

func (s *recordingStore) SaveResultAtomically(_ context.Context, runID uuid.UUID, _ analysis.RunResult, _ analysis.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[runID] = true
	return nil
}

func (s *recordingStore) SaveInsightsAtomically(context.Context, uuid.UUID, analysis.Insights, analysis.StatusUpdate) error {
	return nil
}

func (s *recordingStore) MarkFailed(context.Context, uuid.UUID, string) error { return nil }

func (s *recordingStore) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

type stubCapture struct{}

func (stubCapture) Capture(_ context.Context, runID uuid.UUID, _ string) (analysis.CaptureResult, error) {
	return analysis.CaptureResult{
		Artifact:       analysis.Artifact{RunID: runID, ScreenshotRef: "mem://shot.png"},
		RenderedMarkup: "<html><body>fixture</body></html>",
		Tier:           analysis.TierShotAPI,
	}, nil
}

type stubScorer struct{}

func (stubScorer) Score(context.Context, string, string) (analysis.ScoreResult, error) {
	return analysis.ScoreResult{Score: 7, Evidence: "fixture"}, nil
}

func (stubScorer) GenerateInsights(context.Context, []analysis.CriterionScore) (analysis.Insights, error) {
	return analysis.Insights{InsightText: "fixture"}, nil
}

type nopSink struct{}

func (nopSink) Publish(analysis.ProgressEvent) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) (string, error) { return "", nil }

func newTestWorker(queue analysis.Queue, store *recordingStore) *worker.Worker {
	return worker.New(queue, store, stubCapture{}, stubScorer{}, nopSink{}, nopPublisher{},
		realClock{}, worker.Config{}, nil)
}

func TestRunFansSubmissionsAcrossWorkers(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(8)
	store := newRecordingStore()
	d := New(queue, []*worker.Worker{
		newTestWorker(queue, store),
		newTestWorker(queue, store),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	const submissions = 5
	for range submissions {
		require.NoError(t, d.Enqueue(context.Background(), analysis.Submission{
			RunID:    uuid.New(),
			EntityID: uuid.New(),
			URL:      "https://example.com",
		}))
	}

	require.Eventually(t, func() bool {
		return store.completedCount() == submissions
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
	assert.Zero(t, queue.Depth())
}

func TestRunWithoutWorkersStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(queuememory.NewQueue(1), nil)
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on canceled context")
	}
}

func TestEnqueueWrapsQueueError(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(1)
	d := New(queue, nil)
	require.NoError(t, d.Enqueue(context.Background(), analysis.Submission{RunID: uuid.New()}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Enqueue(ctx, analysis.Submission{RunID: uuid.New()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "queue enqueue")
}

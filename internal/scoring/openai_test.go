package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
)

type noopLimiter struct{ waits atomic.Int64 }

func (l *noopLimiter) WaitToken(context.Context) error {
	l.waits.Add(1)
	return nil
}

// chatServer fakes the chat completion endpoint, answering every request
// with the given message content (or status when non-200).
func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream failure","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1750000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func newTestScorer(ts *httptest.Server, limiter *noopLimiter) *OpenAIScorer {
	return NewOpenAI(Config{APIKey: "test-key", BaseURL: ts.URL + "/v1"}, limiter, zap.NewNop())
}

func TestScoreParsesValidResponse(t *testing.T) {
	t.Parallel()

	payload := `{"score":7.5,"evidence":"clear hero section","passed_checks":["headline"],"failed_checks":[],"warnings":["slow to the point"]}`
	ts := chatServer(t, http.StatusOK, payload)
	defer ts.Close()

	limiter := &noopLimiter{}
	s := newTestScorer(ts, limiter)

	result, err := s.Score(context.Background(), "positioning", "<html>page</html>")
	require.NoError(t, err)
	assert.InDelta(t, 7.5, result.Score, 0.001)
	assert.Equal(t, "clear hero section", result.Evidence)
	assert.Equal(t, []string{"headline"}, result.PassedChecks)
	assert.Equal(t, []string{"slow to the point"}, result.Warnings)
	assert.Equal(t, int64(1), limiter.waits.Load(), "every scoring call must reserve a token")
}

func TestScoreRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	ts := chatServer(t, http.StatusOK, "the page looks fine to me")
	defer ts.Close()

	s := newTestScorer(ts, &noopLimiter{})
	_, err := s.Score(context.Background(), "messaging", "<html/>")
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrValidation)
}

func TestScoreRejectsOutOfRangeOrMissingScore(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"missing score", `{"evidence":"no number"}`},
		{"negative", `{"score":-1,"evidence":"x"}`},
		{"too large", `{"score":11,"evidence":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ts := chatServer(t, http.StatusOK, tc.content)
			defer ts.Close()

			s := newTestScorer(ts, &noopLimiter{})
			_, err := s.Score(context.Background(), "credibility", "<html/>")
			require.Error(t, err)
			assert.ErrorIs(t, err, analysis.ErrValidation)
		})
	}
}

func TestScoreServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	ts := chatServer(t, http.StatusInternalServerError, "")
	defer ts.Close()

	s := newTestScorer(ts, &noopLimiter{})
	_, err := s.Score(context.Background(), "positioning", "<html/>")
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrExternalService)
}

func TestScoreClientErrorIsNotRetryable(t *testing.T) {
	t.Parallel()

	ts := chatServer(t, http.StatusUnauthorized, "")
	defer ts.Close()

	s := newTestScorer(ts, &noopLimiter{})
	_, err := s.Score(context.Background(), "positioning", "<html/>")
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrValidation)
}

func TestGenerateInsightsParsesResponse(t *testing.T) {
	t.Parallel()

	payload := `{"insight_text":"strong brand, weak funnel","recommendations":["add a pricing page"],"priority_matrix":{"quick_wins":["cta copy"],"strategic":["repositioning"]}}`
	ts := chatServer(t, http.StatusOK, payload)
	defer ts.Close()

	s := newTestScorer(ts, &noopLimiter{})
	insights, err := s.GenerateInsights(context.Background(), []analysis.CriterionScore{
		{Criterion: "positioning", Score: 8},
		{Criterion: "conversion_path", Score: 4, FailedChecks: []string{"no pricing"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "strong brand, weak funnel", insights.InsightText)
	assert.Equal(t, []string{"add a pricing page"}, insights.Recommendations)
	assert.Equal(t, []string{"cta copy"}, insights.PriorityMatrix["quick_wins"])
}

func TestGenerateInsightsRejectsEmptyText(t *testing.T) {
	t.Parallel()

	ts := chatServer(t, http.StatusOK, `{"insight_text":"  ","recommendations":[]}`)
	defer ts.Close()

	s := newTestScorer(ts, &noopLimiter{})
	_, err := s.GenerateInsights(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, analysis.ErrValidation)
}

func TestTruncateBoundsPromptSize(t *testing.T) {
	t.Parallel()

	long := make([]byte, maxMarkupChars+100)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, truncate(string(long), maxMarkupChars), maxMarkupChars)
	assert.Equal(t, "short", truncate("short", maxMarkupChars))
}

// A cut point landing inside a multi-byte rune backs up to the previous
// boundary so the truncated markup stays valid UTF-8.
func TestTruncateNeverSplitsRunes(t *testing.T) {
	t.Parallel()

	// "héllo": the é occupies bytes 1-2, so a 2-byte limit falls mid-rune.
	got := truncate("héllo", 2)
	assert.Equal(t, "h", got)
	assert.True(t, utf8.ValidString(got))

	for limit := 0; limit <= 12; limit++ {
		assert.True(t, utf8.ValidString(truncate("日本語のページ", limit)), "limit %d", limit)
	}
}

func TestIsReasoningModel(t *testing.T) {
	t.Parallel()

	assert.True(t, isReasoningModel("o1-preview"))
	assert.True(t, isReasoningModel("gpt-5"))
	assert.False(t, isReasoningModel("gpt-4o-mini"))
}

func TestScoreSystemPromptNamesCriterion(t *testing.T) {
	t.Parallel()

	prompt := scoreSystemPrompt("brand_story")
	assert.Contains(t, prompt, fmt.Sprintf("%q", "brand_story"))
	assert.Contains(t, prompt, "passed_checks")
}

package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/metrics"
)

const (
	maxCompletionTokens = 2048
	// Rendered markup beyond this is truncated before prompting; scoring
	// signal lives overwhelmingly in the head and above-the-fold content.
	maxMarkupChars = 60000
)

// tokenWaiter gates every vendor call through the shared rate limiter.
type tokenWaiter interface {
	WaitToken(ctx context.Context) error
}

// Config selects the model serving the scoring calls.
type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

// OpenAIScorer implements analysis.Scorer over the chat completion API with
// strict JSON responses.
type OpenAIScorer struct {
	client  *openai.Client
	model   string
	limiter tokenWaiter
	logger  *zap.Logger
}

// NewOpenAI builds a scorer.
func NewOpenAI(cfg Config, limiter tokenWaiter, logger *zap.Logger) *OpenAIScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIScorer{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		limiter: limiter,
		logger:  logger,
	}
}

// scorePayload is the response schema expected from the model.
type scorePayload struct {
	Score        *float64 `json:"score"`
	Evidence     string   `json:"evidence"`
	PassedChecks []string `json:"passed_checks"`
	FailedChecks []string `json:"failed_checks"`
	Warnings     []string `json:"warnings"`
}

// insightsPayload is the response schema for insight generation.
type insightsPayload struct {
	InsightText     string              `json:"insight_text"`
	Recommendations []string            `json:"recommendations"`
	PriorityMatrix  map[string][]string `json:"priority_matrix"`
}

// Score evaluates one criterion against the rendered markup. Vendor
// failures surface as ErrExternalService (retryable upstream); malformed
// responses surface as ErrValidation and are never retried.
func (s *OpenAIScorer) Score(ctx context.Context, criterion string, markup string) (analysis.ScoreResult, error) {
	content, err := s.complete(ctx, scoreSystemPrompt(criterion), truncate(markup, maxMarkupChars))
	if err != nil {
		metrics.ObserveScoringCall(criterion, "error")
		return analysis.ScoreResult{}, err
	}

	var payload scorePayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		metrics.ObserveScoringCall(criterion, "invalid")
		return analysis.ScoreResult{}, fmt.Errorf("decode score for %q: %w: %w", criterion, analysis.ErrValidation, err)
	}
	if payload.Score == nil || *payload.Score < 0 || *payload.Score > 10 {
		metrics.ObserveScoringCall(criterion, "invalid")
		return analysis.ScoreResult{}, fmt.Errorf("score for %q out of range: %w", criterion, analysis.ErrValidation)
	}

	metrics.ObserveScoringCall(criterion, "ok")
	return analysis.ScoreResult{
		Score:        *payload.Score,
		Evidence:     payload.Evidence,
		PassedChecks: payload.PassedChecks,
		FailedChecks: payload.FailedChecks,
		Warnings:     payload.Warnings,
	}, nil
}

// GenerateInsights summarizes the committed criterion scores into
// recommendations and a priority matrix.
func (s *OpenAIScorer) GenerateInsights(ctx context.Context, scores []analysis.CriterionScore) (analysis.Insights, error) {
	summary, err := json.Marshal(scoreSummary(scores))
	if err != nil {
		return analysis.Insights{}, fmt.Errorf("marshal score summary: %w", err)
	}
	content, err := s.complete(ctx, insightsSystemPrompt, string(summary))
	if err != nil {
		return analysis.Insights{}, err
	}

	var payload insightsPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return analysis.Insights{}, fmt.Errorf("decode insights: %w: %w", analysis.ErrValidation, err)
	}
	if strings.TrimSpace(payload.InsightText) == "" {
		return analysis.Insights{}, fmt.Errorf("empty insight text: %w", analysis.ErrValidation)
	}
	return analysis.Insights{
		InsightText:     payload.InsightText,
		Recommendations: payload.Recommendations,
		PriorityMatrix:  payload.PriorityMatrix,
	}, nil
}

func (s *OpenAIScorer) complete(ctx context.Context, system, user string) (string, error) {
	if err := s.limiter.WaitToken(ctx); err != nil {
		return "", err
	}
	req := openai.ChatCompletionRequest{
		Model: s.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	// Reasoning models reject MaxTokens in favor of MaxCompletionTokens.
	if isReasoningModel(s.model) {
		req.MaxCompletionTokens = maxCompletionTokens
	} else {
		req.MaxTokens = maxCompletionTokens
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return "", fmt.Errorf("chat completion rejected: %w: %w", analysis.ErrValidation, err)
		}
		return "", fmt.Errorf("chat completion: %w: %w", analysis.ErrExternalService, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices: %w", analysis.ErrValidation)
	}
	return resp.Choices[0].Message.Content, nil
}

func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func scoreSummary(scores []analysis.CriterionScore) map[string]any {
	out := make(map[string]any, len(scores))
	for _, s := range scores {
		out[s.Criterion] = map[string]any{
			"score":         s.Score,
			"evidence":      s.Evidence,
			"failed_checks": s.FailedChecks,
			"warnings":      s.Warnings,
		}
	}
	return out
}

func scoreSystemPrompt(criterion string) string {
	return fmt.Sprintf(
		"You are a website effectiveness analyst. Evaluate the %q dimension of the page markup the user provides. "+
			"Respond with a JSON object: {\"score\": 0-10 number, \"evidence\": string, "+
			"\"passed_checks\": [string], \"failed_checks\": [string], \"warnings\": [string]}.",
		criterion,
	)
}

const insightsSystemPrompt = "You are a website effectiveness analyst. The user provides per-criterion scores as JSON. " +
	"Respond with a JSON object: {\"insight_text\": string, \"recommendations\": [string], " +
	"\"priority_matrix\": {\"quick_wins\": [string], \"strategic\": [string], \"defer\": [string]}}."

// truncate cuts s to at most limit bytes, backing up so a multi-byte rune
// is never split at the cut point.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

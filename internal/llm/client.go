package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/circuitbreaker"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

var (
	ErrRateLimited    = errors.New("scoring adapter rate limited")
	ErrMalformedScore = errors.New("malformed score response")
	ErrTimeout        = errors.New("scoring adapter timed out")
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	JSON         bool
}

type CompletionResponse struct {
	Content string
	Model   string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      1,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Logger:           logger.GetLogger(),
	})

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.Duration("timeout", cfg.Timeout),
	)

	return &Client{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		cb:          cb,
	}
}

func (c *Client) Model() string { return c.model }

// Complete issues one chat completion bounded by the client timeout. It does
// not retry; callers decide on retries.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var result *CompletionResponse
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return classify(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("%w: no choices returned", ErrMalformedScore)
		}

		logger.Debug("LLM completion generated",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)
		metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

		result = &CompletionResponse{
			Content: resp.Choices[0].Message.Content,
			Model:   resp.Model,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return fmt.Errorf("failed to create completion: %w", err)
}

const scoringSystemPrompt = `You are a call quality analysis expert. Score outbound sales call transcripts for the Quality Call Index (QCI). Respond ONLY with a JSON object, no markdown.`

const scoringUserPrompt = `Score this call transcript on four dimensions, each a number from 0 to 25.

DYNAMICS: talk ratio (agent 35-55%% is ideal), conversational flow without loops, engagement and questions.
OBJECTIONS: recognizes resistance, complies with stop requests, offers alternatives.
BRAND: "Young Caesar" mentioned explicitly and professionally. Only award 15 or more if "Young Caesar" appears in the transcript.
OUTCOME: meeting scheduled 21-25, warm lead 13-20, callback arranged 8-12, information exchanged 4-7, nothing concrete 0-3.

Base every score on the transcript only. Do not invent information.

Return JSON:
{"dynamics": 0, "objections": 0, "brand": 0, "outcome": 0, "coaching_tips": ["specific actionable advice"]}

Transcript:
%s`

type scoreResponse struct {
	Dynamics     *float64 `json:"dynamics"`
	Objections   *float64 `json:"objections"`
	Brand        *float64 `json:"brand"`
	Outcome      *float64 `json:"outcome"`
	CoachingTips []string `json:"coaching_tips"`
}

// Score asks the model for the four rubric sub-scores. Output that is not
// valid JSON, misses a dimension or falls outside [0, 25] is rejected with
// ErrMalformedScore.
func (c *Client) Score(ctx context.Context, transcript string) (*models.AdapterScore, error) {
	start := time.Now()
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: scoringSystemPrompt,
		UserPrompt:   fmt.Sprintf(scoringUserPrompt, transcript),
		JSON:         true,
	})
	if err != nil {
		return nil, err
	}

	scores, tips, err := ParseScore(resp.Content)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}

	logger.Debug("Transcript scored",
		zap.Float64("total", scores.Total()),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Duration("latency", time.Since(start)),
	)

	return &models.AdapterScore{
		Scores:       scores,
		CoachingTips: tips,
		Model:        model,
		TokensUsed:   resp.Usage.TotalTokens,
	}, nil
}

// ParseScore decodes a scoring response body. Markdown code fences around
// the JSON are tolerated.
func ParseScore(content string) (models.SubScores, []string, error) {
	body := strings.TrimSpace(content)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	var r scoreResponse
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return models.SubScores{}, nil, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}

	fields := []struct {
		name string
		v    *float64
	}{
		{models.DimensionDynamics, r.Dynamics},
		{models.DimensionObjections, r.Objections},
		{models.DimensionBrand, r.Brand},
		{models.DimensionOutcome, r.Outcome},
	}
	var s models.SubScores
	for _, f := range fields {
		if f.v == nil {
			return models.SubScores{}, nil, fmt.Errorf("%w: missing %s", ErrMalformedScore, f.name)
		}
		if math.IsNaN(*f.v) || *f.v < 0 || *f.v > models.MaxSubScore {
			return models.SubScores{}, nil, fmt.Errorf("%w: %s=%v out of range", ErrMalformedScore, f.name, *f.v)
		}
		s = s.With(f.name, *f.v)
	}

	tips := make([]string, 0, len(r.CoachingTips))
	for _, t := range r.CoachingTips {
		if t = strings.TrimSpace(t); t != "" {
			tips = append(tips, t)
		}
	}
	return s, tips, nil
}

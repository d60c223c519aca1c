package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/pkg/circuitbreaker"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
	"github.com/connect3/backend/pkg/retry"
)

var (
	// ErrMalformedOutput means the model answered but not in the requested schema.
	ErrMalformedOutput = errors.New("malformed model output")
	ErrEmptyResponse   = errors.New("empty model response")
)

type Client struct {
	client         *openai.Client
	model          string
	plannerModel   string
	embeddingModel string
	embeddingDim   int
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type Message struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	// History is inserted between the system and user prompts.
	History     []Message
	Model       string
	Temperature float32
	MaxTokens   int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StructuredRequest asks for a JSON object matching Schema.
type StructuredRequest struct {
	CompletionRequest
	SchemaName string
	Schema     jsonschema.Definition
}

func NewClient(cfg config.LLMConfig) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isTransient,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.ProviderConfig(logger.GetLogger())
	retryConfig.RetryIf = isTransient

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	plannerModel := cfg.PlannerModel
	if plannerModel == "" {
		plannerModel = cfg.Model
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("planner_model", plannerModel),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		plannerModel:   plannerModel,
		embeddingModel: cfg.EmbeddingModel,
		embeddingDim:   cfg.EmbeddingDim,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

// isTransient reports whether a provider error is worth retrying and
// counting against the breaker: rate limits, server errors and transport
// failures are, client errors are not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedOutput) || errors.Is(err, ErrEmptyResponse) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func (c *Client) buildRequest(req CompletionRequest, defaultModel string) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

func (c *Client) complete(ctx context.Context, chatReq openai.ChatCompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			if len(resp.Choices) == 0 {
				return retry.Permanent(ErrEmptyResponse)
			}

			recordUsage(chatReq.Model, resp.Usage)

			logger.Debug("LLM completion generated",
				zap.String("model", chatReq.Model),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// CompleteJSON runs a structured-output completion and decodes it into out.
// Output that does not decode is reported as ErrMalformedOutput and is not retried.
func (c *Client) CompleteJSON(ctx context.Context, req StructuredRequest, out any) error {
	chatReq := c.buildRequest(req.CompletionRequest, c.plannerModel)
	chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   req.SchemaName,
			Schema: &req.Schema,
			Strict: false,
		},
	}

	resp, err := c.complete(ctx, chatReq)
	if err != nil {
		return err
	}

	if err := DecodeJSON(resp.Content, out); err != nil {
		logger.Warn("Structured output did not match schema",
			zap.String("schema", req.SchemaName),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// DecodeJSON decodes a model's JSON answer, tolerating a surrounding code fence.
func DecodeJSON(content string, out any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if s == "" {
		return fmt.Errorf("%w: empty content", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func recordUsage(model string, usage openai.Usage) {
	metrics.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/spiralogic/oracle/internal/httpkit"
)

const openaiMaxTokens = 1024

// openaiCompletions is the slice of the SDK used here, narrowed so
// tests can substitute it.
type openaiCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient talks to the OpenAI chat completions API, or any
// server exposing the same surface (vLLM, LM Studio, llama.cpp).
type OpenAIClient struct {
	completions openaiCompletions
	models      *openai.ModelService
	logger      *slog.Logger
}

// NewOpenAIClient creates an OpenAI-compatible client. An empty baseURL
// selects api.openai.com.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
		// Retries are handled by the fallback chain.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIClient{
		completions: &client.Chat.Completions,
		models:      &client.Models,
		logger:      logger.With("provider", "openai"),
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		Messages:            convertToOpenAI(messages),
		MaxCompletionTokens: openai.Int(openaiMaxTokens),
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(params.Messages))

	start := time.Now()
	completion, err := c.completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{Provider: "openai", Code: apiErr.StatusCode, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	resp := &ChatResponse{
		Model:         completion.Model,
		Message:       Message{Role: "assistant", Content: completion.Choices[0].Message.Content},
		InputTokens:   int(completion.Usage.PromptTokens),
		OutputTokens:  int(completion.Usage.CompletionTokens),
		TotalDuration: time.Since(start),
	}

	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)

	return resp, nil
}

// Ping lists models to verify the endpoint and key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if c.models == nil {
		return nil
	}
	if _, err := c.models.List(ctx); err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("invalid API key")
		}
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

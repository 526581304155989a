package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spiralogic/oracle/internal/config"
	"github.com/spiralogic/oracle/internal/fallback"
	"github.com/spiralogic/oracle/internal/llm"
)

// ErrEmptyReply is returned by a provider that answered with no text.
var ErrEmptyReply = errors.New("provider returned an empty reply")

// ChatProvider adapts an llm.Client to the fallback chain.
type ChatProvider struct {
	name   string
	model  string
	client llm.Client
}

// NewChatProvider wraps client. model is passed on every call.
func NewChatProvider(name, model string, client llm.Client) *ChatProvider {
	return &ChatProvider{name: name, model: model, client: client}
}

// Name returns the configured provider name.
func (p *ChatProvider) Name() string { return p.name }

// Attempt sends the prompt once. Client errors that retrying cannot fix
// (authentication, bad request) are marked permanent so the chain moves
// on without further tries against this provider.
func (p *ChatProvider) Attempt(ctx context.Context, prompt Prompt) (Completion, error) {
	resp, err := p.client.Chat(ctx, p.model, prompt.chatMessages())
	if err != nil {
		if !llm.IsRetryable(err) {
			return Completion{}, fallback.Permanent(err)
		}
		return Completion{}, err
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return Completion{}, fallback.Permanent(ErrEmptyReply)
	}
	return Completion{
		Text:         text,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

// NewClient creates the llm.Client for one configured text provider.
func NewClient(pc config.ProviderConfig, logger *slog.Logger) (llm.Client, error) {
	switch pc.Kind {
	case "anthropic":
		if pc.APIKey == "" {
			return nil, fmt.Errorf("provider %s: api_key is required", pc.Name)
		}
		return llm.NewAnthropicClient(pc.APIKey, pc.BaseURL, logger), nil
	case "ollama":
		return llm.NewOllamaClient(pc.BaseURL, logger), nil
	case "openai":
		return llm.NewOpenAIClient(pc.APIKey, pc.BaseURL, logger), nil
	case "echo":
		return llm.EchoClient{}, nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
	}
}

// RetryPolicy derives the per-provider retry policy from config.
func RetryPolicy(cfg config.GenerationConfig) fallback.RetryPolicy {
	return fallback.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryDelay,
		PerTry:      cfg.AttemptTimeout,
	}
}

// BuildProviders creates the configured chain, each provider wrapped
// with the retry policy.
func BuildProviders(cfg config.GenerationConfig, logger *slog.Logger) ([]fallback.Provider[Prompt, Completion], error) {
	policy := RetryPolicy(cfg)
	providers := make([]fallback.Provider[Prompt, Completion], 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		client, err := NewClient(pc, logger)
		if err != nil {
			return nil, err
		}
		var p fallback.Provider[Prompt, Completion] = NewChatProvider(pc.Name, pc.Model, client)
		if pc.Kind != "echo" {
			p = fallback.Retry(p, policy)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// FromConfig builds a Generator from the generation section. Each
// provider's chain timeout covers its full retry budget.
func FromConfig(cfg config.GenerationConfig, logger *slog.Logger) (*Generator, error) {
	providers, err := BuildProviders(cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(providers,
		WithAttemptTimeout(RetryPolicy(cfg).Budget()),
		WithSystemPrompt(cfg.SystemPrompt),
		WithDegradedReply(cfg.DegradedReply),
		WithLogger(logger),
	), nil
}

package turns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spiralogic/oracle/internal/llm"
	"github.com/spiralogic/oracle/internal/memory"
	"github.com/spiralogic/oracle/internal/prompts"
)

// Extractor derives theme tags from one exchange.
type Extractor interface {
	Extract(ctx context.Context, input, reply string) ([]string, error)
}

// ExtractorFunc adapts a function to [Extractor].
type ExtractorFunc func(ctx context.Context, input, reply string) ([]string, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, input, reply string) ([]string, error) {
	return f(ctx, input, reply)
}

// KeywordExtractor tags an exchange with the user's most repeated
// content words. It needs no model and is the default.
type KeywordExtractor struct {
	// Max caps the number of tags (default 3).
	Max int
	// MinLen ignores shorter words (default 4).
	MinLen int
}

// Extract implements Extractor. Only the user's input is considered so
// the assistant's wording does not become a theme.
func (k KeywordExtractor) Extract(ctx context.Context, input, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxTags, minLen := k.Max, k.MinLen
	if maxTags <= 0 {
		maxTags = 3
	}
	if minLen <= 0 {
		minLen = 4
	}

	counts := make(map[string]int)
	for _, word := range strings.Fields(input) {
		for _, term := range memory.Terms(word) {
			if len(term) >= minLen {
				counts[term]++
			}
		}
	}
	tags := make([]string, 0, len(counts))
	for term := range counts {
		tags = append(tags, term)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags, nil
}

// LLMExtractor asks a model for theme tags.
type LLMExtractor struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMExtractor creates an extractor that calls model on client.
func NewLLMExtractor(client llm.Client, model string, logger *slog.Logger) *LLMExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{client: client, model: model, logger: logger}
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, input, reply string) ([]string, error) {
	msgs := []llm.Message{llm.User(prompts.ThemeExtractionPrompt(input, reply))}
	resp, err := e.client.Chat(ctx, e.model, msgs)
	if err != nil {
		return nil, fmt.Errorf("theme extraction: %w", err)
	}
	return parseThemes(resp.Message.Content, e.logger)
}

// parseThemes reads the model's JSON answer, tolerating code fences.
func parseThemes(content string, logger *slog.Logger) ([]string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json\n")
	content = strings.TrimPrefix(content, "```\n")
	content = strings.TrimSuffix(content, "\n```")
	content = strings.TrimSpace(content)

	var result struct {
		Themes []string `json:"themes"`
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		preview := content
		if len(preview) > 200 {
			preview = preview[:200]
		}
		logger.Debug("theme extraction JSON parse failed", "raw_response", preview)
		return nil, fmt.Errorf("parse themes: %w", err)
	}

	seen := make(map[string]bool, len(result.Themes))
	var tags []string
	for _, t := range result.Themes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags, nil
}

package llm

import (
	"context"
	"strings"
)

// EchoClient answers locally without any network call. It is the
// offline default and the last-resort provider in development configs.
type EchoClient struct{}

// Chat replies by acknowledging the most recent user message.
func (EchoClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var last string
	var input int
	for _, m := range messages {
		input += len(m.Content) / 4
		if m.Role == "user" {
			last = m.Content
		}
	}

	content := "I heard you."
	if last = strings.TrimSpace(last); last != "" {
		content = "You said: " + last
	}
	return &ChatResponse{
		Model:        "echo",
		Message:      Assistant(content),
		InputTokens:  input,
		OutputTokens: len(content) / 4,
	}, nil
}

// Ping always succeeds.
func (EchoClient) Ping(context.Context) error { return nil }

package generate

import (
	"github.com/spiralogic/oracle/internal/assembler"
	"github.com/spiralogic/oracle/internal/llm"
	"github.com/spiralogic/oracle/internal/memory"
	"github.com/spiralogic/oracle/internal/prompts"
)

// BuildPrompt renders the assembled context into the system message,
// one section per represented layer in priority order, followed by the
// user's input. A nil context yields just the system prompt and input.
func BuildPrompt(system string, cc *assembler.ConversationContext, input string) Prompt {
	var sections []string
	if cc != nil {
		for _, l := range memory.AllLayers() {
			frags := cc.ByLayer(l)
			if len(frags) == 0 {
				continue
			}
			lines := make([]string, len(frags))
			for i, f := range frags {
				lines[i] = f.Text
			}
			sections = append(sections, prompts.ContextSection(l.String(), lines))
		}
	}
	return Prompt{
		System:   prompts.SystemWithContext(system, sections),
		Messages: []llm.Message{llm.User(input)},
	}
}

// chatMessages flattens a prompt into the llm message list.
func (p Prompt) chatMessages() []llm.Message {
	msgs := make([]llm.Message, 0, len(p.Messages)+1)
	if p.System != "" {
		msgs = append(msgs, llm.System(p.System))
	}
	return append(msgs, p.Messages...)
}

package prompts

import (
	"fmt"
	"strings"
)

// baseSystemTemplate is the default system prompt used when none is
// configured.
const baseSystemTemplate = `You are Oracle, a warm and attentive conversational companion.

## How to Respond
- Answer in plain spoken language; your reply may be read aloud.
- Keep replies short unless the user asks for depth.
- Use what you remember about the user when it helps, and never invent memories.
- If the context below does not cover a question, say so plainly.`

// BaseSystemPrompt returns the default system prompt.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// contextSectionTitles maps memory layer names to the headings used in
// the context block.
var contextSectionTitles = map[string]string{
	"profile":  "About the user",
	"session":  "Earlier in this conversation",
	"symbolic": "Recurring themes",
	"journal":  "From the user's journal",
	"external": "Reference material",
}

// ContextSection formats one memory layer's fragments as a markdown
// section. It returns "" when lines is empty.
func ContextSection(layer string, lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	title, ok := contextSectionTitles[layer]
	if !ok {
		title = layer
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "### %s\n", title)
	for _, l := range lines {
		sb.WriteString("- ")
		sb.WriteString(strings.ReplaceAll(strings.TrimSpace(l), "\n", " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// SystemWithContext appends the assembled memory sections to base.
func SystemWithContext(base string, sections []string) string {
	var parts []string
	for _, s := range sections {
		if s != "" {
			parts = append(parts, strings.TrimRight(s, "\n"))
		}
	}
	if len(parts) == 0 {
		return base
	}
	return base + "\n\n## What You Remember\n\n" + strings.Join(parts, "\n\n")
}

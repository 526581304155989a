package prompts

import "fmt"

// themeExtractionTemplate asks a model for short theme tags describing
// one exchange. The two format verbs are the user message and the reply.
const themeExtractionTemplate = `Name the recurring themes in this exchange that would be worth tracking
across future conversations: emotions, people, places, symbols, ongoing
projects. Use one to three lowercase words per theme and at most five
themes.

Return JSON only. Examples:

{"themes": ["water", "career change", "sister"]}

If there is nothing worth tracking:
{"themes": []}

User: %s
Assistant: %s

JSON:`

// ThemeExtractionPrompt returns the fully interpolated prompt for
// enrichment of a persisted turn.
func ThemeExtractionPrompt(userMsg, assistantResp string) string {
	return fmt.Sprintf(themeExtractionTemplate, userMsg, assistantResp)
}

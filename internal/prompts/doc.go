// Package prompts contains the LLM prompt templates used by Oracle.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// The operator may override the base system prompt in config.yaml; the
// remaining templates are internal.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts

package models

import "encoding/json"

// UsageInfo is the optional accounting attached to a generated artifact.
type UsageInfo struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	TokensUsed   int64   `json:"tokens_used,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Artifact is the output of one generation call.
// A nil Usage means the collaborator reported no usage, which is valid.
type Artifact struct {
	Text    string          `json:"text"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Usage   *UsageInfo      `json:"usage,omitempty"`
}

// Tokens returns the total tokens for the usage, summing input and output
// when no explicit total was reported.
func (u *UsageInfo) Tokens() int64 {
	if u.TokensUsed > 0 {
		return u.TokensUsed
	}
	return u.InputTokens + u.OutputTokens
}

// ModelPricing defines per-1K token costs for a model.
type ModelPricing struct {
	Model          string  `json:"model" yaml:"model"`
	PromptCost     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCost float64 `json:"completion_cost_per_1k" yaml:"completion_cost_per_1k"`
}

// Cost estimates USD cost for the given token counts.
func (p ModelPricing) Cost(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)/1000)*p.PromptCost + (float64(outputTokens)/1000)*p.CompletionCost
}

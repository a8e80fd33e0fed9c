package types

import "encoding/json"

// TokenUsage reports the token consumption of a single provider call.
// Providers that omit usage get an estimate with Estimated set.
type TokenUsage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	Estimated    bool   `json:"estimated,omitempty"`
}

// Total returns input + output tokens.
func (u *TokenUsage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// CompletionResult is the uniform return of every provider-facing call.
// Content holds plain text; Structured holds the parsed JSON body for
// structured completions. Usage may be nil when the provider gave none
// and estimation was impossible.
type CompletionResult struct {
	Content    string          `json:"content,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Usage      *TokenUsage     `json:"usage,omitempty"`
}

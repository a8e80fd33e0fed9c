package llm

import (
	"encoding/json"
	"strings"

	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// structuredInstructions is appended to the prompt for providers without
// native structured output so the model answers with bare JSON.
const structuredInstructions = "\n\nRespond with ONLY valid JSON matching this schema, no prose before or after:\n"

// buildStructuredPrompt appends JSON-shape instructions to the prompt.
func buildStructuredPrompt(prompt, responseSchema string) string {
	if responseSchema == "" {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString(structuredInstructions)
	b.WriteString(responseSchema)
	return b.String()
}

// stripCodeFence removes a leading fenced code block wrapper
// (```json ... ``` or ``` ... ```) if present. Models add these even when
// told not to.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		head := strings.TrimSpace(trimmed[:nl])
		if head == "" || strings.EqualFold(head, "json") {
			trimmed = trimmed[nl+1:]
		}
	} else {
		trimmed = strings.TrimPrefix(trimmed, "json")
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// parseStructuredBody turns a raw completion body into JSON.
// Empty bodies return an empty object with a warning rather than an error;
// invalid JSON returns a ParseError (non-retryable).
func parseStructuredBody(provider, body string) (json.RawMessage, error) {
	cleaned := stripCodeFence(body)
	if cleaned == "" {
		logging.L_warn("llm: structured completion returned empty body", "provider", provider)
		return json.RawMessage("{}"), nil
	}
	var probe any
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return nil, &ParseError{
			Provider: provider,
			Body:     cleaned,
			Err:      err,
		}
	}
	return json.RawMessage(cleaned), nil
}

package llm

import (
	"context"
	"encoding/json"

	"github.com/roelfdiedericks/mindforge/internal/types"
)

// Provider is the unified interface for all LLM backends.
// Implementations: AnthropicProvider, OpenAIProvider, XAIProvider.
type Provider interface {
	// Identity
	Name() string  // Provider instance name (e.g., "anthropic")
	Type() string  // Provider type (e.g., "anthropic", "openai", "xai")
	Model() string // Current model name

	// Cloning with overrides
	WithModel(model string) Provider // Clone with different model
	WithMaxTokens(max int) Provider  // Clone with output limit override

	// Availability
	IsAvailable() bool // Ready to accept requests (credentials present)
	MaxTokens() int    // Current output limit

	// Completions. Structured calls parse the body as JSON (after stripping
	// a leading fenced code block) and fail with ParseError otherwise.
	GenerateCompletion(ctx context.Context, req CompletionRequest) (string, error)
	GenerateCompletionWithUsage(ctx context.Context, req CompletionRequest) (*types.CompletionResult, error)
	GenerateStructuredCompletion(ctx context.Context, req CompletionRequest) (json.RawMessage, error)
	GenerateStructuredCompletionWithUsage(ctx context.Context, req CompletionRequest) (*types.CompletionResult, error)

	// CountTokens approximates the token count of text. len/4 when no
	// tokenizer is available.
	CountTokens(text string) int

	// FetchAvailableModels queries the provider's listing API. May return
	// an empty slice; callers fall back to AvailableModels.
	FetchAvailableModels(ctx context.Context) ([]string, error)

	// AvailableModels is the static model catalog, ordered newest to oldest.
	AvailableModels() []string

	// Cleanup releases HTTP clients and other resources.
	Cleanup()
}

// Embedder is implemented by providers that can produce embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingDimensions() int
}

// CompletionRequest carries the per-call parameters shared by all adapters.
type CompletionRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int

	// ModelOverride runs this call against a different model without
	// cloning the provider.
	ModelOverride string

	// ResponseSchema describes the expected JSON shape for structured
	// calls. Appended to the prompt when the provider lacks native
	// structured output.
	ResponseSchema string
}

// model resolves the effective model for this request.
func (r CompletionRequest) model(fallback string) string {
	if r.ModelOverride != "" {
		return r.ModelOverride
	}
	return fallback
}

// ErrUnavailable is returned when a provider is not ready to accept calls.
type ErrUnavailable struct {
	Provider string
	Reason   string
}

func (e ErrUnavailable) Error() string {
	if e.Reason != "" {
		return e.Provider + " is unavailable: " + e.Reason
	}
	return e.Provider + " is unavailable"
}

// ProviderConfig is the configuration for a single provider instance.
type ProviderConfig struct {
	Type           string `yaml:"type"`            // "anthropic", "openai", "xai"
	APIKey         string `yaml:"api_key"`         // May reference ${ENV_VAR}
	BaseURL        string `yaml:"base_url"`        // For OpenAI-compatible endpoints
	Model          string `yaml:"model"`           // Default model
	MaxTokens      int    `yaml:"max_tokens"`      // Output limit
	TimeoutSeconds int    `yaml:"timeout_seconds"` // Request timeout
}

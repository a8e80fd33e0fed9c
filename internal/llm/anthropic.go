package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/tokens"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// anthropicModels is the static catalog, newest to oldest. Used when the
// live listing API is unreachable.
var anthropicModels = []string{
	"claude-opus-4-5",
	"claude-sonnet-4-5",
	"claude-haiku-4-5",
	"claude-opus-4-1",
	"claude-sonnet-4-0",
	"claude-3-7-sonnet-latest",
	"claude-3-5-haiku-latest",
}

// AnthropicProvider implements Provider for Anthropic's Claude API.
type AnthropicProvider struct {
	name       string
	client     *anthropic.Client
	httpClient *http.Client
	model      string
	maxTokens  int
	apiKey     string
}

// NewAnthropicProvider creates an Anthropic provider from ProviderConfig.
func NewAnthropicProvider(name string, cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}

	timeout := 120 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = anthropicModels[0]
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	logging.L_debug("anthropic provider created", "name", name, "model", model, "maxTokens", maxTokens)

	return &AnthropicProvider{
		name:       name,
		client:     &client,
		httpClient: httpClient,
		model:      model,
		maxTokens:  maxTokens,
		apiKey:     cfg.APIKey,
	}, nil
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Type() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

// WithModel returns a clone configured for a different model.
func (p *AnthropicProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

// WithMaxTokens returns a clone with a different output limit.
func (p *AnthropicProvider) WithMaxTokens(max int) Provider {
	clone := *p
	clone.maxTokens = max
	return &clone
}

func (p *AnthropicProvider) IsAvailable() bool { return p.apiKey != "" }
func (p *AnthropicProvider) MaxTokens() int    { return p.maxTokens }

// GenerateCompletion returns the completion text only.
func (p *AnthropicProvider) GenerateCompletion(ctx context.Context, req CompletionRequest) (string, error) {
	result, err := p.GenerateCompletionWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// GenerateCompletionWithUsage sends a single-turn message and returns the
// text plus token usage.
func (p *AnthropicProvider) GenerateCompletionWithUsage(ctx context.Context, req CompletionRequest) (*types.CompletionResult, error) {
	model := req.model(p.model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(req.Temperature),
	}

	start := time.Now()
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Classify(err, p.name)
	}

	var content string
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}

	usage := &types.TokenUsage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		Model:        model,
		Provider:     p.name,
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = p.CountTokens(req.Prompt)
		usage.OutputTokens = p.CountTokens(content)
		usage.Estimated = true
	}

	logging.L_debug("anthropic: completion",
		"model", model,
		"inputTokens", usage.InputTokens,
		"outputTokens", usage.OutputTokens,
		"duration", time.Since(start).Round(time.Millisecond))

	return &types.CompletionResult{Content: content, Usage: usage}, nil
}

// GenerateStructuredCompletion returns the parsed JSON body only.
func (p *AnthropicProvider) GenerateStructuredCompletion(ctx context.Context, req CompletionRequest) (json.RawMessage, error) {
	result, err := p.GenerateStructuredCompletionWithUsage(ctx, req)
	if err != nil {
		return nil, err
	}
	return result.Structured, nil
}

// GenerateStructuredCompletionWithUsage appends JSON instructions to the
// prompt and parses the response body.
func (p *AnthropicProvider) GenerateStructuredCompletionWithUsage(ctx context.Context, req CompletionRequest) (*types.CompletionResult, error) {
	structuredReq := req
	structuredReq.Prompt = buildStructuredPrompt(req.Prompt, req.ResponseSchema)

	result, err := p.GenerateCompletionWithUsage(ctx, structuredReq)
	if err != nil {
		return nil, err
	}

	parsed, err := parseStructuredBody(p.name, result.Content)
	if err != nil {
		return nil, Classify(err, p.name)
	}
	result.Structured = parsed
	return result, nil
}

// CountTokens approximates token count with tiktoken.
func (p *AnthropicProvider) CountTokens(text string) int {
	return tokens.Estimate(text)
}

// FetchAvailableModels queries the live model listing API.
func (p *AnthropicProvider) FetchAvailableModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, Classify(err, p.name)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// AvailableModels returns the static catalog, newest to oldest.
func (p *AnthropicProvider) AvailableModels() []string {
	out := make([]string, len(anthropicModels))
	copy(out, anthropicModels)
	return out
}

// Cleanup closes idle HTTP connections.
func (p *AnthropicProvider) Cleanup() {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
}

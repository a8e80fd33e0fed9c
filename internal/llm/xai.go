package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/tokens"
	"github.com/roelfdiedericks/mindforge/internal/types"
	"github.com/roelfdiedericks/xai-go"
)

// xaiModels is the static catalog, newest to oldest.
var xaiModels = []string{
	"grok-4-1",
	"grok-4-1-fast-reasoning",
	"grok-4",
	"grok-4-fast",
	"grok-3",
	"grok-3-mini",
}

// XAIProvider implements Provider for xAI's Grok API.
type XAIProvider struct {
	name      string
	config    ProviderConfig
	model     string
	maxTokens int

	// Client is created lazily on first call.
	client   *xai.Client
	clientMu sync.Mutex
}

// NewXAIProvider creates an xAI provider from ProviderConfig.
func NewXAIProvider(name string, cfg ProviderConfig) (*XAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("xai API key not configured")
	}

	model := cfg.Model
	if model == "" {
		model = xaiModels[0]
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	logging.L_debug("xai provider created", "name", name, "model", model, "maxTokens", maxTokens)

	return &XAIProvider{
		name:      name,
		config:    cfg,
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// getClient returns the xAI client, creating it lazily on first call.
func (p *XAIProvider) getClient() (*xai.Client, error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	cfg := xai.Config{
		APIKey: xai.NewSecureString(p.config.APIKey),
	}
	if p.config.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(p.config.TimeoutSeconds) * time.Second
	}

	client, err := xai.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create xai client: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *XAIProvider) Name() string  { return p.name }
func (p *XAIProvider) Type() string  { return "xai" }
func (p *XAIProvider) Model() string { return p.model }

// WithModel returns a clone configured for a different model.
// The lazily created client is shared between clones.
func (p *XAIProvider) WithModel(model string) Provider {
	return &XAIProvider{
		name:      p.name,
		config:    p.config,
		model:     model,
		maxTokens: p.maxTokens,
		client:    p.client,
	}
}

// WithMaxTokens returns a clone with a different output limit.
func (p *XAIProvider) WithMaxTokens(max int) Provider {
	return &XAIProvider{
		name:      p.name,
		config:    p.config,
		model:     p.model,
		maxTokens: max,
		client:    p.client,
	}
}

func (p *XAIProvider) IsAvailable() bool { return p.config.APIKey != "" }
func (p *XAIProvider) MaxTokens() int    { return p.maxTokens }

func safeInt32(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

// GenerateCompletion returns the completion text only.
func (p *XAIProvider) GenerateCompletion(ctx context.Context, req CompletionRequest) (string, error) {
	result, err := p.GenerateCompletionWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// GenerateCompletionWithUsage sends a single-turn chat completion.
// The xai-go request builder has no temperature knob; Grok runs at its
// default sampling temperature.
func (p *XAIProvider) GenerateCompletionWithUsage(ctx context.Context, req CompletionRequest) (*types.CompletionResult, error) {
	client, err := p.getClient()
	if err != nil {
		return nil, Classify(err, p.name)
	}

	model := req.model(p.model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	chatReq := xai.NewChatRequest().
		WithModel(model).
		WithMaxTokens(safeInt32(maxTokens))
	chatReq.UserMessage(xai.UserContent{Text: req.Prompt})

	start := time.Now()
	resp, err := client.CompleteChat(ctx, chatReq)
	if err != nil {
		return nil, Classify(err, p.name)
	}

	usage := &types.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		Model:        model,
		Provider:     p.name,
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = p.CountTokens(req.Prompt)
		usage.OutputTokens = p.CountTokens(resp.Content)
		usage.Estimated = true
	}

	logging.L_debug("xai: completion",
		"model", model,
		"inputTokens", usage.InputTokens,
		"outputTokens", usage.OutputTokens,
		"duration", time.Since(start).Round(time.Millisecond))

	return &types.CompletionResult{Content: resp.Content, Usage: usage}, nil
}

// GenerateStructuredCompletion returns the parsed JSON body only.
func (p *XAIProvider) GenerateStructuredCompletion(ctx context.Context, req CompletionRequest) (json.RawMessage, error) {
	result, err := p.GenerateStructuredCompletionWithUsage(ctx, req)
	if err != nil {
		return nil, err
	}
	return result.Structured, nil
}

// GenerateStructuredCompletionWithUsage appends JSON instructions and
// parses the response body.
func (p *XAIProvider) GenerateStructuredCompletionWithUsage(ctx context.Context, req CompletionRequest) (*types.CompletionResult, error) {
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
func (p *XAIProvider) CountTokens(text string) int {
	return tokens.Estimate(text)
}

// FetchAvailableModels queries the live model listing API.
func (p *XAIProvider) FetchAvailableModels(ctx context.Context) ([]string, error) {
	client, err := p.getClient()
	if err != nil {
		return nil, Classify(err, p.name)
	}
	models, err := client.ListModels(ctx)
	if err != nil {
		return nil, Classify(err, p.name)
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	return names, nil
}

// AvailableModels returns the static catalog, newest to oldest.
func (p *XAIProvider) AvailableModels() []string {
	out := make([]string, len(xaiModels))
	copy(out, xaiModels)
	return out
}

// Cleanup drops the lazily created client.
func (p *XAIProvider) Cleanup() {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	p.client = nil
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/tokens"
	"github.com/roelfdiedericks/mindforge/internal/types"
	openai "github.com/sashabaranov/go-openai"
)

// openaiModels is the static catalog, newest to oldest.
var openaiModels = []string{
	"gpt-5.2",
	"gpt-5.1",
	"gpt-5",
	"gpt-5-mini",
	"o4-mini",
	"o3",
	"gpt-4.1",
	"gpt-4.1-mini",
	"gpt-4o",
	"gpt-4o-mini",
}

// reasoningModelPrefixes mark models that take max_completion_tokens
// instead of max_tokens and burn tokens on internal chain-of-thought.
var reasoningModelPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

// reasoningTokenHeadroom multiplies the requested output limit for
// reasoning models to leave room for their hidden reasoning tokens.
const reasoningTokenHeadroom = 4

func isReasoningModel(model string) bool {
	for _, prefix := range reasoningModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// OpenAIProvider implements Provider for the OpenAI API and
// OpenAI-compatible endpoints. It also implements Embedder.
type OpenAIProvider struct {
	name           string
	client         *openai.Client
	model          string
	embeddingModel string
	maxTokens      int
	apiKey         string
}

// DefaultEmbeddingModel is used when no embedding model is configured.
const DefaultEmbeddingModel = "text-embedding-3-small"

// NewOpenAIProvider creates an OpenAI provider from ProviderConfig.
func NewOpenAIProvider(name string, cfg ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	model := cfg.Model
	if model == "" {
		model = openaiModels[0]
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	logging.L_debug("openai provider created", "name", name, "model", model, "maxTokens", maxTokens)

	return &OpenAIProvider{
		name:           name,
		client:         client,
		model:          model,
		embeddingModel: DefaultEmbeddingModel,
		maxTokens:      maxTokens,
		apiKey:         cfg.APIKey,
	}, nil
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Type() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

// WithModel returns a clone configured for a different model.
func (p *OpenAIProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

// WithMaxTokens returns a clone with a different output limit.
func (p *OpenAIProvider) WithMaxTokens(max int) Provider {
	clone := *p
	clone.maxTokens = max
	return &clone
}

func (p *OpenAIProvider) IsAvailable() bool { return p.apiKey != "" }
func (p *OpenAIProvider) MaxTokens() int    { return p.maxTokens }

// GenerateCompletion returns the completion text only.
func (p *OpenAIProvider) GenerateCompletion(ctx context.Context, req CompletionRequest) (string, error) {
	result, err := p.GenerateCompletionWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// GenerateCompletionWithUsage sends a single-turn chat completion and
// returns the text plus token usage.
func (p *OpenAIProvider) GenerateCompletionWithUsage(ctx context.Context, req CompletionRequest) (*types.CompletionResult, error) {
	model := req.model(p.model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}

	if isReasoningModel(model) {
		// Reasoning models reject max_tokens and non-default temperature,
		// and spend output tokens on hidden chain-of-thought.
		chatReq.MaxCompletionTokens = maxTokens * reasoningTokenHeadroom
	} else {
		chatReq.MaxTokens = maxTokens
		chatReq.Temperature = float32(req.Temperature)
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, Classify(err, p.name)
	}
	if len(resp.Choices) == 0 {
		return nil, Classify(fmt.Errorf("openai returned no choices"), p.name)
	}
	content := resp.Choices[0].Message.Content

	usage := &types.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        model,
		Provider:     p.name,
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = p.CountTokens(req.Prompt)
		usage.OutputTokens = p.CountTokens(content)
		usage.Estimated = true
	}

	logging.L_debug("openai: completion",
		"model", model,
		"inputTokens", usage.InputTokens,
		"outputTokens", usage.OutputTokens,
		"duration", time.Since(start).Round(time.Millisecond))

	return &types.CompletionResult{Content: content, Usage: usage}, nil
}

// GenerateStructuredCompletion returns the parsed JSON body only.
func (p *OpenAIProvider) GenerateStructuredCompletion(ctx context.Context, req CompletionRequest) (json.RawMessage, error) {
	result, err := p.GenerateStructuredCompletionWithUsage(ctx, req)
	if err != nil {
		return nil, err
	}
	return result.Structured, nil
}

// GenerateStructuredCompletionWithUsage appends JSON instructions and
// parses the response body.
func (p *OpenAIProvider) GenerateStructuredCompletionWithUsage(ctx context.Context, req CompletionRequest) (*types.CompletionResult, error) {
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
func (p *OpenAIProvider) CountTokens(text string) int {
	return tokens.Estimate(text)
}

// FetchAvailableModels queries the live model listing API.
func (p *OpenAIProvider) FetchAvailableModels(ctx context.Context) ([]string, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, Classify(err, p.name)
	}
	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		names = append(names, m.ID)
	}
	return names, nil
}

// AvailableModels returns the static catalog, newest to oldest.
func (p *OpenAIProvider) AvailableModels() []string {
	out := make([]string, len(openaiModels))
	copy(out, openaiModels)
	return out
}

// Cleanup is a no-op; go-openai owns no long-lived resources here.
func (p *OpenAIProvider) Cleanup() {}

// Embed returns the embedding vector for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns embedding vectors for a list of texts in one call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.embeddingModel),
		Input: texts,
	})
	if err != nil {
		return nil, Classify(err, p.name)
	}
	if len(resp.Data) != len(texts) {
		return nil, Classify(fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts)), p.name)
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// EmbeddingDimensions returns the dimensionality of the embedding model.
func (p *OpenAIProvider) EmbeddingDimensions() int {
	switch p.embeddingModel {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

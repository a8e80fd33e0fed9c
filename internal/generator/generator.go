// Package generator produces candidate questions by fanning requests out
// across the configured LLM providers.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roelfdiedericks/mindforge/internal/llm"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/prompts"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// BatchStats records what happened while producing one batch.
type BatchStats struct {
	Requested     int                         `json:"requested"`
	Generated     int                         `json:"generated"`
	Failures      int                         `json:"failures"`
	BreakerSkips  int                         `json:"breaker_skips"`
	ByProvider    map[string]int              `json:"by_provider"`
	SuccessRate   float64                     `json:"success_rate"`
	BreakerStates map[string]llm.BreakerStats `json:"breaker_states"`

	// Errors holds the classified error of every failed item, in the
	// order the failures happened. One entry per Failures increment.
	Errors []*llm.ClassifiedError `json:"-"`
}

// Batch is the result of one generation request. It may hold fewer
// questions than were requested.
type Batch struct {
	Questions []types.GeneratedQuestion
	Stats     BatchStats
}

// Generator drives question generation through the provider registry,
// with every call wrapped in the retry engine and circuit breaker.
type Generator struct {
	registry     *llm.Registry
	retryCfg     llm.RetryConfig
	retryMetrics *llm.RetryMetrics
	costs        *llm.CostTracker
}

// New creates a Generator. retryMetrics and costs may be shared with
// other components; nil disables the respective accounting.
func New(registry *llm.Registry, retryCfg llm.RetryConfig, retryMetrics *llm.RetryMetrics, costs *llm.CostTracker) *Generator {
	return &Generator{
		registry:     registry,
		retryCfg:     retryCfg,
		retryMetrics: retryMetrics,
		costs:        costs,
	}
}

// ErrNoProvidersAvailable fails a batch when every provider's breaker
// rejects calls.
var ErrNoProvidersAvailable = errors.New("no providers available for generation")

// GenerateBatch produces up to count questions of the given type and
// difficulty. In distributed mode requests round-robin across every
// available provider; otherwise a single provider serves the whole batch
// until its breaker opens.
func (g *Generator) GenerateBatch(ctx context.Context, qType types.QuestionType, difficulty types.DifficultyLevel, count int, distribute bool, temperature float64, maxTokens int) (*Batch, error) {
	batch := &Batch{
		Stats: BatchStats{
			Requested:  count,
			ByProvider: make(map[string]int),
		},
	}

	available := g.registry.Available()
	if len(available) == 0 {
		batch.Stats.BreakerStates = g.registry.BreakerStats()
		return batch, ErrNoProvidersAvailable
	}

	logging.L_info("generator: starting batch",
		"type", qType, "difficulty", difficulty, "count", count,
		"distribute", distribute, "providers", len(available))

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			batch.Stats.BreakerStates = g.registry.BreakerStats()
			return batch, err
		}

		var name string
		if distribute {
			// Availability can change mid-batch as breakers trip and recover.
			available = g.registry.Available()
			if len(available) == 0 {
				logging.L_warn("generator: all providers became unavailable mid-batch", "completed", i)
				break
			}
			name = available[i%len(available)]
		} else {
			if len(available) == 0 {
				break
			}
			name = available[0]
		}

		question, err := g.generateOne(ctx, name, qType, difficulty, temperature, maxTokens)
		if errors.Is(err, llm.ErrCircuitOpen) {
			batch.Stats.BreakerSkips++
			logging.L_warn("generator: breaker open, trying fallback", "provider", name)

			question, err = g.fallbackOnce(ctx, name, qType, difficulty, temperature, maxTokens)
			if errors.Is(err, llm.ErrCircuitOpen) {
				batch.Stats.BreakerSkips++
			}
			if !distribute {
				// The pinned provider tripped; move on to whatever remains.
				available = g.registry.Available()
			}
		}
		if err != nil {
			if !errors.Is(err, llm.ErrCircuitOpen) {
				batch.Stats.Failures++
				batch.Stats.Errors = append(batch.Stats.Errors, llm.Classify(err, name))
				logging.L_warn("generator: item failed", "provider", name, "index", i, "error", err)
			}
			continue
		}

		batch.Questions = append(batch.Questions, *question)
		batch.Stats.ByProvider[question.SourceLLM]++
	}

	batch.Stats.Generated = len(batch.Questions)
	if count > 0 {
		batch.Stats.SuccessRate = float64(batch.Stats.Generated) / float64(count)
	}
	batch.Stats.BreakerStates = g.registry.BreakerStats()

	logging.L_info("generator: batch complete",
		"generated", batch.Stats.Generated,
		"requested", count,
		"failures", batch.Stats.Failures,
		"breakerSkips", batch.Stats.BreakerSkips)

	return batch, nil
}

// fallbackOnce tries a single alternative provider after a breaker
// rejection. It never loops: one skip, one fallback attempt.
func (g *Generator) fallbackOnce(ctx context.Context, skipped string, qType types.QuestionType, difficulty types.DifficultyLevel, temperature float64, maxTokens int) (*types.GeneratedQuestion, error) {
	for _, name := range g.registry.Available() {
		if name == skipped {
			continue
		}
		return g.generateOne(ctx, name, qType, difficulty, temperature, maxTokens)
	}
	return nil, llm.ErrCircuitOpen
}

// generateOne requests a single question from one provider, inside the
// retry engine with each attempt guarded by the provider's breaker.
func (g *Generator) generateOne(ctx context.Context, name string, qType types.QuestionType, difficulty types.DifficultyLevel, temperature float64, maxTokens int) (*types.GeneratedQuestion, error) {
	prompt := prompts.BuildGenerationPrompt(qType, difficulty, 1)
	return g.completeOne(ctx, name, prompt, qType, difficulty, temperature, maxTokens)
}

// RegenerateQuestion asks for one improved replacement of a question
// that failed review, feeding the judge's scores and feedback back to
// the model. The first available provider is used.
func (g *Generator) RegenerateQuestion(ctx context.Context, ev types.EvaluatedQuestion, temperature float64, maxTokens int) (*types.GeneratedQuestion, error) {
	available := g.registry.Available()
	if len(available) == 0 {
		return nil, ErrNoProvidersAvailable
	}

	q := ev.Question
	prompt := prompts.BuildRegenerationPrompt(q, ev.Evaluation.Feedback, ev.Evaluation, q.QuestionType, q.DifficultyLevel)
	regenerated, err := g.completeOne(ctx, available[0], prompt, q.QuestionType, q.DifficultyLevel, temperature, maxTokens)
	if err != nil {
		return nil, err
	}
	logging.L_debug("generator: regenerated rejected question",
		"type", q.QuestionType, "difficulty", q.DifficultyLevel, "provider", regenerated.SourceLLM)
	return regenerated, nil
}

// completeOne runs one structured completion against one provider and
// parses the first valid question out of the response.
func (g *Generator) completeOne(ctx context.Context, name, prompt string, qType types.QuestionType, difficulty types.DifficultyLevel, temperature float64, maxTokens int) (*types.GeneratedQuestion, error) {
	provider, ok := g.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	breaker := g.registry.Breaker(name)

	req := llm.CompletionRequest{
		Prompt:         prompt,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseSchema: prompts.GenerationSchema,
	}

	result, err := llm.WithRetry(ctx, name, g.retryCfg, g.retryMetrics, func(ctx context.Context) (*types.CompletionResult, error) {
		var inner *types.CompletionResult
		execErr := breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			inner, callErr = provider.GenerateStructuredCompletionWithUsage(ctx, req)
			return callErr
		})
		return inner, execErr
	})
	if err != nil {
		return nil, err
	}

	if g.costs != nil && result.Usage != nil {
		g.costs.Record(result.Usage)
	}

	questions, err := ParseQuestions(result.Structured, name, provider.Model(), qType, difficulty)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%s returned no valid questions", name)
	}
	return &questions[0], nil
}

// questionsEnvelope is the wire shape of a generation response.
type questionsEnvelope struct {
	Questions []wireQuestion `json:"questions"`
}

type wireQuestion struct {
	QuestionText    string         `json:"question_text"`
	QuestionType    string         `json:"question_type"`
	DifficultyLevel string         `json:"difficulty_level"`
	CorrectAnswer   string         `json:"correct_answer"`
	AnswerOptions   []string       `json:"answer_options"`
	Explanation     string         `json:"explanation"`
	Stimulus        string         `json:"stimulus"`
	SubType         string         `json:"sub_type"`
	Metadata        map[string]any `json:"metadata"`
}

// ParseQuestions validates a structured generation response. Invalid
// entries are dropped with a warning; the error is non-nil only when the
// envelope itself cannot be decoded.
func ParseQuestions(raw json.RawMessage, providerName, model string, qType types.QuestionType, difficulty types.DifficultyLevel) ([]types.GeneratedQuestion, error) {
	var envelope questionsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding questions envelope: %w", err)
	}

	var out []types.GeneratedQuestion
	for i, w := range envelope.Questions {
		q := types.GeneratedQuestion{
			QuestionText:    w.QuestionText,
			QuestionType:    types.NormalizeQuestionType(w.QuestionType),
			DifficultyLevel: types.DifficultyLevel(w.DifficultyLevel),
			CorrectAnswer:   w.CorrectAnswer,
			AnswerOptions:   w.AnswerOptions,
			Explanation:     w.Explanation,
			Stimulus:        w.Stimulus,
			SubType:         w.SubType,
			Metadata:        w.Metadata,
			SourceLLM:       providerName,
			SourceModel:     model,
		}
		// Models sometimes omit or mangle the echo of type/difficulty;
		// the request parameters are authoritative.
		if !q.QuestionType.IsValid() {
			q.QuestionType = qType
		}
		if !q.DifficultyLevel.IsValid() {
			q.DifficultyLevel = difficulty
		}

		if err := q.Validate(); err != nil {
			logging.L_warn("generator: dropping invalid question", "provider", providerName, "index", i, "error", err)
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

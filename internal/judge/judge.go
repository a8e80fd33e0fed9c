// Package judge evaluates candidate questions with LLM judges, capped by
// a counting semaphore and guarded by per-provider circuit breakers.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roelfdiedericks/mindforge/internal/llm"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/prompts"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// ModelRef names a judge: a provider instance and the model to run on it.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// PlacementConfig drives difficulty placement after evaluation.
type PlacementConfig struct {
	DowngradeThreshold float64  `yaml:"downgrade_threshold"`
	UpgradeThreshold   float64  `yaml:"upgrade_threshold"`
	TooEasyPatterns    []string `yaml:"too_easy_patterns"`
	TooHardPatterns    []string `yaml:"too_hard_patterns"`
}

// DefaultPlacementConfig returns the shipped placement thresholds.
func DefaultPlacementConfig() PlacementConfig {
	return PlacementConfig{
		DowngradeThreshold: 0.4,
		UpgradeThreshold:   0.8,
		TooEasyPatterns:    []string{"too easy", "trivial", "too simple"},
		TooHardPatterns:    []string{"too hard", "too difficult", "too complex"},
	}
}

// Config is the resolved judge configuration.
type Config struct {
	MinScore      float64
	Weights       types.ScoreWeights
	MaxConcurrent int64
	Timeout       time.Duration
	DefaultJudge  ModelRef
	Judges        map[types.QuestionType]ModelRef
	Placement     PlacementConfig
}

// DefaultConfig returns the shipped judge defaults.
func DefaultConfig() Config {
	return Config{
		MinScore:      0.7,
		Weights:       types.DefaultScoreWeights(),
		MaxConcurrent: 10,
		Timeout:       60 * time.Second,
		Placement:     DefaultPlacementConfig(),
	}
}

// Stats records the judge stage's error taxonomy. Failed items are
// dropped, never retried at this level, and accounted here.
type Stats struct {
	Evaluated    int `json:"evaluated"`
	Approved     int `json:"approved"`
	Rejected     int `json:"rejected"`
	BreakerSkips int `json:"breaker_skips"`
	Timeouts     int `json:"timeouts"`
	OtherErrors  int `json:"other_errors"`

	// FailedErrors holds the error of every dropped item so callers can
	// fold them into run-level accounting.
	FailedErrors []error `json:"-"`
}

// Judge evaluates questions against the rubric.
type Judge struct {
	registry     *llm.Registry
	cfg          Config
	retryCfg     llm.RetryConfig
	retryMetrics *llm.RetryMetrics
	costs        *llm.CostTracker
	sem          *semaphore.Weighted
	onAPICall    func(provider string)
}

// SetAPICallObserver registers fn to be invoked once per judge model
// call, keyed by provider name. Set before evaluation starts.
func (j *Judge) SetAPICallObserver(fn func(provider string)) {
	j.onAPICall = fn
}

// New creates a Judge.
func New(registry *llm.Registry, cfg Config, retryCfg llm.RetryConfig, retryMetrics *llm.RetryMetrics, costs *llm.CostTracker) (*Judge, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Judge{
		registry:     registry,
		cfg:          cfg,
		retryCfg:     retryCfg,
		retryMetrics: retryMetrics,
		costs:        costs,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
	}, nil
}

// EvaluateQuestions runs every item concurrently (bounded by the
// semaphore), gathering errors per item. Failed items are dropped and
// counted in Stats; successful ones come back in input order.
func (j *Judge) EvaluateQuestions(ctx context.Context, items []types.GeneratedQuestion, temperature float64, maxTokens int) ([]types.EvaluatedQuestion, Stats) {
	results := make([]*types.EvaluatedQuestion, len(items))
	itemErrs := make([]error, len(items))

	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := j.evaluateOne(ctx, items[i], temperature, maxTokens)
			if err != nil {
				itemErrs[i] = err
				return
			}
			results[i] = ev
		}(i)
	}
	wg.Wait()

	var stats Stats
	var out []types.EvaluatedQuestion
	for i := range items {
		if err := itemErrs[i]; err != nil {
			switch {
			case errors.Is(err, llm.ErrCircuitOpen):
				stats.BreakerSkips++
			case errors.Is(err, context.DeadlineExceeded):
				stats.Timeouts++
			default:
				stats.OtherErrors++
			}
			stats.FailedErrors = append(stats.FailedErrors, err)
			logging.L_warn("judge: dropping item", "index", i, "error", err)
			continue
		}
		stats.Evaluated++
		if results[i].Approved {
			stats.Approved++
		} else {
			stats.Rejected++
		}
		out = append(out, *results[i])
	}

	logging.L_info("judge: evaluation complete",
		"items", len(items),
		"evaluated", stats.Evaluated,
		"approved", stats.Approved,
		"breakerSkips", stats.BreakerSkips,
		"timeouts", stats.Timeouts,
		"otherErrors", stats.OtherErrors)

	return out, stats
}

// evaluateOne scores a single question: acquire semaphore, apply the
// per-call timeout, run the judge model through breaker and retry, parse
// and weight the scores.
func (j *Judge) evaluateOne(ctx context.Context, q types.GeneratedQuestion, temperature float64, maxTokens int) (*types.EvaluatedQuestion, error) {
	providerName, provider, err := j.resolveJudge(q.QuestionType)
	if err != nil {
		return nil, err
	}
	breaker := j.registry.Breaker(providerName)

	if err := j.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer j.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	req := llm.CompletionRequest{
		Prompt: prompts.BuildJudgePrompt(
			q.QuestionText, q.AnswerOptions, q.CorrectAnswer,
			q.QuestionType, q.DifficultyLevel, q.Stimulus),
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseSchema: prompts.JudgeSchema,
	}

	result, err := llm.WithRetry(callCtx, providerName, j.retryCfg, j.retryMetrics, func(ctx context.Context) (*types.CompletionResult, error) {
		var inner *types.CompletionResult
		execErr := breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			inner, callErr = provider.GenerateStructuredCompletionWithUsage(ctx, req)
			return callErr
		})
		return inner, execErr
	})
	if j.onAPICall != nil && !errors.Is(err, llm.ErrCircuitOpen) {
		j.onAPICall(providerName)
	}
	if err != nil {
		return nil, err
	}

	if j.costs != nil && result.Usage != nil {
		j.costs.Record(result.Usage)
	}

	var score types.EvaluationScore
	if err := json.Unmarshal(result.Structured, &score); err != nil {
		return nil, fmt.Errorf("decoding evaluation: %w", err)
	}
	if err := score.Validate(); err != nil {
		return nil, fmt.Errorf("evaluation out of range: %w", err)
	}
	score.ComputeOverall(j.cfg.Weights)

	return &types.EvaluatedQuestion{
		Question:   q,
		Evaluation: score,
		JudgeModel: provider.Model(),
		Approved:   score.Overall >= j.cfg.MinScore,
	}, nil
}

// resolveJudge picks the judge for a question type, falling back from the
// type's preferred judge to the default judge to any available provider.
// Substitutions are logged, never silent.
func (j *Judge) resolveJudge(qType types.QuestionType) (string, llm.Provider, error) {
	preferred, hasPreferred := j.cfg.Judges[qType]
	if hasPreferred {
		if p := j.availableProvider(preferred); p != nil {
			return preferred.Provider, p, nil
		}
	}

	alternate := j.cfg.DefaultJudge
	if alternate.Provider != "" && (!hasPreferred || alternate != preferred) {
		if p := j.availableProvider(alternate); p != nil {
			if hasPreferred {
				logging.L_warn("judge: preferred judge unavailable, using default",
					"type", qType, "preferred", preferred.Provider, "fallback", alternate.Provider)
			}
			return alternate.Provider, p, nil
		}
	}

	for _, name := range j.registry.Available() {
		p, ok := j.registry.Get(name)
		if !ok {
			continue
		}
		logging.L_warn("judge: configured judges unavailable, using any available provider",
			"type", qType, "fallback", name)
		return name, p, nil
	}

	return "", nil, fmt.Errorf("no judge available for type %s", qType)
}

// availableProvider returns the referenced provider (with its model
// applied) when it exists and its breaker admits calls.
func (j *Judge) availableProvider(ref ModelRef) llm.Provider {
	p, ok := j.registry.Get(ref.Provider)
	if !ok || !p.IsAvailable() || !j.registry.Breaker(ref.Provider).IsAvailable() {
		return nil
	}
	if ref.Model != "" && ref.Model != p.Model() {
		p = p.WithModel(ref.Model)
	}
	return p
}

// PlaceDifficulty applies the placement table: thresholds on the
// difficulty score first, then phrase matching against the feedback,
// otherwise unchanged. Placement is independent of acceptance.
func PlaceDifficulty(current types.DifficultyLevel, score types.EvaluationScore, placement PlacementConfig) types.DifficultyLevel {
	if score.Difficulty < placement.DowngradeThreshold {
		return current.Downgrade()
	}
	if score.Difficulty > placement.UpgradeThreshold {
		return current.Upgrade()
	}

	// Feedback phrases describe the question relative to its label:
	// "too easy" means the label overstates it, so the label drops.
	feedback := strings.ToLower(score.Feedback)
	for _, pattern := range placement.TooEasyPatterns {
		if strings.Contains(feedback, strings.ToLower(pattern)) {
			return current.Downgrade()
		}
	}
	for _, pattern := range placement.TooHardPatterns {
		if strings.Contains(feedback, strings.ToLower(pattern)) {
			return current.Upgrade()
		}
	}
	return current
}

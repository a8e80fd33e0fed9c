package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/llm"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// fakeJudgeProvider returns a canned evaluation, optionally after a delay.
type fakeJudgeProvider struct {
	name       string
	model      string
	response   json.RawMessage
	err        error
	delay      time.Duration
	inFlight   atomic.Int64
	peakUsage  atomic.Int64
	totalCalls atomic.Int64
}

func scoreJSON(clarity, difficulty, validity, formatting, creativity float64, feedback string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"clarity_score":    clarity,
		"difficulty_score": difficulty,
		"validity_score":   validity,
		"formatting_score": formatting,
		"creativity_score": creativity,
		"feedback":         feedback,
	})
	return raw
}

func (f *fakeJudgeProvider) Name() string                     { return f.name }
func (f *fakeJudgeProvider) Type() string                     { return "fake" }
func (f *fakeJudgeProvider) Model() string                    { return f.model }
func (f *fakeJudgeProvider) WithMaxTokens(n int) llm.Provider { return f }
func (f *fakeJudgeProvider) IsAvailable() bool                { return true }
func (f *fakeJudgeProvider) MaxTokens() int                   { return 4096 }
func (f *fakeJudgeProvider) CountTokens(text string) int      { return len(text) / 4 }
func (f *fakeJudgeProvider) AvailableModels() []string        { return []string{f.model} }
func (f *fakeJudgeProvider) Cleanup()                         {}

func (f *fakeJudgeProvider) WithModel(m string) llm.Provider {
	clone := &fakeJudgeProvider{name: f.name, model: m, response: f.response, err: f.err, delay: f.delay}
	return clone
}

func (f *fakeJudgeProvider) FetchAvailableModels(ctx context.Context) ([]string, error) {
	return []string{f.model}, nil
}

func (f *fakeJudgeProvider) GenerateCompletion(ctx context.Context, req llm.CompletionRequest) (string, error) {
	result, err := f.GenerateCompletionWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func (f *fakeJudgeProvider) GenerateCompletionWithUsage(ctx context.Context, req llm.CompletionRequest) (*types.CompletionResult, error) {
	f.totalCalls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peakUsage.Load()
		if cur <= peak || f.peakUsage.CompareAndSwap(peak, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &types.CompletionResult{
		Content: string(f.response),
		Usage:   &types.TokenUsage{InputTokens: 200, OutputTokens: 60, Model: f.model, Provider: f.name},
	}, nil
}

func (f *fakeJudgeProvider) GenerateStructuredCompletion(ctx context.Context, req llm.CompletionRequest) (json.RawMessage, error) {
	result, err := f.GenerateStructuredCompletionWithUsage(ctx, req)
	if err != nil {
		return nil, err
	}
	return result.Structured, nil
}

func (f *fakeJudgeProvider) GenerateStructuredCompletionWithUsage(ctx context.Context, req llm.CompletionRequest) (*types.CompletionResult, error) {
	result, err := f.GenerateCompletionWithUsage(ctx, req)
	if err != nil {
		return nil, err
	}
	result.Structured = f.response
	return result, nil
}

func sampleQuestion(qType types.QuestionType) types.GeneratedQuestion {
	q := types.GeneratedQuestion{
		QuestionText:    "Which number completes the sequence 3, 6, 9, ... ?",
		QuestionType:    qType,
		DifficultyLevel: types.DifficultyMedium,
		CorrectAnswer:   "12",
		AnswerOptions:   []string{"10", "11", "12", "13"},
	}
	if qType == types.TypeMemory {
		q.Stimulus = "Sequence shown earlier: 3, 6, 9"
	}
	return q
}

func fastRetry() llm.RetryConfig {
	return llm.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExpBase: 2}
}

func newJudge(t *testing.T, reg *llm.Registry, cfg Config) *Judge {
	t.Helper()
	j, err := New(reg, cfg, fastRetry(), llm.NewRetryMetrics(), llm.NewCostTracker())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return j
}

func registryWith(providers ...llm.Provider) *llm.Registry {
	reg := llm.NewRegistry(llm.BreakerConfig{FailureThreshold: 5, Cooldown: time.Hour, HalfOpenMaxCalls: 1})
	for _, p := range providers {
		reg.Register(p)
	}
	return reg
}

func TestEvaluateComputesWeightedOverall(t *testing.T) {
	p := &fakeJudgeProvider{name: "j1", model: "judge-model",
		response: scoreJSON(0.8, 0.5, 0.9, 1.0, 0.6, "solid")}
	cfg := DefaultConfig()
	cfg.DefaultJudge = ModelRef{Provider: "j1"}
	j := newJudge(t, registryWith(p), cfg)

	evaluated, stats := j.EvaluateQuestions(context.Background(), []types.GeneratedQuestion{sampleQuestion(types.TypeLogic)}, 0.3, 1024)
	if stats.Evaluated != 1 {
		t.Fatalf("evaluated = %d, want 1", stats.Evaluated)
	}
	// 0.35*0.8 + 0.35*0.9 + 0.15*1.0 + 0.15*0.6 = 0.835; difficulty excluded.
	got := evaluated[0].Evaluation.Overall
	if got < 0.834 || got > 0.836 {
		t.Fatalf("overall = %v, want ~0.835", got)
	}
	if !evaluated[0].Approved {
		t.Fatal("0.835 >= 0.7 must be approved")
	}
	if evaluated[0].JudgeModel != "judge-model" {
		t.Fatalf("judgeModel = %q", evaluated[0].JudgeModel)
	}
}

func TestApprovalBoundaryIsInclusive(t *testing.T) {
	// All four weighted scores 0.7 -> overall exactly 0.7.
	p := &fakeJudgeProvider{name: "j1", model: "m",
		response: scoreJSON(0.7, 0.5, 0.7, 0.7, 0.7, "")}
	cfg := DefaultConfig()
	cfg.MinScore = 0.7
	cfg.DefaultJudge = ModelRef{Provider: "j1"}
	j := newJudge(t, registryWith(p), cfg)

	evaluated, _ := j.EvaluateQuestions(context.Background(), []types.GeneratedQuestion{sampleQuestion(types.TypeLogic)}, 0.3, 1024)
	if len(evaluated) != 1 || !evaluated[0].Approved {
		t.Fatal("overall == min_score must be approved")
	}
}

func TestEvaluateDropsTimedOutItems(t *testing.T) {
	slow := &fakeJudgeProvider{name: "slow", model: "m", delay: 200 * time.Millisecond,
		response: scoreJSON(0.9, 0.5, 0.9, 0.9, 0.9, "")}
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.DefaultJudge = ModelRef{Provider: "slow"}
	j := newJudge(t, registryWith(slow), cfg)

	evaluated, stats := j.EvaluateQuestions(context.Background(), []types.GeneratedQuestion{sampleQuestion(types.TypeLogic)}, 0.3, 1024)
	if len(evaluated) != 0 {
		t.Fatal("timed-out item must be dropped")
	}
	if stats.Timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", stats.Timeouts)
	}
}

func TestEvaluateCountsBreakerSkips(t *testing.T) {
	p := &fakeJudgeProvider{name: "j1", model: "m",
		response: scoreJSON(0.9, 0.5, 0.9, 0.9, 0.9, "")}
	reg := registryWith(p)

	breaker := reg.Breaker("j1")
	for i := 0; i < 5; i++ {
		_ = breaker.Execute(context.Background(), func(ctx context.Context) error {
			return fmt.Errorf("500 internal server error")
		})
	}

	cfg := DefaultConfig()
	cfg.DefaultJudge = ModelRef{Provider: "j1"}
	j := newJudge(t, reg, cfg)

	evaluated, stats := j.EvaluateQuestions(context.Background(), []types.GeneratedQuestion{sampleQuestion(types.TypeLogic)}, 0.3, 1024)
	if len(evaluated) != 0 {
		t.Fatal("breaker-skipped item must be dropped")
	}
	// With the only provider's breaker open, resolution finds no judge at
	// all; that is an other_error, not a breaker skip of a placed call.
	if stats.OtherErrors+stats.BreakerSkips != 1 {
		t.Fatalf("stats = %+v, want exactly one failure", stats)
	}
}

func TestEvaluateExposesFailedErrorsAndCountsCalls(t *testing.T) {
	failing := &fakeJudgeProvider{name: "j1", model: "m", err: fmt.Errorf("503 service unavailable")}
	cfg := DefaultConfig()
	cfg.DefaultJudge = ModelRef{Provider: "j1"}
	j := newJudge(t, registryWith(failing), cfg)

	var calls []string
	j.SetAPICallObserver(func(provider string) { calls = append(calls, provider) })

	evaluated, stats := j.EvaluateQuestions(context.Background(), []types.GeneratedQuestion{sampleQuestion(types.TypeLogic)}, 0.3, 1024)
	if len(evaluated) != 0 || stats.OtherErrors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(stats.FailedErrors) != 1 {
		t.Fatalf("failedErrors = %v, want the dropped item's error", stats.FailedErrors)
	}
	var ce *llm.ClassifiedError
	if !errors.As(stats.FailedErrors[0], &ce) || ce.Category != llm.CategoryServer {
		t.Fatalf("dropped error not classified: %v", stats.FailedErrors[0])
	}
	if len(calls) != 1 || calls[0] != "j1" {
		t.Fatalf("api calls = %v, want one call to j1", calls)
	}
}

func TestEvaluatePerItemIsolation(t *testing.T) {
	good := &fakeJudgeProvider{name: "good", model: "m",
		response: scoreJSON(0.9, 0.5, 0.9, 0.9, 0.9, "")}
	cfg := DefaultConfig()
	cfg.DefaultJudge = ModelRef{Provider: "good"}
	cfg.Judges = map[types.QuestionType]ModelRef{}
	j := newJudge(t, registryWith(good), cfg)

	items := []types.GeneratedQuestion{
		sampleQuestion(types.TypeLogic),
		sampleQuestion(types.TypeMath),
		sampleQuestion(types.TypePattern),
	}
	evaluated, stats := j.EvaluateQuestions(context.Background(), items, 0.3, 1024)
	if len(evaluated) != 3 || stats.Evaluated != 3 {
		t.Fatalf("evaluated %d of 3", len(evaluated))
	}
}

func TestResolveJudgeFallbackChain(t *testing.T) {
	// Preferred judge for logic is unregistered; default must step in,
	// with its configured model applied.
	fallback := &fakeJudgeProvider{name: "backup", model: "base-model",
		response: scoreJSON(0.9, 0.5, 0.9, 0.9, 0.9, "")}
	cfg := DefaultConfig()
	cfg.Judges = map[types.QuestionType]ModelRef{
		types.TypeLogic: {Provider: "missing", Model: "x"},
	}
	cfg.DefaultJudge = ModelRef{Provider: "backup", Model: "better-model"}
	j := newJudge(t, registryWith(fallback), cfg)

	evaluated, _ := j.EvaluateQuestions(context.Background(), []types.GeneratedQuestion{sampleQuestion(types.TypeLogic)}, 0.3, 1024)
	if len(evaluated) != 1 {
		t.Fatal("fallback judge was not used")
	}
	if evaluated[0].JudgeModel != "better-model" {
		t.Fatalf("judgeModel = %q, want better-model", evaluated[0].JudgeModel)
	}
}

func TestSemaphoreCapsConcurrency(t *testing.T) {
	p := &fakeJudgeProvider{name: "j1", model: "m", delay: 20 * time.Millisecond,
		response: scoreJSON(0.9, 0.5, 0.9, 0.9, 0.9, "")}
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.DefaultJudge = ModelRef{Provider: "j1"}
	j := newJudge(t, registryWith(p), cfg)

	items := make([]types.GeneratedQuestion, 8)
	for i := range items {
		items[i] = sampleQuestion(types.TypeLogic)
	}
	evaluated, _ := j.EvaluateQuestions(context.Background(), items, 0.3, 1024)
	if len(evaluated) != 8 {
		t.Fatalf("evaluated %d of 8", len(evaluated))
	}
	if peak := p.peakUsage.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestEvaluateRejectsOutOfRangeScores(t *testing.T) {
	p := &fakeJudgeProvider{name: "j1", model: "m",
		response: scoreJSON(1.5, 0.5, 0.9, 0.9, 0.9, "")}
	cfg := DefaultConfig()
	cfg.DefaultJudge = ModelRef{Provider: "j1"}
	j := newJudge(t, registryWith(p), cfg)

	evaluated, stats := j.EvaluateQuestions(context.Background(), []types.GeneratedQuestion{sampleQuestion(types.TypeLogic)}, 0.3, 1024)
	if len(evaluated) != 0 || stats.OtherErrors != 1 {
		t.Fatalf("out-of-range score not dropped: %+v", stats)
	}
}

func TestPlaceDifficulty(t *testing.T) {
	placement := DefaultPlacementConfig()

	cases := []struct {
		name    string
		current types.DifficultyLevel
		score   float64
		feedbck string
		want    types.DifficultyLevel
	}{
		{"low score downgrades", types.DifficultyHard, 0.3, "", types.DifficultyMedium},
		{"low score floors at easy", types.DifficultyEasy, 0.1, "", types.DifficultyEasy},
		{"high score upgrades", types.DifficultyEasy, 0.9, "", types.DifficultyMedium},
		{"high score caps at hard", types.DifficultyHard, 0.95, "", types.DifficultyHard},
		{"mid score unchanged", types.DifficultyMedium, 0.6, "fine as is", types.DifficultyMedium},
		{"too-easy phrase downgrades", types.DifficultyMedium, 0.5, "This one is Too Easy for the level", types.DifficultyEasy},
		{"too-hard phrase upgrades", types.DifficultyMedium, 0.5, "far too difficult for medium", types.DifficultyHard},
		{"boundary 0.4 not below", types.DifficultyMedium, 0.4, "", types.DifficultyMedium},
		{"boundary 0.8 not above", types.DifficultyMedium, 0.8, "", types.DifficultyMedium},
	}

	for _, tc := range cases {
		score := types.EvaluationScore{Difficulty: tc.score, Feedback: tc.feedbck}
		if got := PlaceDifficulty(tc.current, score, placement); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestNewRejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = types.ScoreWeights{Clarity: 0.5, Validity: 0.5, Formatting: 0.5, Creativity: 0.5}
	if _, err := New(registryWith(), cfg, fastRetry(), nil, nil); err == nil {
		t.Fatal("weights summing to 2 must be rejected")
	}
}

// Package run accumulates per-run metrics across every pipeline stage
// and produces the run summary consumed by the reporter.
package run

import (
	"sync"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/embeddings"
	"github.com/roelfdiedericks/mindforge/internal/llm"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// maxRecentErrors bounds the last-N error lists.
const maxRecentErrors = 20

// ExecutionSummary is the wall-clock account of the run.
type ExecutionSummary struct {
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// GenerationSummary covers the generation stage.
type GenerationSummary struct {
	Requested    int            `json:"requested"`
	Generated    int            `json:"generated"`
	Failed       int            `json:"failed"`
	ByProvider   map[string]int `json:"by_provider"`
	ByType       map[string]int `json:"by_type"`
	ByDifficulty map[string]int `json:"by_difficulty"`
	RecentErrors []string       `json:"recent_errors,omitempty"`
}

// EvaluationSummary covers the judge stage.
type EvaluationSummary struct {
	Evaluated int     `json:"evaluated"`
	Approved  int     `json:"approved"`
	Rejected  int     `json:"rejected"`
	Failed    int     `json:"failed"`
	AvgScore  float64 `json:"avg_score"`
	MinScore  float64 `json:"min_score"`
	MaxScore  float64 `json:"max_score"`
}

// DedupSummary covers the deduplication stage.
type DedupSummary struct {
	Checked            int `json:"checked"`
	DuplicatesFound    int `json:"duplicates_found"`
	ExactDuplicates    int `json:"exact_duplicates"`
	SemanticDuplicates int `json:"semantic_duplicates"`
}

// DatabaseSummary covers the storage stage.
type DatabaseSummary struct {
	Inserted int `json:"inserted"`
	Failed   int `json:"failed"`
}

// APISummary counts provider calls and per-provider failures.
type APISummary struct {
	TotalCalls         int            `json:"total_calls"`
	ByProvider         map[string]int `json:"by_provider"`
	FailuresByProvider map[string]int `json:"failures_by_provider,omitempty"`
}

// ErrorSummary aggregates classified errors.
type ErrorSummary struct {
	ByCategory    map[string]int `json:"by_category"`
	BySeverity    map[string]int `json:"by_severity"`
	CriticalCount int            `json:"critical_count"`
	CriticalDetails []string     `json:"critical_error_details,omitempty"`
}

// EmbeddingCacheSummary mirrors the embedding cache counters.
type EmbeddingCacheSummary struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Summary is the deep snapshot of the whole run.
type Summary struct {
	Execution      ExecutionSummary                       `json:"execution"`
	Generation     GenerationSummary                      `json:"generation"`
	Evaluation     EvaluationSummary                      `json:"evaluation"`
	Deduplication  DedupSummary                           `json:"deduplication"`
	Database       DatabaseSummary                        `json:"database"`
	API            APISummary                             `json:"api"`
	Cost           map[string]map[string]llm.ModelCostSummary `json:"cost"`
	TotalCostUSD   float64                                `json:"total_cost_usd"`
	Errors         ErrorSummary                           `json:"error_classification"`
	Retry          llm.RetrySnapshot                      `json:"retry"`
	CircuitBreaker map[string]llm.BreakerStats            `json:"circuit_breaker"`
	StageDurations map[string]float64                     `json:"stage_durations"`
	EmbeddingCache EmbeddingCacheSummary                  `json:"embedding_cache"`
}

// Tracker accumulates run metrics. All updates take the tracker mutex;
// Summary returns a deep copy so callers never alias live state.
type Tracker struct {
	mu sync.Mutex

	startedAt   time.Time
	completedAt time.Time

	generation GenerationSummary
	evaluation EvaluationSummary
	scoreSum   float64
	scoreCount int

	dedup    DedupSummary
	database DatabaseSummary
	api      APISummary
	errors   ErrorSummary

	stageDurations map[string]float64

	costs        *llm.CostTracker
	retryMetrics *llm.RetryMetrics
	registry     *llm.Registry
	embedder     *embeddings.Service
}

// NewTracker creates a Tracker wired to the shared accounting structures;
// any of them may be nil.
func NewTracker(costs *llm.CostTracker, retryMetrics *llm.RetryMetrics, registry *llm.Registry, embedder *embeddings.Service) *Tracker {
	return &Tracker{
		startedAt: time.Now(),
		generation: GenerationSummary{
			ByProvider:   make(map[string]int),
			ByType:       make(map[string]int),
			ByDifficulty: make(map[string]int),
		},
		api: APISummary{
			ByProvider:         make(map[string]int),
			FailuresByProvider: make(map[string]int),
		},
		errors: ErrorSummary{
			ByCategory: make(map[string]int),
			BySeverity: make(map[string]int),
		},
		stageDurations: make(map[string]float64),
		costs:          costs,
		retryMetrics:   retryMetrics,
		registry:       registry,
		embedder:       embedder,
	}
}

// Finish marks the end of the run.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedAt = time.Now()
}

// TimeStage runs fn and records its duration under name.
func (t *Tracker) TimeStage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start).Seconds()

	t.mu.Lock()
	t.stageDurations[name] = elapsed
	t.mu.Unlock()

	logging.L_debug("run: stage timed", "stage", name, "seconds", elapsed)
	return err
}

// RecordGenerationBatch folds one generation batch into the totals.
func (t *Tracker) RecordGenerationBatch(qType types.QuestionType, difficulty types.DifficultyLevel, requested, generated, failed int, byProvider map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation.Requested += requested
	t.generation.Generated += generated
	t.generation.Failed += failed
	t.generation.ByType[string(qType)] += generated
	t.generation.ByDifficulty[string(difficulty)] += generated
	for provider, n := range byProvider {
		t.generation.ByProvider[provider] += n
		t.api.ByProvider[provider] += n
		t.api.TotalCalls += n
	}
}

// RecordGenerationError appends to the bounded recent-error list.
func (t *Tracker) RecordGenerationError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation.RecentErrors = append(t.generation.RecentErrors, msg)
	if len(t.generation.RecentErrors) > maxRecentErrors {
		t.generation.RecentErrors = t.generation.RecentErrors[len(t.generation.RecentErrors)-maxRecentErrors:]
	}
}

// RecordEvaluation folds the judge stage outcome into the totals.
// scores are the overall scores of successfully evaluated items.
func (t *Tracker) RecordEvaluation(evaluated, approved, rejected, failed int, scores []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evaluation.Evaluated += evaluated
	t.evaluation.Approved += approved
	t.evaluation.Rejected += rejected
	t.evaluation.Failed += failed

	for _, s := range scores {
		if t.scoreCount == 0 {
			t.evaluation.MinScore = s
			t.evaluation.MaxScore = s
		} else {
			if s < t.evaluation.MinScore {
				t.evaluation.MinScore = s
			}
			if s > t.evaluation.MaxScore {
				t.evaluation.MaxScore = s
			}
		}
		t.scoreSum += s
		t.scoreCount++
	}
	if t.scoreCount > 0 {
		t.evaluation.AvgScore = t.scoreSum / float64(t.scoreCount)
	}
}

// RecordDedup folds the dedup stage outcome into the totals.
func (t *Tracker) RecordDedup(checked, exact, semantic int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dedup.Checked += checked
	t.dedup.ExactDuplicates += exact
	t.dedup.SemanticDuplicates += semantic
	t.dedup.DuplicatesFound += exact + semantic
}

// RecordInserted counts stored questions.
func (t *Tracker) RecordInserted(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.database.Inserted += n
}

// RecordInsertFailed counts storage failures.
func (t *Tracker) RecordInsertFailed(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.database.Failed += n
}

// RecordAPICall counts a provider call outside generation accounting
// (judge calls, embedding calls).
func (t *Tracker) RecordAPICall(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.api.TotalCalls++
	t.api.ByProvider[provider]++
}

// RecordClassifiedError folds a classified error into the taxonomy and
// attributes the failure to its provider.
func (t *Tracker) RecordClassifiedError(ce *llm.ClassifiedError) {
	if ce == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errors.ByCategory[string(ce.Category)]++
	t.errors.BySeverity[string(ce.Severity)]++
	if ce.Provider != "" {
		t.api.FailuresByProvider[ce.Provider]++
	}
	if ce.Severity == llm.SeverityCritical {
		t.errors.CriticalCount++
		if len(t.errors.CriticalDetails) < maxRecentErrors {
			t.errors.CriticalDetails = append(t.errors.CriticalDetails, ce.Error())
		}
	}
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Summary returns a deep snapshot of everything recorded so far,
// pulling live state from the cost tracker, retry metrics, breaker
// registry and embedding cache.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()

	completed := t.completedAt
	if completed.IsZero() {
		completed = time.Now()
	}

	s := Summary{
		Execution: ExecutionSummary{
			StartedAt:       t.startedAt,
			CompletedAt:     completed,
			DurationSeconds: completed.Sub(t.startedAt).Seconds(),
		},
		Generation: GenerationSummary{
			Requested:    t.generation.Requested,
			Generated:    t.generation.Generated,
			Failed:       t.generation.Failed,
			ByProvider:   copyIntMap(t.generation.ByProvider),
			ByType:       copyIntMap(t.generation.ByType),
			ByDifficulty: copyIntMap(t.generation.ByDifficulty),
			RecentErrors: append([]string(nil), t.generation.RecentErrors...),
		},
		Evaluation:    t.evaluation,
		Deduplication: t.dedup,
		Database:      t.database,
		API: APISummary{
			TotalCalls:         t.api.TotalCalls,
			ByProvider:         copyIntMap(t.api.ByProvider),
			FailuresByProvider: copyIntMap(t.api.FailuresByProvider),
		},
		Errors: ErrorSummary{
			ByCategory:      copyIntMap(t.errors.ByCategory),
			BySeverity:      copyIntMap(t.errors.BySeverity),
			CriticalCount:   t.errors.CriticalCount,
			CriticalDetails: append([]string(nil), t.errors.CriticalDetails...),
		},
		StageDurations: make(map[string]float64, len(t.stageDurations)),
	}
	for k, v := range t.stageDurations {
		s.StageDurations[k] = v
	}
	t.mu.Unlock()

	// Live snapshots from the shared structures, outside our own lock;
	// each guards itself.
	if t.costs != nil {
		s.Cost = t.costs.Summary()
		s.TotalCostUSD = t.costs.TotalUSD()
	}
	if t.retryMetrics != nil {
		s.Retry = t.retryMetrics.Snapshot()
	}
	if t.registry != nil {
		s.CircuitBreaker = t.registry.BreakerStats()
	}
	if t.embedder != nil {
		cache := t.embedder.Stats()
		s.EmbeddingCache = EmbeddingCacheSummary{
			Hits:   cache.Hits,
			Misses: cache.Misses,
			Size:   cache.Size,
		}
		if total := cache.Hits + cache.Misses; total > 0 {
			s.EmbeddingCache.HitRate = float64(cache.Hits) / float64(total)
		}
	}
	return s
}

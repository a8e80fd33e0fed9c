package llm

import (
	"sync"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// ModelPricing is USD per 1M tokens.
type ModelPricing struct {
	Input  float64
	Output float64
}

// defaultPricing is the conservative rate applied to unknown models so
// unpriced usage still shows up in the run cost instead of vanishing.
var defaultPricing = ModelPricing{Input: 5.00, Output: 15.00}

// modelPricing is the static pricing table, USD per 1M tokens.
var modelPricing = map[string]ModelPricing{
	// Anthropic
	"claude-opus-4-5":          {Input: 5.00, Output: 25.00},
	"claude-sonnet-4-5":        {Input: 3.00, Output: 15.00},
	"claude-haiku-4-5":         {Input: 1.00, Output: 5.00},
	"claude-opus-4-1":          {Input: 15.00, Output: 75.00},
	"claude-sonnet-4-0":        {Input: 3.00, Output: 15.00},
	"claude-3-7-sonnet-latest": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku-latest":  {Input: 0.80, Output: 4.00},

	// OpenAI
	"gpt-5.2":                {Input: 1.25, Output: 10.00},
	"gpt-5.1":                {Input: 1.25, Output: 10.00},
	"gpt-5":                  {Input: 1.25, Output: 10.00},
	"gpt-5-mini":             {Input: 0.25, Output: 2.00},
	"o4-mini":                {Input: 1.10, Output: 4.40},
	"o3":                     {Input: 2.00, Output: 8.00},
	"gpt-4.1":                {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":           {Input: 0.40, Output: 1.60},
	"gpt-4o":                 {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":            {Input: 0.15, Output: 0.60},
	"text-embedding-3-small": {Input: 0.02, Output: 0},
	"text-embedding-3-large": {Input: 0.13, Output: 0},

	// xAI
	"grok-4-1":                {Input: 3.00, Output: 15.00},
	"grok-4-1-fast-reasoning": {Input: 0.20, Output: 0.50},
	"grok-4":                  {Input: 3.00, Output: 15.00},
	"grok-4-fast":             {Input: 0.20, Output: 0.50},
	"grok-3":                  {Input: 3.00, Output: 15.00},
	"grok-3-mini":             {Input: 0.30, Output: 0.50},
}

// PricingFor returns the pricing for a model, or the conservative default
// for unknown models.
func PricingFor(model string) ModelPricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	return defaultPricing
}

// CalculateCost computes the USD cost of one usage record.
// Pricing is per 1M tokens.
func CalculateCost(usage *types.TokenUsage) float64 {
	if usage == nil {
		return 0
	}
	p := PricingFor(usage.Model)
	return float64(usage.InputTokens)*p.Input/1_000_000 +
		float64(usage.OutputTokens)*p.Output/1_000_000
}

// CostRecord is one priced usage entry in the recent-records buffer.
type CostRecord struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// ModelCostSummary is the running total for one provider/model pair.
type ModelCostSummary struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Requests     int     `json:"requests"`
}

// defaultRecentRecords bounds the recent-records ring buffer.
const defaultRecentRecords = 100

// CostTracker accumulates per-provider, per-model token and dollar totals
// plus a bounded buffer of recent records. Thread-safe.
type CostTracker struct {
	mu         sync.Mutex
	byProvider map[string]map[string]*ModelCostSummary
	recent     []CostRecord
	recentMax  int
	recentNext int
	totalUSD   float64
}

// NewCostTracker creates an empty tracker with the default buffer size.
func NewCostTracker() *CostTracker {
	return &CostTracker{
		byProvider: make(map[string]map[string]*ModelCostSummary),
		recentMax:  defaultRecentRecords,
	}
}

// Record prices a usage record and folds it into the running totals.
// Returns the USD cost of this record.
func (t *CostTracker) Record(usage *types.TokenUsage) float64 {
	if usage == nil {
		return 0
	}
	cost := CalculateCost(usage)

	t.mu.Lock()
	defer t.mu.Unlock()

	models, ok := t.byProvider[usage.Provider]
	if !ok {
		models = make(map[string]*ModelCostSummary)
		t.byProvider[usage.Provider] = models
	}
	summary, ok := models[usage.Model]
	if !ok {
		summary = &ModelCostSummary{}
		models[usage.Model] = summary
	}
	summary.InputTokens += usage.InputTokens
	summary.OutputTokens += usage.OutputTokens
	summary.CostUSD += cost
	summary.Requests++
	t.totalUSD += cost

	record := CostRecord{
		Provider:     usage.Provider,
		Model:        usage.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now(),
	}
	if len(t.recent) < t.recentMax {
		t.recent = append(t.recent, record)
	} else {
		t.recent[t.recentNext] = record
		t.recentNext = (t.recentNext + 1) % t.recentMax
	}

	if usage.Estimated {
		logging.L_debug("cost: recorded estimated usage", "provider", usage.Provider, "model", usage.Model, "costUSD", cost)
	}
	return cost
}

// TotalUSD returns the total cost across all providers.
func (t *CostTracker) TotalUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalUSD
}

// Summary returns a deep copy of the per-provider, per-model totals.
func (t *CostTracker) Summary() map[string]map[string]ModelCostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]map[string]ModelCostSummary, len(t.byProvider))
	for provider, models := range t.byProvider {
		m := make(map[string]ModelCostSummary, len(models))
		for model, s := range models {
			m[model] = *s
		}
		out[provider] = m
	}
	return out
}

// Recent returns the recent records, oldest first.
func (t *CostTracker) Recent() []CostRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.recent) < t.recentMax {
		out := make([]CostRecord, len(t.recent))
		copy(out, t.recent)
		return out
	}
	out := make([]CostRecord, 0, t.recentMax)
	out = append(out, t.recent[t.recentNext:]...)
	out = append(out, t.recent[:t.recentNext]...)
	return out
}

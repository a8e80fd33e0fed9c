// Package report ships the finished run summary to the backend audit
// endpoint. Reporting is strictly best-effort: no failure here may ever
// fail the run.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/run"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// Config configures the reporter.
type Config struct {
	BackendURL  string        `yaml:"backend_url"`
	ServiceKey  string        `yaml:"service_key"`
	Environment string        `yaml:"environment"`
	TriggeredBy string        `yaml:"triggered_by"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Reporter POSTs run summaries to <backend>/v1/admin/generation-runs.
type Reporter struct {
	cfg    Config
	client *http.Client
}

// New creates a Reporter. A 30s transport timeout applies unless
// configured otherwise.
func New(cfg Config) *Reporter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reporter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// ProviderMetrics is the per-provider block of the payload.
type ProviderMetrics struct {
	Generated int `json:"generated"`
	APICalls  int `json:"api_calls"`
	Failures  int `json:"failures"`
}

// ErrorSummaryPayload is the classified-error block of the payload.
type ErrorSummaryPayload struct {
	ByCategory    map[string]int `json:"by_category"`
	BySeverity    map[string]int `json:"by_severity"`
	CriticalCount int            `json:"critical_count"`
}

// Payload is the wire shape of one generation run report.
type Payload struct {
	StartedAt       string  `json:"started_at"`
	CompletedAt     string  `json:"completed_at"`
	DurationSeconds float64 `json:"duration_seconds"`
	Status          string  `json:"status"`
	ExitCode        int     `json:"exit_code"`

	QuestionsRequested    int     `json:"questions_requested"`
	QuestionsGenerated    int     `json:"questions_generated"`
	GenerationFailures    int     `json:"generation_failures"`
	GenerationSuccessRate float64 `json:"generation_success_rate"`

	QuestionsEvaluated int     `json:"questions_evaluated"`
	QuestionsApproved  int     `json:"questions_approved"`
	QuestionsRejected  int     `json:"questions_rejected"`
	ApprovalRate       float64 `json:"approval_rate"`

	AvgArbiterScore float64 `json:"avg_arbiter_score"`
	MinArbiterScore float64 `json:"min_arbiter_score"`
	MaxArbiterScore float64 `json:"max_arbiter_score"`

	DuplicatesFound    int     `json:"duplicates_found"`
	ExactDuplicates    int     `json:"exact_duplicates"`
	SemanticDuplicates int     `json:"semantic_duplicates"`
	DuplicateRate      float64 `json:"duplicate_rate"`

	QuestionsInserted  int `json:"questions_inserted"`
	InsertionFailures  int `json:"insertion_failures"`

	OverallSuccessRate float64 `json:"overall_success_rate"`
	TotalErrors        int     `json:"total_errors"`
	TotalAPICalls      int     `json:"total_api_calls"`

	ProviderMetrics   map[string]ProviderMetrics `json:"provider_metrics,omitempty"`
	TypeMetrics       map[string]int             `json:"type_metrics,omitempty"`
	DifficultyMetrics map[string]int             `json:"difficulty_metrics,omitempty"`
	ErrorSummary      *ErrorSummaryPayload       `json:"error_summary,omitempty"`

	PromptVersion            string  `json:"prompt_version,omitempty"`
	ArbiterConfigVersion     string  `json:"arbiter_config_version,omitempty"`
	MinArbiterScoreThreshold float64 `json:"min_arbiter_score_threshold,omitempty"`
	Environment              string  `json:"environment,omitempty"`
	TriggeredBy              string  `json:"triggered_by,omitempty"`
}

// RunInfo carries the run-level fields that live outside the summary.
type RunInfo struct {
	ExitCode             int
	PromptVersion        string
	ArbiterConfigVersion string
	MinArbiterScore      float64
}

// statusForExitCode maps the pipeline exit code to a run status; exit
// codes outside the known set derive the status from how much of the
// requested work actually landed.
func statusForExitCode(code, inserted, requested int) string {
	switch code {
	case 0:
		return "success"
	case 3:
		return "partial_failure"
	case 1, 2, 4, 5, 6:
		return "failed"
	}
	switch {
	case inserted == 0:
		return "failed"
	case inserted < requested:
		return "partial_failure"
	default:
		return "success"
	}
}

// normalizeEnumKeys canonicalizes map keys against valid, preserving
// keys that match no canonical value.
func normalizeEnumKeys(m map[string]int, valid func(string) bool) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		canonical := strings.ToLower(strings.TrimSpace(k))
		if valid(canonical) {
			out[canonical] += v
		} else {
			out[k] += v
		}
	}
	return out
}

func ratio(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// BuildPayload flattens the run summary into the reporter wire shape.
func (r *Reporter) BuildPayload(s run.Summary, info RunInfo) Payload {
	p := Payload{
		StartedAt:       s.Execution.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt:     s.Execution.CompletedAt.UTC().Format(time.RFC3339),
		DurationSeconds: s.Execution.DurationSeconds,
		Status:          statusForExitCode(info.ExitCode, s.Database.Inserted, s.Generation.Requested),
		ExitCode:        info.ExitCode,

		QuestionsRequested:    s.Generation.Requested,
		QuestionsGenerated:    s.Generation.Generated,
		GenerationFailures:    s.Generation.Failed,
		GenerationSuccessRate: ratio(s.Generation.Generated, s.Generation.Requested),

		QuestionsEvaluated: s.Evaluation.Evaluated,
		QuestionsApproved:  s.Evaluation.Approved,
		QuestionsRejected:  s.Evaluation.Rejected,
		ApprovalRate:       ratio(s.Evaluation.Approved, s.Evaluation.Evaluated),

		AvgArbiterScore: s.Evaluation.AvgScore,
		MinArbiterScore: s.Evaluation.MinScore,
		MaxArbiterScore: s.Evaluation.MaxScore,

		DuplicatesFound:    s.Deduplication.DuplicatesFound,
		ExactDuplicates:    s.Deduplication.ExactDuplicates,
		SemanticDuplicates: s.Deduplication.SemanticDuplicates,
		DuplicateRate:      ratio(s.Deduplication.DuplicatesFound, s.Deduplication.Checked),

		QuestionsInserted: s.Database.Inserted,
		InsertionFailures: s.Database.Failed,

		OverallSuccessRate: ratio(s.Database.Inserted, s.Generation.Requested),
		TotalAPICalls:      s.API.TotalCalls,

		TypeMetrics:       normalizeEnumKeys(s.Generation.ByType, func(k string) bool { return types.QuestionType(k).IsValid() }),
		DifficultyMetrics: normalizeEnumKeys(s.Generation.ByDifficulty, func(k string) bool { return types.DifficultyLevel(k).IsValid() }),

		PromptVersion:            info.PromptVersion,
		ArbiterConfigVersion:     info.ArbiterConfigVersion,
		MinArbiterScoreThreshold: info.MinArbiterScore,
		Environment:              r.cfg.Environment,
		TriggeredBy:              r.cfg.TriggeredBy,
	}

	for _, n := range s.Errors.ByCategory {
		p.TotalErrors += n
	}
	if len(s.Errors.ByCategory) > 0 || len(s.Errors.BySeverity) > 0 || s.Errors.CriticalCount > 0 {
		p.ErrorSummary = &ErrorSummaryPayload{
			ByCategory:    s.Errors.ByCategory,
			BySeverity:    s.Errors.BySeverity,
			CriticalCount: s.Errors.CriticalCount,
		}
	}

	if len(s.Generation.ByProvider) > 0 || len(s.API.ByProvider) > 0 || len(s.API.FailuresByProvider) > 0 {
		p.ProviderMetrics = make(map[string]ProviderMetrics)
		for provider, generated := range s.Generation.ByProvider {
			pm := p.ProviderMetrics[provider]
			pm.Generated = generated
			p.ProviderMetrics[provider] = pm
		}
		for provider, calls := range s.API.ByProvider {
			pm := p.ProviderMetrics[provider]
			pm.APICalls = calls
			p.ProviderMetrics[provider] = pm
		}
		for provider, failures := range s.API.FailuresByProvider {
			pm := p.ProviderMetrics[provider]
			pm.Failures = failures
			p.ProviderMetrics[provider] = pm
		}
	}

	return p
}

// ReportRun POSTs the summary. Returns the backend's run id, or empty
// string on any failure; failures are logged, never propagated.
func (r *Reporter) ReportRun(ctx context.Context, s run.Summary, info RunInfo) string {
	if r.cfg.BackendURL == "" {
		logging.L_debug("report: no backend configured, skipping")
		return ""
	}

	payload := r.BuildPayload(s, info)
	body, err := json.Marshal(payload)
	if err != nil {
		logging.L_error("report: marshaling payload failed", "error", err)
		return ""
	}

	url := strings.TrimRight(r.cfg.BackendURL, "/") + "/v1/admin/generation-runs"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		logging.L_error("report: building request failed", "error", err)
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Key", r.cfg.ServiceKey)

	resp, err := r.client.Do(req)
	if err != nil {
		logging.L_warn("report: posting run summary failed", "error", err, "url", url)
		return ""
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		logging.L_warn("report: backend rejected run summary",
			"status", resp.StatusCode, "body", strings.TrimSpace(string(respBody)))
		return ""
	}

	var created struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil || created.ID == nil {
		logging.L_warn("report: created but response carried no id", "body", strings.TrimSpace(string(respBody)))
		return ""
	}

	id := fmt.Sprintf("%v", created.ID)
	logging.L_info("report: run recorded", "id", id, "status", payload.Status)
	return id
}

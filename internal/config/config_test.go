package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/observability"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

const minimalConfig = `
database_path: /tmp/questions.db
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
    model: claude-sonnet-4-5
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath != "/tmp/questions.db" {
		t.Errorf("database_path = %q", cfg.DatabasePath)
	}
	if cfg.Providers["anthropic"].Model != "claude-sonnet-4-5" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	// Defaults fill in for everything unspecified.
	if len(cfg.Generation.Types) != 6 || len(cfg.Generation.Difficulties) != 3 {
		t.Errorf("generation defaults = %+v", cfg.Generation)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.DedupSettings().SimilarityThreshold != 0.85 {
		t.Errorf("dedup defaults = %+v", cfg.DedupSettings())
	}
	if !cfg.DedupSettings().FailOpen {
		t.Error("dedup must default to fail-open")
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("MINDFORGE_TEST_KEY", "sk-from-env")
	doc := strings.Replace(minimalConfig, "sk-test", "${MINDFORGE_TEST_KEY}", 1)
	cfg, err := Load(writeFile(t, "config.yaml", doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want value from environment", cfg.Providers["anthropic"].APIKey)
	}
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	doc := strings.Replace(minimalConfig, "api_key: sk-test", "api_key: \"\"", 1)
	if _, err := Load(writeFile(t, "config.yaml", doc)); err == nil {
		t.Fatal("Load must reject a provider without an api key")
	}
}

func TestLoadRejectsUnknownType(t *testing.T) {
	doc := minimalConfig + `
generation:
  count_per_cell: 2
  types: [logic, riddles]
`
	if _, err := Load(writeFile(t, "config.yaml", doc)); err == nil {
		t.Fatal("Load must reject unknown question types")
	}
}

const judgeDoc = `
version: "1.3"
min_judge_score: 0.75
evaluation_criteria:
  clarity: 0.35
  validity: 0.35
  formatting: 0.15
  creativity: 0.15
difficulty_placement:
  downgrade_threshold: 0.4
  upgrade_threshold: 0.8
  too_easy_patterns: ["too easy"]
  too_hard_patterns: ["too hard"]
default_judge:
  model: gpt-5
  provider: openai
  rationale: strongest grader in evals
  enabled: true
timeout_seconds: 45
judges:
  pattern: {provider: openai, model: gpt-5}
  logic: {provider: anthropic, model: claude-opus-4-5}
  spatial: {provider: openai, model: gpt-5}
  math: {provider: anthropic, model: claude-opus-4-5}
  verbal: {provider: openai, model: gpt-5}
  memory: {provider: openai, model: gpt-5}
`

func TestLoadJudge(t *testing.T) {
	cfg, version, err := LoadJudge(writeFile(t, "judge.yaml", judgeDoc))
	if err != nil {
		t.Fatalf("LoadJudge: %v", err)
	}
	if version != "1.3" {
		t.Errorf("version = %q", version)
	}
	if cfg.MinScore != 0.75 {
		t.Errorf("minScore = %v", cfg.MinScore)
	}
	if cfg.Timeout != 45*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.DefaultJudge.Provider != "openai" || cfg.DefaultJudge.Model != "gpt-5" {
		t.Errorf("default judge = %+v", cfg.DefaultJudge)
	}
	if ref := cfg.Judges[types.TypeLogic]; ref.Model != "claude-opus-4-5" {
		t.Errorf("logic judge = %+v", ref)
	}
	if len(cfg.Placement.TooEasyPatterns) != 1 {
		t.Errorf("placement = %+v", cfg.Placement)
	}
}

func TestLoadJudgeRejectsBadWeights(t *testing.T) {
	doc := strings.Replace(judgeDoc, "clarity: 0.35", "clarity: 0.95", 1)
	if _, _, err := LoadJudge(writeFile(t, "judge.yaml", doc)); err == nil {
		t.Fatal("LoadJudge must reject weights not summing to 1")
	}
}

func TestLoadJudgeRejectsMissingType(t *testing.T) {
	doc := strings.Replace(judgeDoc, "  memory: {provider: openai, model: gpt-5}\n", "", 1)
	if _, _, err := LoadJudge(writeFile(t, "judge.yaml", doc)); err == nil {
		t.Fatal("LoadJudge must require all six question types")
	}
}

func TestLoadJudgeRejectsDisabledDefault(t *testing.T) {
	doc := strings.Replace(judgeDoc, "enabled: true", "enabled: false", 1)
	if _, _, err := LoadJudge(writeFile(t, "judge.yaml", doc)); err == nil {
		t.Fatal("LoadJudge must require an enabled default judge")
	}
}

func TestLoadJudgeDefaultsWithoutPath(t *testing.T) {
	cfg, version, err := LoadJudge("")
	if err != nil {
		t.Fatalf("LoadJudge: %v", err)
	}
	if version != "" || cfg.MinScore != 0.7 {
		t.Errorf("defaults = %+v version %q", cfg, version)
	}
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("MINDFORGE_TEST_DSN", "https://ingest.example/42")
	path := writeFile(t, "observability.yaml", `
error_tracker:
  enabled: true
  dsn: ${MINDFORGE_TEST_DSN}
  sample_rate: 1.0
metrics_tracker:
  enabled: false
routing:
  errors: both
  metrics: metrics_tracker
  traces: metrics_tracker
`)
	cfg, err := LoadObservability(path, "mindforge", "test")
	if err != nil {
		t.Fatalf("LoadObservability: %v", err)
	}
	if !cfg.ErrorTrackerEnabled || cfg.MetricsTrackerEnabled {
		t.Errorf("enable flags = %+v", cfg)
	}
	if cfg.Routing.Errors != observability.RouteBoth {
		t.Errorf("routing = %+v", cfg.Routing)
	}
}

func TestLoadObservabilityDefaultsWithoutPath(t *testing.T) {
	cfg, err := LoadObservability("", "mindforge", "test")
	if err != nil {
		t.Fatalf("LoadObservability: %v", err)
	}
	if !cfg.ErrorTrackerEnabled || !cfg.MetricsTrackerEnabled {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.ServiceName != "mindforge" || cfg.Environment != "test" {
		t.Errorf("identity = %+v", cfg)
	}
}

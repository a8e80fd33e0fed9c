// Package config loads the pipeline's YAML configuration documents:
// the main pipeline config, the judge config and the observability
// config. String values support ${ENV_VAR} substitution.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/mindforge/internal/dedup"
	"github.com/roelfdiedericks/mindforge/internal/llm"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/observability"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// GenerationConfig sets the requested batch shape.
type GenerationConfig struct {
	CountPerCell int      `yaml:"count_per_cell"`
	Types        []string `yaml:"types"`
	Difficulties []string `yaml:"difficulties"`
	Distribute   bool     `yaml:"distribute"`
	Temperature  float64  `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`

	// RegenerateRejected retries each judge-rejected question once with
	// the reviewer feedback folded into the prompt.
	RegenerateRejected bool `yaml:"regenerate_rejected"`
}

// BackendConfig points at the audit backend for run reporting.
type BackendConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// DedupConfig mirrors the deduplicator settings.
type DedupConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	FailOpen            *bool   `yaml:"fail_open"`
}

// Config is the main pipeline configuration document.
type Config struct {
	Environment string `yaml:"environment"`
	TriggeredBy string `yaml:"triggered_by"`

	DatabasePath string `yaml:"database_path"`

	Providers map[string]llm.ProviderConfig `yaml:"providers"`

	Generation GenerationConfig `yaml:"generation"`
	Retry      llm.RetryConfig  `yaml:"retry"`
	Dedup      DedupConfig      `yaml:"dedup"`

	Backend BackendConfig `yaml:"backend"`

	JudgeConfigPath         string `yaml:"judge_config"`
	ObservabilityConfigPath string `yaml:"observability_config"`
}

// envVarRe matches ${NAME} placeholders.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv expands ${NAME} placeholders from the environment.
// Unset variables expand to empty with a warning.
func substituteEnv(raw []byte) []byte {
	return envVarRe.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := string(envVarRe.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			logging.L_warn("config: environment variable not set", "var", name)
		}
		return []byte(value)
	})
}

func loadYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(substituteEnv(raw), out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Load reads and validates the main pipeline config.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Environment: "development",
		TriggeredBy: "manual",
		Generation: GenerationConfig{
			CountPerCell: 5,
			Temperature:  0.8,
			MaxTokens:    4096,
			Distribute:   true,
		},
		Retry: llm.DefaultRetryConfig(),
		Dedup: DedupConfig{SimilarityThreshold: dedup.DefaultSimilarityThreshold},
	}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("config: database_path is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("config: at least one provider is required")
	}
	for name, p := range cfg.Providers {
		if p.APIKey == "" {
			return nil, fmt.Errorf("config: provider %s has no api key", name)
		}
	}
	if len(cfg.Generation.Types) == 0 {
		cfg.Generation.Types = []string{"pattern", "logic", "spatial", "math", "verbal", "memory"}
	}
	for _, t := range cfg.Generation.Types {
		if !types.QuestionType(t).IsValid() {
			return nil, fmt.Errorf("config: unknown question type %q", t)
		}
	}
	if len(cfg.Generation.Difficulties) == 0 {
		cfg.Generation.Difficulties = []string{"easy", "medium", "hard"}
	}
	for _, d := range cfg.Generation.Difficulties {
		if !types.DifficultyLevel(d).IsValid() {
			return nil, fmt.Errorf("config: unknown difficulty %q", d)
		}
	}
	if cfg.Generation.CountPerCell <= 0 {
		return nil, fmt.Errorf("config: count_per_cell must be positive")
	}
	if cfg.Dedup.SimilarityThreshold <= 0 || cfg.Dedup.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("config: similarity_threshold must be in (0,1]")
	}

	logging.L_info("config: loaded", "path", path,
		"providers", len(cfg.Providers),
		"types", len(cfg.Generation.Types),
		"difficulties", len(cfg.Generation.Difficulties))
	return cfg, nil
}

// DedupSettings converts the YAML block into the deduplicator config.
func (c *Config) DedupSettings() dedup.Config {
	out := dedup.DefaultConfig()
	out.SimilarityThreshold = c.Dedup.SimilarityThreshold
	if c.Dedup.FailOpen != nil {
		out.FailOpen = *c.Dedup.FailOpen
	}
	return out
}

// ObservabilityConfig is the observability YAML document.
type ObservabilityConfig struct {
	ErrorTracker struct {
		Enabled bool    `yaml:"enabled"`
		DSN     string  `yaml:"dsn"`
		Sample  float64 `yaml:"sample_rate"`
	} `yaml:"error_tracker"`
	MetricsTracker struct {
		Enabled  bool    `yaml:"enabled"`
		Endpoint string  `yaml:"endpoint"`
		Sample   float64 `yaml:"sample_rate"`
	} `yaml:"metrics_tracker"`
	Routing observability.RoutingConfig `yaml:"routing"`
}

// LoadObservability reads the observability YAML document. A missing
// path yields a fully enabled default.
func LoadObservability(path, serviceName, environment string) (observability.Config, error) {
	out := observability.DefaultConfig()
	out.ServiceName = serviceName
	out.Environment = environment
	if path == "" {
		return out, nil
	}

	var doc ObservabilityConfig
	if err := loadYAML(path, &doc); err != nil {
		return out, err
	}
	out.ErrorTrackerEnabled = doc.ErrorTracker.Enabled
	out.MetricsTrackerEnabled = doc.MetricsTracker.Enabled
	if doc.Routing != (observability.RoutingConfig{}) {
		out.Routing = doc.Routing
	}
	return out, nil
}

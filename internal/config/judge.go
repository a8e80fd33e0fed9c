package config

import (
	"fmt"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/judge"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// DefaultJudgeDoc is the default_judge block of the judge document.
type DefaultJudgeDoc struct {
	Model         string `yaml:"model"`
	Provider      string `yaml:"provider"`
	Rationale     string `yaml:"rationale"`
	Enabled       bool   `yaml:"enabled"`
	Fallback      string `yaml:"fallback"`
	FallbackModel string `yaml:"fallback_model"`
}

// JudgeDoc is the judge configuration YAML document.
type JudgeDoc struct {
	Version            string                     `yaml:"version"`
	MinJudgeScore      float64                    `yaml:"min_judge_score"`
	EvaluationCriteria types.ScoreWeights         `yaml:"evaluation_criteria"`
	DifficultyPlacement judge.PlacementConfig     `yaml:"difficulty_placement"`
	DefaultJudge       DefaultJudgeDoc            `yaml:"default_judge"`
	Judges             map[string]judge.ModelRef  `yaml:"judges"`
	MaxConcurrent      int64                      `yaml:"max_concurrent"`
	TimeoutSeconds     int                        `yaml:"timeout_seconds"`
}

// requiredJudgeTypes are the question-type keys every judge document
// must map.
var requiredJudgeTypes = []types.QuestionType{
	types.TypePattern, types.TypeLogic, types.TypeSpatial,
	types.TypeMath, types.TypeVerbal, types.TypeMemory,
}

// LoadJudge reads and validates the judge YAML document, returning the
// resolved judge configuration plus the document version for run
// reporting.
func LoadJudge(path string) (judge.Config, string, error) {
	cfg := judge.DefaultConfig()
	if path == "" {
		logging.L_warn("config: no judge config, using defaults")
		return cfg, "", nil
	}

	var doc JudgeDoc
	if err := loadYAML(path, &doc); err != nil {
		return cfg, "", err
	}

	if doc.MinJudgeScore < 0 || doc.MinJudgeScore > 1 {
		return cfg, "", fmt.Errorf("judge config: min_judge_score %v outside [0,1]", doc.MinJudgeScore)
	}
	if doc.MinJudgeScore > 0 {
		cfg.MinScore = doc.MinJudgeScore
	}
	if doc.EvaluationCriteria != (types.ScoreWeights{}) {
		cfg.Weights = doc.EvaluationCriteria
	}
	if sum := cfg.Weights.Clarity + cfg.Weights.Validity + cfg.Weights.Formatting + cfg.Weights.Creativity; sum < 0.99 || sum > 1.01 {
		return cfg, "", fmt.Errorf("judge config: evaluation_criteria weights sum to %v, want 1", sum)
	}
	if doc.DifficultyPlacement.DowngradeThreshold > 0 || doc.DifficultyPlacement.UpgradeThreshold > 0 {
		cfg.Placement = doc.DifficultyPlacement
	}
	if doc.MaxConcurrent > 0 {
		cfg.MaxConcurrent = doc.MaxConcurrent
	}
	if doc.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(doc.TimeoutSeconds) * time.Second
	}

	if !doc.DefaultJudge.Enabled {
		return cfg, "", fmt.Errorf("judge config: default_judge must be enabled")
	}
	if doc.DefaultJudge.Model == "" || doc.DefaultJudge.Provider == "" {
		return cfg, "", fmt.Errorf("judge config: default_judge needs model and provider")
	}
	cfg.DefaultJudge = judge.ModelRef{
		Provider: doc.DefaultJudge.Provider,
		Model:    doc.DefaultJudge.Model,
	}

	cfg.Judges = make(map[types.QuestionType]judge.ModelRef, len(doc.Judges))
	for key, ref := range doc.Judges {
		qType := types.NormalizeQuestionType(key)
		if !qType.IsValid() {
			return cfg, "", fmt.Errorf("judge config: unknown question type %q", key)
		}
		if ref.Model == "" || ref.Provider == "" {
			return cfg, "", fmt.Errorf("judge config: judge for %q needs model and provider", key)
		}
		cfg.Judges[qType] = ref
	}
	for _, qType := range requiredJudgeTypes {
		if _, ok := cfg.Judges[qType]; !ok {
			return cfg, "", fmt.Errorf("judge config: missing judge for type %q", qType)
		}
	}

	logging.L_info("config: judge loaded", "path", path, "version", doc.Version,
		"minScore", cfg.MinScore, "judges", len(cfg.Judges))
	return cfg, doc.Version, nil
}

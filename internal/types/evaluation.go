package types

import "fmt"

// EvaluationScore holds the judge's rubric scores for a single question.
// All sub-scores are in [0,1]. Overall is the weighted sum of the four
// acceptance criteria (clarity, validity, formatting, creativity).
// Difficulty is placement-only and never contributes to Overall.
type EvaluationScore struct {
	Clarity    float64 `json:"clarity_score"`
	Difficulty float64 `json:"difficulty_score"`
	Validity   float64 `json:"validity_score"`
	Formatting float64 `json:"formatting_score"`
	Creativity float64 `json:"creativity_score"`
	Feedback   string  `json:"feedback,omitempty"`
	Overall    float64 `json:"overall"`
}

// ScoreWeights are the acceptance weights applied to the rubric.
// They must sum to 1 within a 0.01 tolerance.
type ScoreWeights struct {
	Clarity    float64 `yaml:"clarity" json:"clarity"`
	Validity   float64 `yaml:"validity" json:"validity"`
	Formatting float64 `yaml:"formatting" json:"formatting"`
	Creativity float64 `yaml:"creativity" json:"creativity"`
}

// DefaultScoreWeights mirror the shipped judge configuration.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Clarity:    0.35,
		Validity:   0.35,
		Formatting: 0.15,
		Creativity: 0.15,
	}
}

// WeightSumTolerance is the allowed drift of the weight sum from 1.0.
const WeightSumTolerance = 0.01

// Validate checks that the weights sum to 1 within tolerance.
func (w ScoreWeights) Validate() error {
	sum := w.Clarity + w.Validity + w.Formatting + w.Creativity
	if sum < 1-WeightSumTolerance || sum > 1+WeightSumTolerance {
		return fmt.Errorf("evaluation weights must sum to 1 +/- %.2f, got %.4f", WeightSumTolerance, sum)
	}
	return nil
}

// ComputeOverall sets and returns the weighted overall score.
// Difficulty is deliberately excluded: it drives placement, not acceptance.
func (s *EvaluationScore) ComputeOverall(w ScoreWeights) float64 {
	s.Overall = w.Clarity*s.Clarity +
		w.Validity*s.Validity +
		w.Formatting*s.Formatting +
		w.Creativity*s.Creativity
	return s.Overall
}

// Validate checks that every sub-score is within [0,1].
func (s *EvaluationScore) Validate() error {
	fields := map[string]float64{
		"clarity_score":    s.Clarity,
		"difficulty_score": s.Difficulty,
		"validity_score":   s.Validity,
		"formatting_score": s.Formatting,
		"creativity_score": s.Creativity,
	}
	for name, v := range fields {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s out of range [0,1]: %v", name, v)
		}
	}
	return nil
}

// EvaluatedQuestion pairs a candidate with its evaluation outcome.
type EvaluatedQuestion struct {
	Question   GeneratedQuestion `json:"question"`
	Evaluation EvaluationScore   `json:"evaluation"`
	JudgeModel string            `json:"judge_model"`
	Approved   bool              `json:"approved"`
}

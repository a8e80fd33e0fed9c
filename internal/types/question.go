// Package types defines the domain model shared across the generation pipeline.
package types

import (
	"fmt"
	"strings"
)

// QuestionType is the cognitive category of a question.
type QuestionType string

const (
	TypePattern QuestionType = "pattern"
	TypeLogic   QuestionType = "logic"
	TypeSpatial QuestionType = "spatial"
	TypeMath    QuestionType = "math"
	TypeVerbal  QuestionType = "verbal"
	TypeMemory  QuestionType = "memory"
)

// AllQuestionTypes lists every valid question type.
var AllQuestionTypes = []QuestionType{
	TypePattern, TypeLogic, TypeSpatial, TypeMath, TypeVerbal, TypeMemory,
}

// IsValid returns true if t is a known question type.
func (t QuestionType) IsValid() bool {
	switch t {
	case TypePattern, TypeLogic, TypeSpatial, TypeMath, TypeVerbal, TypeMemory:
		return true
	}
	return false
}

// NormalizeQuestionType maps a free-form string onto a canonical type.
// Unknown values are returned lowercased but otherwise untouched so they
// stay visible downstream instead of being silently dropped.
func NormalizeQuestionType(s string) QuestionType {
	return QuestionType(strings.ToLower(strings.TrimSpace(s)))
}

// DifficultyLevel is the target difficulty of a question.
type DifficultyLevel string

const (
	DifficultyEasy   DifficultyLevel = "easy"
	DifficultyMedium DifficultyLevel = "medium"
	DifficultyHard   DifficultyLevel = "hard"
)

// AllDifficultyLevels lists every valid difficulty.
var AllDifficultyLevels = []DifficultyLevel{
	DifficultyEasy, DifficultyMedium, DifficultyHard,
}

// IsValid returns true if d is a known difficulty level.
func (d DifficultyLevel) IsValid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Downgrade returns the next easier level (easy stays easy).
func (d DifficultyLevel) Downgrade() DifficultyLevel {
	switch d {
	case DifficultyHard:
		return DifficultyMedium
	case DifficultyMedium:
		return DifficultyEasy
	default:
		return DifficultyEasy
	}
}

// Upgrade returns the next harder level (hard stays hard).
func (d DifficultyLevel) Upgrade() DifficultyLevel {
	switch d {
	case DifficultyEasy:
		return DifficultyMedium
	case DifficultyMedium:
		return DifficultyHard
	default:
		return DifficultyHard
	}
}

// Option count bounds for a multiple-choice question.
const (
	MinAnswerOptions = 4
	MaxAnswerOptions = 6
)

// GeneratedQuestion is a candidate item produced by the generator.
// It is ephemeral until accepted by the judge and written to storage.
type GeneratedQuestion struct {
	QuestionText    string            `json:"question_text"`
	QuestionType    QuestionType      `json:"question_type"`
	DifficultyLevel DifficultyLevel   `json:"difficulty_level"`
	CorrectAnswer   string            `json:"correct_answer"`
	AnswerOptions   []string          `json:"answer_options"`
	Explanation     string            `json:"explanation,omitempty"`
	Stimulus        string            `json:"stimulus,omitempty"` // required for memory questions
	SubType         string            `json:"sub_type,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	SourceLLM       string            `json:"source_llm,omitempty"`
	SourceModel     string            `json:"source_model,omitempty"`
}

// Validate enforces the structural invariants of a generated question:
// required fields present, option count within bounds, all options
// distinct, correct answer appearing exactly once, and a stimulus for
// memory questions that is not leaked into the question text.
func (q *GeneratedQuestion) Validate() error {
	if strings.TrimSpace(q.QuestionText) == "" {
		return fmt.Errorf("question_text is empty")
	}
	if !q.QuestionType.IsValid() {
		return fmt.Errorf("invalid question_type: %q", q.QuestionType)
	}
	if !q.DifficultyLevel.IsValid() {
		return fmt.Errorf("invalid difficulty_level: %q", q.DifficultyLevel)
	}
	if n := len(q.AnswerOptions); n < MinAnswerOptions || n > MaxAnswerOptions {
		return fmt.Errorf("answer_options must have %d-%d entries, got %d",
			MinAnswerOptions, MaxAnswerOptions, n)
	}

	seen := make(map[string]bool, len(q.AnswerOptions))
	matches := 0
	for _, opt := range q.AnswerOptions {
		if seen[opt] {
			return fmt.Errorf("duplicate answer option: %q", opt)
		}
		seen[opt] = true
		if opt == q.CorrectAnswer {
			matches++
		}
	}
	if matches != 1 {
		return fmt.Errorf("correct_answer must appear exactly once in answer_options, found %d", matches)
	}

	if q.QuestionType == TypeMemory {
		if strings.TrimSpace(q.Stimulus) == "" {
			return fmt.Errorf("memory question requires a stimulus")
		}
		if strings.Contains(q.QuestionText, q.Stimulus) {
			return fmt.Errorf("stimulus must not be embedded in question_text")
		}
	}
	return nil
}

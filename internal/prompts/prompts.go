// Package prompts builds the generation, judge and regeneration prompts.
// All builders are pure functions of their inputs so a given input always
// produces byte-identical output.
package prompts

import (
	"fmt"
	"strings"

	"github.com/roelfdiedericks/mindforge/internal/types"
)

// Version tags every prompt this package builds. It is persisted with
// each stored question so scoring drift can be traced back to prompt
// changes.
const Version = "v2.1"

const generationPreamble = `You are an expert cognitive-assessment item writer. You create multiple-choice questions that measure reasoning ability, not trivia knowledge. Every question must have exactly one defensible correct answer and plausible distractors.`

const judgePreamble = `You are a strict quality reviewer for cognitive-assessment questions. Score the question below on the rubric. Be demanding: a question an expert would consider publishable scores above 0.8, a mediocre one near 0.5, a broken one below 0.3.`

// typeBlocks describe what each question type measures and how items
// should be constructed.
var typeBlocks = map[types.QuestionType]string{
	types.TypePattern: `Question type: PATTERN RECOGNITION.
Present a sequence (numbers, letters, or shapes described in text) with a discoverable rule. Ask for the next element or the missing element. The rule must be unambiguous once found.`,

	types.TypeLogic: `Question type: LOGICAL REASONING.
Present premises and ask what necessarily follows (or cannot follow). Use syllogisms, conditionals, or ordering puzzles. Avoid trick wording; the difficulty must come from the inference chain.`,

	types.TypeSpatial: `Question type: SPATIAL REASONING.
Describe a spatial configuration in text (rotations, reflections, folds, assemblies). Ask what the configuration looks like after a transformation. The description must be precise enough to solve without a picture.`,

	types.TypeMath: `Question type: MATHEMATICAL REASONING.
Pose a quantitative problem solvable with mental arithmetic or short derivation. Test reasoning about quantities, rates, or proportions rather than rote computation.`,

	types.TypeVerbal: `Question type: VERBAL REASONING.
Use analogies, odd-one-out, or precise word relationships. Words must be common enough that vocabulary is not the obstacle; the relationship is.`,

	types.TypeMemory: `Question type: MEMORY.
Provide a "stimulus": a short passage or list the test-taker studies and which is then HIDDEN before the question is shown. The question asks about details of the stimulus. The stimulus goes in the separate "stimulus" field, NEVER inside question_text.`,
}

var difficultyBlocks = map[types.DifficultyLevel]string{
	types.DifficultyEasy: `Difficulty: EASY. Solvable by most adults in under 30 seconds. One inference step. Distractors are clearly wrong once the rule is seen.`,

	types.DifficultyMedium: `Difficulty: MEDIUM. Requires 30-90 seconds and two or three inference steps. At least one distractor reflects a plausible wrong approach.`,

	types.DifficultyHard: `Difficulty: HARD. Requires sustained reasoning over multiple steps. Distractors reflect near-miss reasoning; only careful work separates them from the answer.`,
}

// GenerationSchema is the JSON shape generation responses must follow.
const GenerationSchema = `{
  "questions": [
    {
      "question_text": "string",
      "question_type": "string",
      "difficulty_level": "string",
      "correct_answer": "string",
      "answer_options": ["string", "string", "string", "string"],
      "explanation": "string",
      "stimulus": "string (memory questions only)",
      "sub_type": "string (optional)"
    }
  ]
}`

// JudgeSchema is the JSON shape judge responses must follow: exactly the
// five rubric fields plus feedback.
const JudgeSchema = `{
  "clarity_score": 0.0,
  "difficulty_score": 0.0,
  "validity_score": 0.0,
  "formatting_score": 0.0,
  "creativity_score": 0.0,
  "feedback": "string"
}`

const workedExample = `Example of a well-formed item (pattern, medium):
{
  "question_text": "What is the next number in the sequence: 2, 6, 12, 20, 30, ... ?",
  "question_type": "pattern",
  "difficulty_level": "medium",
  "correct_answer": "42",
  "answer_options": ["40", "42", "44", "56"],
  "explanation": "Differences increase by 2 (4, 6, 8, 10), so the next difference is 12 and the next term is 42."
}`

// BuildGenerationPrompt composes the prompt asking for count questions of
// the given type and difficulty.
func BuildGenerationPrompt(qType types.QuestionType, difficulty types.DifficultyLevel, count int) string {
	var b strings.Builder
	b.WriteString(generationPreamble)
	b.WriteString("\n\n")
	b.WriteString(typeBlocks[qType])
	b.WriteString("\n\n")
	b.WriteString(difficultyBlocks[difficulty])
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Generate exactly %d question(s).\n", count)
	b.WriteString(`Rules:
- Provide 4 to 6 answer options, all distinct.
- correct_answer must appear verbatim, exactly once, in answer_options.
- Include a brief explanation of the correct answer.`)
	if qType == types.TypeMemory {
		b.WriteString("\n- Put the study material in the stimulus field only; question_text must not repeat it.")
	}
	b.WriteString("\n\n")
	b.WriteString(workedExample)
	b.WriteString("\n\nRespond with JSON matching this schema:\n")
	b.WriteString(GenerationSchema)
	return b.String()
}

// BuildJudgePrompt composes the evaluation prompt for one question.
// For memory questions the stimulus appears in its own labeled block with
// shown-then-hidden delivery spelled out so the judge does not penalize
// the delivery mechanism.
func BuildJudgePrompt(questionText string, options []string, correct string, qType types.QuestionType, difficulty types.DifficultyLevel, stimulus string) string {
	var b strings.Builder
	b.WriteString(judgePreamble)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Question type: %s\nIntended difficulty: %s\n", qType, difficulty)

	if stimulus != "" {
		b.WriteString(`
=== STIMULUS (study material) ===
`)
		b.WriteString(stimulus)
		b.WriteString(`
=== END STIMULUS ===
Delivery note: the stimulus is SHOWN to the test-taker first and then HIDDEN before the question appears. This shown-then-hidden mechanism is handled by the testing platform. Do NOT penalize the question for relying on hidden material or for how the stimulus is delivered.
`)
	}

	b.WriteString("\nQuestion:\n")
	b.WriteString(questionText)
	b.WriteString("\n\nAnswer options:\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	fmt.Fprintf(&b, "\nStated correct answer: %s\n", correct)

	b.WriteString(`
Score each dimension in [0,1]:
- clarity_score: is the question unambiguous and well worded?
- difficulty_score: how hard is it really? (0 = trivial, 1 = very hard; judged independently of the intended difficulty)
- validity_score: is the stated correct answer the single defensible answer, and are distractors genuinely wrong?
- formatting_score: are options parallel, distinct, and free of giveaways?
- creativity_score: is the item fresh rather than a cliche?
Also give one or two sentences of feedback.

Respond with JSON matching this schema exactly:
`)
	b.WriteString(JudgeSchema)
	return b.String()
}

// BuildRegenerationPrompt asks a model to fix a question that failed
// review, given the judge's scores and feedback.
func BuildRegenerationPrompt(original types.GeneratedQuestion, feedback string, scores types.EvaluationScore, qType types.QuestionType, difficulty types.DifficultyLevel) string {
	var b strings.Builder
	b.WriteString(generationPreamble)
	b.WriteString("\n\n")
	b.WriteString("A previously generated question failed quality review. Produce ONE improved replacement that fixes the reviewer's complaints while keeping the same type and difficulty.\n\n")
	b.WriteString(typeBlocks[qType])
	b.WriteString("\n\n")
	b.WriteString(difficultyBlocks[difficulty])

	b.WriteString("\n\nOriginal question:\n")
	b.WriteString(original.QuestionText)
	b.WriteString("\nOriginal options:\n")
	for i, opt := range original.AnswerOptions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	fmt.Fprintf(&b, "Original correct answer: %s\n", original.CorrectAnswer)
	if original.Stimulus != "" {
		fmt.Fprintf(&b, "Original stimulus: %s\n", original.Stimulus)
	}

	fmt.Fprintf(&b, `
Reviewer scores:
- clarity: %.2f
- difficulty: %.2f
- validity: %.2f
- formatting: %.2f
- creativity: %.2f
Reviewer feedback: %s
`, scores.Clarity, scores.Difficulty, scores.Validity, scores.Formatting, scores.Creativity, feedback)

	b.WriteString("\nRespond with JSON matching this schema (a single-element questions array):\n")
	b.WriteString(GenerationSchema)
	return b.String()
}

// Package pipeline drives a generation run end to end: generation,
// evaluation, deduplication, storage and reporting, in that order.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/roelfdiedericks/mindforge/internal/dedup"
	"github.com/roelfdiedericks/mindforge/internal/generator"
	"github.com/roelfdiedericks/mindforge/internal/judge"
	"github.com/roelfdiedericks/mindforge/internal/llm"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/observability"
	"github.com/roelfdiedericks/mindforge/internal/report"
	"github.com/roelfdiedericks/mindforge/internal/run"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

// Exit codes of one pipeline run.
const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitNoQuestions = 2
	ExitPartial     = 3
	ExitDatabase    = 4
	ExitNoProviders = 5
	ExitFatal       = 6
)

// Cell is one (type, difficulty) generation request.
type Cell struct {
	Type       types.QuestionType
	Difficulty types.DifficultyLevel
	Count      int
}

// Options are the per-run knobs.
type Options struct {
	Cells       []Cell
	Distribute  bool
	Temperature float64
	MaxTokens   int
	DryRun      bool

	// RegenerateRejected gives every judge-rejected question one
	// regeneration attempt carrying the reviewer feedback.
	RegenerateRejected bool

	PromptVersion        string
	ArbiterConfigVersion string
	MinArbiterScore      float64
}

// Storage is the slice of the store the pipeline needs.
type Storage interface {
	ExistingQuestionTexts(ctx context.Context) ([]string, error)
	InsertEvaluatedQuestionsBatch(ctx context.Context, list []types.EvaluatedQuestion) ([]string, error)
}

// Pipeline wires the stages together. Construct with New.
type Pipeline struct {
	generator *generator.Generator
	judge     *judge.Judge
	deduper   *dedup.Deduplicator
	store     Storage
	tracker   *run.Tracker
	reporter  *report.Reporter
	obs       *observability.Facade
	opts      Options
}

// New creates a Pipeline. reporter and obs may be nil; store may be nil
// only for dry runs.
func New(gen *generator.Generator, j *judge.Judge, deduper *dedup.Deduplicator, store Storage, tracker *run.Tracker, reporter *report.Reporter, obs *observability.Facade, opts Options) *Pipeline {
	if obs == nil {
		obs = observability.Default()
	}
	return &Pipeline{
		generator: gen,
		judge:     j,
		deduper:   deduper,
		store:     store,
		tracker:   tracker,
		reporter:  reporter,
		obs:       obs,
		opts:      opts,
	}
}

// Run executes the full pipeline and returns the process exit code.
// Reporting runs even on failure paths so every run leaves an audit
// record.
func (p *Pipeline) Run(ctx context.Context) int {
	ctx, endRun := p.obs.StartSpan(ctx, "pipeline.run")
	defer endRun()

	exitCode := p.runStages(ctx)

	p.tracker.Finish()
	summary := p.tracker.Summary()
	p.logSummary(summary, exitCode)

	if p.reporter != nil && !p.opts.DryRun {
		// The reporter gets its own context: a cancelled run still
		// deserves an audit record.
		reportCtx, endReport := p.obs.StartSpan(context.WithoutCancel(ctx), "pipeline.report")
		defer endReport()
		if id := p.reporter.ReportRun(reportCtx, summary, report.RunInfo{
			ExitCode:             exitCode,
			PromptVersion:        p.opts.PromptVersion,
			ArbiterConfigVersion: p.opts.ArbiterConfigVersion,
			MinArbiterScore:      p.opts.MinArbiterScore,
		}); id != "" {
			logging.L_info("pipeline: run reported", "runId", id)
		}
	}
	return exitCode
}

func (p *Pipeline) runStages(ctx context.Context) int {
	candidates, err := p.generate(ctx)
	if err != nil {
		if errors.Is(err, generator.ErrNoProvidersAvailable) {
			logging.L_error("pipeline: no providers available", "error", err)
			return ExitNoProviders
		}
		logging.L_error("pipeline: generation failed", "error", err)
		return ExitFatal
	}
	if len(candidates) == 0 {
		logging.L_error("pipeline: generation produced no questions")
		return ExitNoQuestions
	}
	if ctx.Err() != nil {
		return ExitFatal
	}

	approved, rejected := p.evaluate(ctx, candidates)
	if ctx.Err() != nil {
		return ExitFatal
	}
	if p.opts.RegenerateRejected && len(rejected) > 0 {
		approved = append(approved, p.regenerate(ctx, rejected)...)
	}
	if len(approved) == 0 {
		logging.L_error("pipeline: no questions approved by the judge")
		return ExitNoQuestions
	}

	unique := p.deduplicate(ctx, approved)
	if len(unique) == 0 {
		logging.L_error("pipeline: every approved question was a duplicate")
		return ExitNoQuestions
	}
	if ctx.Err() != nil {
		return ExitFatal
	}

	inserted, err := p.persist(ctx, unique)
	if err != nil {
		logging.L_error("pipeline: storage failed", "error", err)
		p.obs.CaptureError(ctx, err, map[string]any{"stage": "storage"})
		return ExitDatabase
	}

	requested := 0
	for _, cell := range p.opts.Cells {
		requested += cell.Count
	}
	switch {
	case inserted == 0:
		return ExitNoQuestions
	case inserted < requested:
		return ExitPartial
	default:
		return ExitSuccess
	}
}

// generate runs every requested (type, difficulty) cell.
func (p *Pipeline) generate(ctx context.Context) ([]types.GeneratedQuestion, error) {
	var out []types.GeneratedQuestion
	err := p.tracker.TimeStage("generation", func() error {
		ctx, end := p.obs.StartSpan(ctx, "pipeline.generation")
		defer end()

		for _, cell := range p.opts.Cells {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			batch, err := p.generator.GenerateBatch(ctx, cell.Type, cell.Difficulty, cell.Count, p.opts.Distribute, p.opts.Temperature, p.opts.MaxTokens)
			if batch != nil {
				p.tracker.RecordGenerationBatch(cell.Type, cell.Difficulty, batch.Stats.Requested, batch.Stats.Generated, batch.Stats.Failures, batch.Stats.ByProvider)
				for _, ce := range batch.Stats.Errors {
					p.tracker.RecordClassifiedError(ce)
				}
				out = append(out, batch.Questions...)
			}
			if err != nil {
				if errors.Is(err, generator.ErrNoProvidersAvailable) {
					return err
				}
				p.recordClassified(err)
				p.tracker.RecordGenerationError(fmt.Sprintf("%s/%s: %v", cell.Type, cell.Difficulty, err))
				logging.L_warn("pipeline: cell failed, continuing", "type", cell.Type, "difficulty", cell.Difficulty, "error", err)
			}
		}
		return nil
	})
	return out, err
}

// evaluate runs the async judge and splits the results into approved
// and rejected items.
func (p *Pipeline) evaluate(ctx context.Context, candidates []types.GeneratedQuestion) (approved, rejected []types.EvaluatedQuestion) {
	_ = p.tracker.TimeStage("evaluation", func() error {
		ctx, end := p.obs.StartSpan(ctx, "pipeline.evaluation")
		defer end()

		evaluated, stats := p.judge.EvaluateQuestions(ctx, candidates, p.opts.Temperature, p.opts.MaxTokens)

		scores := make([]float64, 0, len(evaluated))
		for _, ev := range evaluated {
			scores = append(scores, ev.Evaluation.Overall)
			if ev.Approved {
				approved = append(approved, ev)
			} else {
				rejected = append(rejected, ev)
			}
		}
		failed := stats.BreakerSkips + stats.Timeouts + stats.OtherErrors
		p.tracker.RecordEvaluation(stats.Evaluated, stats.Approved, stats.Rejected, failed, scores)
		for _, itemErr := range stats.FailedErrors {
			p.recordClassified(itemErr)
		}
		return nil
	})
	return approved, rejected
}

// recordClassified folds err into the run's error taxonomy when it
// carries a provider classification.
func (p *Pipeline) recordClassified(err error) {
	var ce *llm.ClassifiedError
	if errors.As(err, &ce) {
		p.tracker.RecordClassifiedError(ce)
	}
}

// regenerate gives each rejected question one replacement attempt and
// re-judges the replacements; only replacements the judge approves
// survive.
func (p *Pipeline) regenerate(ctx context.Context, rejected []types.EvaluatedQuestion) []types.EvaluatedQuestion {
	var recovered []types.EvaluatedQuestion
	_ = p.tracker.TimeStage("regeneration", func() error {
		ctx, end := p.obs.StartSpan(ctx, "pipeline.regeneration")
		defer end()

		var replacements []types.GeneratedQuestion
		for _, ev := range rejected {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			replacement, err := p.generator.RegenerateQuestion(ctx, ev, p.opts.Temperature, p.opts.MaxTokens)
			if err != nil {
				p.recordClassified(err)
				logging.L_warn("pipeline: regeneration failed", "type", ev.Question.QuestionType, "error", err)
				continue
			}
			replacements = append(replacements, *replacement)
		}
		if len(replacements) == 0 {
			return nil
		}

		evaluated, stats := p.judge.EvaluateQuestions(ctx, replacements, p.opts.Temperature, p.opts.MaxTokens)
		scores := make([]float64, 0, len(evaluated))
		for _, ev := range evaluated {
			scores = append(scores, ev.Evaluation.Overall)
			if ev.Approved {
				recovered = append(recovered, ev)
			}
		}
		failed := stats.BreakerSkips + stats.Timeouts + stats.OtherErrors
		p.tracker.RecordEvaluation(stats.Evaluated, stats.Approved, stats.Rejected, failed, scores)
		for _, itemErr := range stats.FailedErrors {
			p.recordClassified(itemErr)
		}
		logging.L_info("pipeline: regeneration recovered questions",
			"rejected", len(rejected), "recovered", len(recovered))
		return nil
	})
	return recovered
}

// deduplicate filters approved questions against the stored corpus and
// against the questions accepted earlier in this run.
func (p *Pipeline) deduplicate(ctx context.Context, approved []types.EvaluatedQuestion) []types.EvaluatedQuestion {
	var unique []types.EvaluatedQuestion
	_ = p.tracker.TimeStage("deduplication", func() error {
		ctx, end := p.obs.StartSpan(ctx, "pipeline.deduplication")
		defer end()

		var corpus []string
		if p.store != nil {
			existing, err := p.store.ExistingQuestionTexts(ctx)
			if err != nil {
				logging.L_warn("pipeline: loading existing corpus failed, checking within run only", "error", err)
			} else {
				corpus = existing
			}
		}

		exact, semantic := 0, 0
		for _, ev := range approved {
			result, err := p.deduper.CheckDuplicate(ctx, ev.Question.QuestionText, corpus)
			if err != nil {
				// Fail-closed deduper: skip the candidate.
				logging.L_warn("pipeline: duplicate check failed, dropping candidate", "error", err)
				continue
			}
			if result.IsDuplicate {
				switch result.DuplicateType {
				case dedup.DuplicateExact:
					exact++
				case dedup.DuplicateSemantic:
					semantic++
				}
				logging.L_debug("pipeline: duplicate dropped",
					"type", result.DuplicateType, "score", result.SimilarityScore)
				continue
			}
			unique = append(unique, ev)
			// Later candidates in this run must not duplicate earlier ones.
			corpus = append(corpus, ev.Question.QuestionText)
		}
		p.tracker.RecordDedup(len(approved), exact, semantic)
		return nil
	})
	return unique
}

// persist bulk-inserts the surviving questions.
func (p *Pipeline) persist(ctx context.Context, unique []types.EvaluatedQuestion) (int, error) {
	if p.opts.DryRun {
		logging.L_info("pipeline: dry run, skipping storage", "wouldInsert", len(unique))
		return len(unique), nil
	}
	if p.store == nil {
		return 0, errors.New("no store configured")
	}

	inserted := 0
	err := p.tracker.TimeStage("storage", func() error {
		ctx, end := p.obs.StartSpan(ctx, "pipeline.storage")
		defer end()

		ids, err := p.store.InsertEvaluatedQuestionsBatch(ctx, unique)
		if err != nil {
			p.tracker.RecordInsertFailed(len(unique))
			return err
		}
		inserted = len(ids)
		p.tracker.RecordInserted(inserted)
		return nil
	})
	return inserted, err
}

func (p *Pipeline) logSummary(s run.Summary, exitCode int) {
	logging.L_info("pipeline: run complete",
		"exitCode", exitCode,
		"requested", s.Generation.Requested,
		"generated", s.Generation.Generated,
		"approved", s.Evaluation.Approved,
		"duplicates", s.Deduplication.DuplicatesFound,
		"inserted", s.Database.Inserted,
		"durationSeconds", fmt.Sprintf("%.1f", s.Execution.DurationSeconds),
		"totalCostUSD", fmt.Sprintf("%.4f", s.TotalCostUSD))
	for provider, n := range s.Generation.ByProvider {
		logging.L_debug("pipeline: provider contribution", "provider", provider, "generated", n)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/mindforge/internal/config"
	"github.com/roelfdiedericks/mindforge/internal/dedup"
	"github.com/roelfdiedericks/mindforge/internal/embeddings"
	"github.com/roelfdiedericks/mindforge/internal/generator"
	"github.com/roelfdiedericks/mindforge/internal/judge"
	"github.com/roelfdiedericks/mindforge/internal/llm"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/observability"
	"github.com/roelfdiedericks/mindforge/internal/pipeline"
	"github.com/roelfdiedericks/mindforge/internal/prompts"
	"github.com/roelfdiedericks/mindforge/internal/report"
	"github.com/roelfdiedericks/mindforge/internal/run"
	"github.com/roelfdiedericks/mindforge/internal/store"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

const version = "0.1.0"

type cli struct {
	Config string `short:"c" default:"mindforge.yaml" help:"Path to the pipeline config."`
	Debug  bool   `help:"Enable debug logging."`

	Generate generateCmd `cmd:"" default:"withargs" help:"Run the question generation pipeline."`
	Models   modelsCmd   `cmd:"" help:"List models available on each configured provider."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

type versionCmd struct{}

func (v *versionCmd) Run() error {
	fmt.Printf("mindforge %s (prompts %s)\n", version, prompts.Version)
	return nil
}

type modelsCmd struct{}

func (m *modelsCmd) Run(cfg *config.Config) error {
	registry, err := llm.NewRegistryFromConfig(cfg.Providers, llm.DefaultBreakerConfig())
	if err != nil {
		return err
	}
	defer registry.Cleanup()

	ctx := context.Background()
	for _, name := range registry.Names() {
		p, _ := registry.Get(name)
		models, err := p.FetchAvailableModels(ctx)
		if err != nil || len(models) == 0 {
			models = p.AvailableModels()
		}
		fmt.Printf("%s (%s):\n", name, p.Type())
		for _, model := range models {
			fmt.Printf("  %s\n", model)
		}
	}
	return nil
}

type generateCmd struct {
	Count        int      `help:"Questions per (type, difficulty) cell; overrides config."`
	Types        []string `help:"Question types to generate; overrides config."`
	Difficulties []string `help:"Difficulty levels to generate; overrides config."`
	DryRun       bool     `help:"Run the full pipeline without writing to the database."`
	NoDistribute bool     `help:"Pin generation to the first available provider."`
}

func (g *generateCmd) Run(cfg *config.Config) error {
	// The pipeline reports its outcome through the exit code; kong's
	// error path would flatten it to 1.
	os.Exit(g.execute(cfg))
	return nil
}

func (g *generateCmd) execute(cfg *config.Config) int {
	if g.Count > 0 {
		cfg.Generation.CountPerCell = g.Count
	}
	if len(g.Types) > 0 {
		cfg.Generation.Types = g.Types
	}
	if len(g.Difficulties) > 0 {
		cfg.Generation.Difficulties = g.Difficulties
	}
	if g.NoDistribute {
		cfg.Generation.Distribute = false
	}

	judgeCfg, judgeVersion, err := config.LoadJudge(cfg.JudgeConfigPath)
	if err != nil {
		logging.L_error("invalid judge config", "error", err)
		return pipeline.ExitConfigError
	}
	obsCfg, err := config.LoadObservability(cfg.ObservabilityConfigPath, "mindforge", cfg.Environment)
	if err != nil {
		logging.L_error("invalid observability config", "error", err)
		return pipeline.ExitConfigError
	}
	observability.Init(obsCfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Shutdown(context.Background())

	registry, err := llm.NewRegistryFromConfig(cfg.Providers, llm.DefaultBreakerConfig())
	if err != nil {
		logging.L_error("provider setup failed", "error", err)
		return pipeline.ExitConfigError
	}
	defer registry.Cleanup()

	costs := llm.NewCostTracker()
	retryMetrics := llm.NewRetryMetrics()

	embedSvc, err := embeddings.New(registry.FirstEmbedder(), embeddings.DefaultCacheSize)
	if err != nil {
		logging.L_error("embedding service setup failed", "error", err)
		return pipeline.ExitConfigError
	}

	var storage pipeline.Storage
	if !g.DryRun {
		db, err := store.Open(cfg.DatabasePath, embedSvc, prompts.Version)
		if err != nil {
			logging.L_error("opening database failed", "error", err, "path", cfg.DatabasePath)
			return pipeline.ExitDatabase
		}
		defer db.Close()
		storage = db
	}

	gen := generator.New(registry, cfg.Retry, retryMetrics, costs)
	j, err := judge.New(registry, judgeCfg, cfg.Retry, retryMetrics, costs)
	if err != nil {
		logging.L_error("judge setup failed", "error", err)
		return pipeline.ExitConfigError
	}
	deduper := dedup.New(embedSvc, cfg.DedupSettings())
	tracker := run.NewTracker(costs, retryMetrics, registry, embedSvc)
	j.SetAPICallObserver(tracker.RecordAPICall)
	embedSvc.SetAPICallObserver(tracker.RecordAPICall)

	var reporter *report.Reporter
	if cfg.Backend.URL != "" {
		reporter = report.New(report.Config{
			BackendURL:  cfg.Backend.URL,
			ServiceKey:  cfg.Backend.ServiceKey,
			Environment: cfg.Environment,
			TriggeredBy: cfg.TriggeredBy,
		})
	}

	var cells []pipeline.Cell
	for _, t := range cfg.Generation.Types {
		for _, d := range cfg.Generation.Difficulties {
			cells = append(cells, pipeline.Cell{
				Type:       types.QuestionType(t),
				Difficulty: types.DifficultyLevel(d),
				Count:      cfg.Generation.CountPerCell,
			})
		}
	}

	p := pipeline.New(gen, j, deduper, storage, tracker, reporter, observability.Default(), pipeline.Options{
		Cells:                cells,
		Distribute:           cfg.Generation.Distribute,
		Temperature:          cfg.Generation.Temperature,
		MaxTokens:            cfg.Generation.MaxTokens,
		DryRun:               g.DryRun,
		RegenerateRejected:   cfg.Generation.RegenerateRejected,
		PromptVersion:        prompts.Version,
		ArbiterConfigVersion: judgeVersion,
		MinArbiterScore:      judgeCfg.MinScore,
	})
	return p.Run(ctx)
}

func main() {
	var args cli
	kctx := kong.Parse(&args,
		kong.Name("mindforge"),
		kong.Description("Multi-provider LLM question generation pipeline."),
		kong.UsageOnError(),
	)

	level := logging.LevelInfo
	if args.Debug {
		level = logging.LevelDebug
	}
	logging.Init(&logging.Config{Level: level, ShowCaller: args.Debug})
	logging.L_info("mindforge starting", "version", version)

	var cfg *config.Config
	if kctx.Command() != "version" {
		var err error
		cfg, err = config.Load(args.Config)
		if err != nil {
			logging.L_error("loading config failed", "error", err, "path", args.Config)
			os.Exit(pipeline.ExitConfigError)
		}
	}

	if err := kctx.Run(cfg); err != nil {
		logging.L_error("command failed", "error", err)
		os.Exit(1)
	}
}

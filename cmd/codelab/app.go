package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/config"
	"github.com/michaelbrown/codelab/internal/grading"
	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/logging"
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/storage/sqlite"
	"github.com/michaelbrown/codelab/internal/tutor"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return log, nil
}

// quietLogger is for interactive commands, where info logs would clutter the terminal.
func quietLogger(cfg *config.Config) (*zap.Logger, error) {
	c := *cfg
	c.Log.Level = "warn"
	if c.Log.OutputPath == "" || c.Log.OutputPath == "stdout" {
		c.Log.OutputPath = "stderr"
	}
	return newLogger(&c)
}

func openStore(cfg *config.Config) (*sqlite.SQLiteStore, error) {
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// newRunner builds the execution dispatcher for the configured mode.
func newRunner(cfg *config.Config, log *zap.Logger) (*sandbox.Dispatcher, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("loading language profiles: %w", err)
	}
	sc, err := cfg.SandboxConfig()
	if err != nil {
		return nil, err
	}
	d, err := sandbox.New(sc, registry, log)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	return d, nil
}

// newTutor builds the AI service. Without an API key the service is valid
// but unconfigured.
func newTutor(cfg *config.Config, runner grading.Runner, log *zap.Logger) (*tutor.Service, error) {
	personas, err := tutor.LoadPersonas(cfg.AI.PersonasDir)
	if err != nil {
		return nil, fmt.Errorf("loading personas: %w", err)
	}
	tc := tutor.Config{
		MaxIterations:    cfg.AI.MaxIterations,
		ContextMaxTokens: cfg.AI.ContextMaxTokens,
		Personas:         personas,
	}
	if !cfg.AIConfigured() {
		return tutor.NewService(nil, nil, runner, tc, log), nil
	}

	client := llm.NewClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model, log)
	var utility llm.Client
	if cfg.AI.UtilityModel != "" {
		utility = llm.NewClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.UtilityModel, log)
	}
	return tutor.NewService(client, utility, runner, tc, log), nil
}

// newGrader wires the tutor in as reviewer only when it can actually review.
func newGrader(runner grading.Runner, svc *tutor.Service, log *zap.Logger) *grading.Grader {
	var reviewer grading.Reviewer
	if svc.Configured() {
		reviewer = svc
	}
	return grading.New(runner, reviewer, log)
}

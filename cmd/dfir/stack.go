package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/config"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/extract"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/logging"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/orchestrator"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/reporter"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/sigma"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/store"
)

// stack is everything a pipeline run needs, built from one config.
type stack struct {
	cfg        *config.Config
	log        *logrus.Logger
	store      store.Store
	closeStore func() error
	orch       *orchestrator.Orchestrator
}

func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		fs, err := store.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() error { return nil }, nil
	}
}

func buildStack(ctx context.Context, cfg *config.Config, log *logrus.Logger, reg prometheus.Registerer) (*stack, error) {
	provider, err := extract.NewProvider(cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Endpoint, cfg.LLM.Timeout)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	opts := []extract.Option{
		extract.WithMaxPromptEvents(cfg.Pipeline.MaxPromptEvents),
		extract.WithLogger(log),
	}
	engine, err := sigma.NewDefault()
	if err != nil {
		log.WithError(err).Warn("sigma pre-screen disabled")
	} else {
		log.Debugf("sigma pre-screen loaded %d rule(s)", engine.RuleCount())
		opts = append(opts, extract.WithScreener(engine))
	}
	extractor := extract.NewLLMExtractor(provider, opts...)

	renderer, err := reporter.New()
	if err != nil {
		return nil, err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	orch := orchestrator.New(orchestrator.SettingsFromConfig(cfg), extractor, renderer, st, log,
		orchestrator.WithMetrics(orchestrator.NewMetrics(reg)))

	return &stack{cfg: cfg, log: log, store: st, closeStore: closeStore, orch: orch}, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/journal"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// app holds the long-lived components shared by the commands.
type app struct {
	cfg *domain.Config

	store   *dataset.Store
	journal *journal.Journal
	toolbox *agent.Toolbox

	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	worker *worker.Worker

	closers []func() error
}

// newToolApp builds only what the analyst tools need.
func newToolApp(cfg *domain.Config) (*app, error) {
	j, err := journal.Open(cfg.JournalDir)
	if err != nil {
		return nil, err
	}
	store := dataset.NewStore(cfg.Dataset.Root, cfg.Dataset.Folder)
	return &app{
		cfg:     cfg,
		store:   store,
		journal: j,
		toolbox: agent.NewToolbox(store, j, cfg.Agent.ToolFormat == "toon"),
	}, nil
}

// newApp also connects the repository, cache and event bus. With audit set,
// pipeline events are recorded by the audit worker.
func newApp(cfg *domain.Config, audit bool) (*app, error) {
	a, err := newToolApp(cfg)
	if err != nil {
		return nil, err
	}

	a.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)

	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Close)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	a.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	a.closers = append(a.closers, a.bus.Close)
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	if audit {
		a.worker = worker.NewWorker(a.bus, a.repo)
		if err := a.worker.Start(worker.Config{}); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to start audit worker: %w", err)
		}
		a.closers = append(a.closers, a.worker.Stop)
	}
	return a, nil
}

// orchestrator wires the scoring engine and the confirmation agent.
func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg

	engine, err := scoring.NewEngine(cfg.Scoring)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scoring engine: %w", err)
	}

	client, sel, err := llm.New(ctx, cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}
	client = llm.NewCached(client, cache.NewResponseCache(a.cache, cfg.Agent.ResponseCacheTTL))

	batchSize := llm.BatchSizeFor(cfg.Agent.Model, cfg.Agent.BatchSize)
	slog.Info("confirmation agent configured",
		"backend", sel.Backend,
		"model", sel.Model,
		"batch_size", batchSize,
		"max_concurrent", cfg.Agent.MaxConcurrent,
		"tool_format", cfg.Agent.ToolFormat,
	)

	systemPrompt := agent.LoadSystemPrompt(cfg.Agent.PromptFile, cfg.Agent.SystemPromptFile)

	return orchestrator.New(orchestrator.Options{
		Store:      a.store,
		Engine:     engine,
		Journal:    a.journal,
		Agent:      agent.New(client, sel.Model, a.toolbox, systemPrompt, cfg.Agent),
		Repository: a.repo,
		Bus:        a.bus,
		Model:      cfg.Agent.Model,
		BatchSize:  batchSize,
		ResultsDir: cfg.ResultsDir,
	}), nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("failed to close component", "error", err)
		}
	}
	a.closers = nil
}

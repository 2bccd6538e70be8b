package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/testmind-dev/tmrun/internal/executor"
	"github.com/testmind-dev/tmrun/internal/infrastructure/sqlite"
	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/orchestrator"
	"github.com/testmind-dev/tmrun/internal/secrets"
	"github.com/testmind-dev/tmrun/internal/tasks"
	"github.com/testmind-dev/tmrun/internal/tracing"
)

// services is the fully wired runtime shared by serve, run and projects.
type services struct {
	db         *sqlite.DB
	tracing    *tracing.Provider
	dispatcher *tasks.Dispatcher
	orch       *orchestrator.Orchestrator
}

func openStore() (*sqlite.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := sqlite.NewDB(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func buildServices() (*services, error) {
	db, err := openStore()
	if err != nil {
		return nil, err
	}

	box, err := secrets.NewBox(cfg.Secrets.Key)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	runner := executor.NewExecRunner()
	dispatcher := tasks.NewDispatcher(tasks.Options{
		Workers:    cfg.Tasks.Workers,
		QueueSize:  cfg.Tasks.QueueSize,
		MaxRetries: cfg.Tasks.MaxRetries,
	}).WithTracer(tp.Tracer())
	dispatcher.Register(tasks.KindAllureGenerate, tasks.NewAllureGenerator(runner))
	dispatcher.Register(tasks.KindRemediation, tasks.NewRemediator(db.ResultRepository()))

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Runs:     db.RunRepository(),
		Results:  db.ResultRepository(),
		Projects: db.ProjectRepository(),
		Commands: runner,
		Tasks:    dispatcher,
		Secrets:  box,
		Tracer:   tp.Tracer(),
	})

	log.Info(log.CatConfig, "Services ready", "db", db.Path(), "reports", cfg.ReportRoot(), "tracing", tp.Enabled())
	return &services{db: db, tracing: tp, dispatcher: dispatcher, orch: orch}, nil
}

func (s *services) Close(ctx context.Context) error {
	return errors.Join(s.tracing.Shutdown(ctx), s.db.Close())
}

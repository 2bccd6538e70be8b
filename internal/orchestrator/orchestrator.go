// Package orchestrator accepts run requests and drives each run through its
// background pipeline: workspace, dependencies, specs, runner config, port,
// execution, ingestion and finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/testmind-dev/tmrun/internal/cachemanager"
	"github.com/testmind-dev/tmrun/internal/config"
	"github.com/testmind-dev/tmrun/internal/executor"
	"github.com/testmind-dev/tmrun/internal/flags"
	"github.com/testmind-dev/tmrun/internal/git"
	"github.com/testmind-dev/tmrun/internal/ingest"
	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/metrics"
	"github.com/testmind-dev/tmrun/internal/ports"
	"github.com/testmind-dev/tmrun/internal/pubsub"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
	"github.com/testmind-dev/tmrun/internal/secrets"
	"github.com/testmind-dev/tmrun/internal/specs"
	"github.com/testmind-dev/tmrun/internal/tasks"
)

// projectTTL bounds how stale a cached project may be.
const projectTTL = 30 * time.Second

// InterruptedError is stored on runs found unfinished at startup.
const InterruptedError = "Interrupted: tmrun stopped before the run finished"

var errCanceled = errors.New(ingest.CanceledError)

// RunEvent is published on every run lifecycle change.
type RunEvent struct {
	RunID     string           `json:"runId"`
	ProjectID string           `json:"projectId"`
	Status    domain.RunStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	Summary   *domain.Summary  `json:"summary,omitempty"`
}

// TaskSubmitter queues background tasks.
type TaskSubmitter interface {
	Submit(t tasks.Task) (string, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Runs     domain.RunRepository
	Results  domain.ResultRepository
	Projects domain.ProjectRepository

	Cloner   git.Cloner
	Commands executor.CommandRunner
	Ports    *ports.Allocator
	Locks    *specs.Locker
	Tasks    TaskSubmitter
	Secrets  *secrets.Box
	Events   *pubsub.Broker[RunEvent]
	Tracer   trace.Tracer

	Now   func() time.Time
	NewID func() string
}

// Orchestrator owns run submission and the in-flight pipelines.
type Orchestrator struct {
	cfg  config.Config
	deps Deps

	projects *cachemanager.ReadThroughCache[string, *domain.Project, string]
	flags    *flags.Registry

	// base outlives individual requests; pipelines derive from it.
	base     context.Context
	stopBase context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

// New creates an Orchestrator. Missing optional deps get defaults.
func New(cfg config.Config, deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Commands == nil {
		deps.Commands = executor.NewExecRunner()
	}
	if deps.Cloner == nil {
		deps.Cloner = git.NewRealExecutor()
	}
	if deps.Ports == nil {
		deps.Ports = ports.NewAllocator(0)
	}
	if deps.Locks == nil {
		deps.Locks = specs.NewLocker()
	}
	if deps.Secrets == nil {
		deps.Secrets, _ = secrets.NewBox("")
	}
	if deps.Events == nil {
		deps.Events = pubsub.NewBroker[RunEvent]()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("noop")
	}

	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		base:     base,
		stopBase: stop,
		cancels:  make(map[string]context.CancelCauseFunc),
		flags:    flags.New(cfg.Flags),
	}
	o.projects = cachemanager.NewReadThroughCache(
		cachemanager.NewInMemoryCacheManager[string, *domain.Project]("projects", projectTTL, 2*projectTTL),
		deps.Projects.FindByID,
		false,
	)
	return o
}

// Events returns the run lifecycle broker.
func (o *Orchestrator) Events() *pubsub.Broker[RunEvent] {
	return o.deps.Events
}

// Submit validates req, creates a queued run and starts its pipeline in the
// background. Request problems are returned as *domain.RequestError before
// any run exists.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Run, error) {
	params, err := req.validate()
	if err != nil {
		return nil, o.reject(err)
	}

	project, err := o.projects.Get(ctx, req.ProjectID, req.ProjectID, projectTTL)
	if err != nil {
		var nf *domain.ProjectNotFoundError
		if errors.As(err, &nf) {
			return nil, o.reject(&domain.RequestError{
				Code:    domain.CodeProjectNotFound,
				Message: "Project not found",
				Details: map[string]any{"projectId": req.ProjectID},
			})
		}
		return nil, fmt.Errorf("load project: %w", err)
	}
	if err := o.checkRepo(project); err != nil {
		return nil, o.reject(err)
	}

	run := domain.NewRun(o.deps.NewID(), project.ID, req.Trigger, params, o.deps.Now())
	if err := o.deps.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log.Info(log.CatRun, "Run queued", "run", run.ID(), "project", project.ID, "trigger", string(run.Trigger()))
	o.publish(pubsub.CreatedEvent, run)

	runCtx, cancel := context.WithCancelCause(o.base)
	o.mu.Lock()
	o.cancels[run.ID()] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.execute(runCtx, run, project)
	return run, nil
}

// checkRepo rejects projects that need a clone but cannot be cloned.
func (o *Orchestrator) checkRepo(p *domain.Project) error {
	ws := o.cfg.Workspace
	cloneRequired := !o.cfg.Runner.GeneratedOnly &&
		ws.LocalRepoRoot == "" && ws.LocalRepoPath == "" && !ws.AllowLocalFallback
	if !cloneRequired {
		return nil
	}
	if !p.HasRepo() {
		return &domain.RequestError{
			Code:    domain.CodeMissingRepoURL,
			Message: "Project has no repository URL configured",
			Details: map[string]any{"projectId": p.ID},
		}
	}
	if !p.LooksLikeGitRepo() {
		return &domain.RequestError{
			Code:    domain.CodeInvalidInput,
			Message: "Project repository URL does not look like a git remote",
			Details: map[string]any{"repoUrl": p.RepoURL},
		}
	}
	return nil
}

func (o *Orchestrator) reject(err error) error {
	var re *domain.RequestError
	if errors.As(err, &re) {
		metrics.RecordRejected(re.Code)
		log.Debug(log.CatRun, "Run request rejected", "code", re.Code, "message", re.Message)
	}
	return err
}

// InvalidateProject drops a cached project after it changes.
func (o *Orchestrator) InvalidateProject(ctx context.Context, id string) {
	o.projects.Invalidate(ctx, id)
}

// Cancel stops a run. An in-flight pipeline is cancelled (killing the
// runner) and finalizes itself as failed. A queued or running run with no
// live pipeline in this process is failed directly.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		log.Info(log.CatRun, "Cancelling run", "run", runID)
		cancel(errCanceled)
		return nil
	}

	run, err := o.deps.Runs.FindByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return &domain.InvalidTransitionError{RunID: runID, From: run.Status(), To: domain.RunStatusFailed}
	}
	if err := run.Fail(o.deps.Now(), ingest.CanceledError, nil); err != nil {
		return err
	}
	if err := o.deps.Runs.Save(ctx, run); err != nil {
		return err
	}
	o.publish(pubsub.FinishedEvent, run)
	return nil
}

// RecoverOrphans fails every run left queued or running by a previous
// process, so no run stays unfinished forever.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	runs, err := o.deps.Runs.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		o.mu.Lock()
		_, live := o.cancels[run.ID()]
		o.mu.Unlock()
		if live {
			continue
		}
		if err := run.Fail(o.deps.Now(), InterruptedError, nil); err != nil {
			continue
		}
		if err := o.deps.Runs.Save(ctx, run); err != nil {
			log.Warn(log.CatRun, "Failed to finalize orphaned run", "run", run.ID(), "error", err.Error())
			continue
		}
		o.publish(pubsub.FinishedEvent, run)
		n++
	}
	if n > 0 {
		log.Warn(log.CatRun, "Finalized orphaned runs", "count", n)
	}
	return n, nil
}

// Active returns the number of in-flight pipelines.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cancels)
}

// Wait blocks until every pipeline started so far has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels all pipelines and waits for them to finalize, up to ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopBase()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) forget(runID string) {
	o.mu.Lock()
	if cancel, ok := o.cancels[runID]; ok {
		cancel(nil)
		delete(o.cancels, runID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publish(t pubsub.EventType, run *domain.Run) {
	o.deps.Events.Publish(t, RunEvent{
		RunID:     run.ID(),
		ProjectID: run.ProjectID(),
		Status:    run.Status(),
		Error:     run.ErrorMessage(),
		Summary:   run.Summary(),
	})
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/testmind-dev/tmrun/internal/config"
	"github.com/testmind-dev/tmrun/internal/executor"
	"github.com/testmind-dev/tmrun/internal/flags"
	"github.com/testmind-dev/tmrun/internal/ingest"
	"github.com/testmind-dev/tmrun/internal/installer"
	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/metrics"
	"github.com/testmind-dev/tmrun/internal/preview"
	"github.com/testmind-dev/tmrun/internal/pubsub"
	"github.com/testmind-dev/tmrun/internal/runlog"
	"github.com/testmind-dev/tmrun/internal/runnerconfig"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
	"github.com/testmind-dev/tmrun/internal/specs"
	"github.com/testmind-dev/tmrun/internal/tasks"
	"github.com/testmind-dev/tmrun/internal/tracing"
	"github.com/testmind-dev/tmrun/internal/workspace"
)

// Stage names used for metrics and spans.
const (
	StageWorkspace = "workspace"
	StageInstall   = "install"
	StageBuild     = "build"
	StageSpecs     = "specs"
	StageConfig    = "config"
	StageExecute   = "execute"
	StageIngest    = "ingest"
)

// finalizeTimeout bounds the failure write after the run context is gone.
const finalizeTimeout = 10 * time.Second

// Terminal saves are retried this many times, backing off saveRetryDelay
// times the attempt number.
const (
	saveAttempts   = 3
	saveRetryDelay = 50 * time.Millisecond
)

// screenshotDir is where the runner writes per-test output.
const screenshotDir = "test-results"

// pipeline holds the resources of one run so cleanup can release whatever
// was acquired before a failure.
type pipeline struct {
	o       *Orchestrator
	run     *domain.Run
	project *domain.Project

	logs    *runlog.Dir
	ws      *workspace.Workspace
	prep    *specs.Prepared
	port    int
	preview *preview.Preview
	summary *domain.Summary

	// stored is set once a terminal status has been written.
	stored bool
}

// execute runs the pipeline for run and guarantees that the run ends in a
// terminal status and that acquired resources are released.
func (o *Orchestrator) execute(ctx context.Context, run *domain.Run, project *domain.Project) {
	defer o.wg.Done()
	defer o.forget(run.ID())

	ctx, span := tracing.StartRun(ctx, o.deps.Tracer, run.ID(), project.ID)
	p := &pipeline{o: o, run: run, project: project}

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run pipeline panicked: %v", r)
			log.Error(log.CatRun, "Run pipeline panicked", "run", run.ID(), "panic", fmt.Sprint(r))
		}
		if err != nil {
			p.fail(ctx, err)
		}
		p.cleanup()
		tracing.End(span, err)
		metrics.RecordRunFinished(p.run.Status())
		log.Info(log.CatRun, "Run finished", "run", run.ID(), "status", string(p.run.Status()))
	}()

	err = p.execute(ctx)
}

func (p *pipeline) cfg() config.Config { return p.o.cfg }

func (p *pipeline) now() time.Time { return p.o.deps.Now() }

func (p *pipeline) diag(format string, args ...any) {
	if p.logs != nil {
		p.logs.Diag(format, args...)
	}
}

func (p *pipeline) diagErr(format string, args ...any) {
	if p.logs != nil {
		p.logs.DiagErr(format, args...)
	}
}

// stage times fn and wraps it in a span.
func (p *pipeline) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartStage(ctx, p.o.deps.Tracer, name, attribute.String(tracing.AttrRunID, p.run.ID()))
	start := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(name, time.Since(start))
	tracing.End(span, err)
	if err != nil {
		log.Debug(log.CatRun, "Stage failed", "run", p.run.ID(), "stage", name, "error", err.Error())
	}
	return err
}

func (p *pipeline) execute(ctx context.Context) error {
	o := p.o
	run := p.run
	cfg := p.cfg()
	generatedOnly := cfg.Runner.GeneratedOnly

	logs, err := runlog.Open(cfg.ReportRoot(), run.ID())
	if err != nil {
		return err
	}
	p.logs = logs
	logs.Header(run.ID(), p.project.ID, p.now())

	if err := run.Start(p.now()); err != nil {
		return err
	}
	if err := o.deps.Runs.Save(ctx, run); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	metrics.RecordRunStarted()
	o.publish(pubsub.UpdatedEvent, run)
	log.Info(log.CatRun, "Run started", "run", run.ID(), "project", p.project.ID)

	if err := p.stage(ctx, StageWorkspace, p.resolveWorkspace); err != nil {
		return err
	}

	runDir := p.ws.Root
	if !generatedOnly {
		runDir = workspace.FindRunnerDir(p.ws.Root)
	}
	p.diag("[runner] workspace=%s runDir=%s source=%s", p.ws.Root, runDir, p.ws.Source)

	if !generatedOnly {
		err := p.stage(ctx, StageInstall, func(ctx context.Context) error {
			inst := installer.New(o.deps.Commands, installer.Options{
				SkipInstall:     cfg.Workspace.SkipInstall,
				Reuse:           cfg.Workspace.Reuse,
				UsingLocalRepo:  p.ws.UsingLocalRepo(),
				InstallBrowsers: cfg.Workspace.InstallBrowsers,
			})
			inst.Logf = logs.Diag
			_, err := inst.Ensure(ctx, p.ws.Root, runDir)
			return err
		})
		if err != nil {
			return err
		}
		if workspace.HasViteConfig(runDir) {
			_ = p.stage(ctx, StageBuild, func(ctx context.Context) error {
				return p.build(ctx, runDir)
			})
		}
	}

	if err := p.stage(ctx, StageSpecs, func(ctx context.Context) error {
		return p.prepareSpecs(ctx, runDir)
	}); err != nil {
		return err
	}

	sel := run.Params().Selection()
	var files []string
	for _, f := range sel.Files {
		rel, err := filepath.Rel(runDir, filepath.Join(p.prep.Dest, filepath.FromSlash(f)))
		if err != nil {
			return fmt.Errorf("resolve file selector %q: %w", f, err)
		}
		files = append(files, filepath.ToSlash(rel))
	}
	grep := executor.LooseGrep(executor.SanitizeGrep(sel.Grep))

	var rc runnerconfig.Params
	var configPath string
	allureDir := ""
	if !cfg.Runner.DisableAllure {
		allureDir = logs.Join(tasks.AllureResultsDir)
	}
	if err := p.stage(ctx, StageConfig, func(ctx context.Context) error {
		port, err := o.deps.Ports.Allocate(ctx, cfg.Runner.Port)
		if err != nil {
			return fmt.Errorf("allocate port: %w", err)
		}
		p.port = port

		rc = runnerconfig.Params{
			Variant:             runnerconfig.Full,
			Port:                port,
			BaseURL:             firstNonEmpty(run.Params().BaseURL, cfg.Runner.BaseURL),
			TestDir:             p.prep.DestName,
			JSONReport:          logs.ReportPath(),
			AllureResults:       allureDir,
			Grep:                grep,
			Workers:             cfg.Runner.Workers,
			MaxFailures:         cfg.Runner.MaxFailures,
			TestTimeoutMs:       cfg.Runner.TestTimeoutMs,
			ExpectTimeoutMs:     cfg.Runner.ExpectTimeoutMs,
			ActionTimeoutMs:     cfg.Runner.ActionTimeoutMs,
			NavigationTimeoutMs: cfg.Runner.NavigationTimeoutMs,
			WebServerTimeoutMs:  cfg.Runner.WebServerTimeoutMs,
			WebServerCommand:    cfg.Runner.WebServerCommand,
		}
		if generatedOnly {
			rc.Variant = runnerconfig.GeneratedOnly
			rc.TestDir = p.prep.Dest
		}
		configPath, err = runnerconfig.Write(runDir, rc)
		return err
	}); err != nil {
		return err
	}
	baseURL := rc.ResolvedBaseURL()
	p.diag("[runner] port=%d baseURL=%s config=%s", p.port, baseURL, configPath)

	framework := executor.DetectFramework(runDir, p.o.flags.Enabled(flags.FlagMultiFramework))
	env, err := o.deps.Secrets.OpenEnv(p.project.Secrets)
	if err != nil {
		return fmt.Errorf("decrypt project secrets: %w", err)
	}

	if run.Params().LivePreview && p.o.flags.Enabled(flags.FlagLivePreview) {
		p.startPreview(filepath.Join(runDir, screenshotDir))
	}

	var pathPrefix []string
	if generatedOnly {
		pathPrefix = []string{filepath.Join(p.ws.Root, "node_modules", ".bin")}
	}

	var res *executor.RunResult
	err = p.stage(ctx, StageExecute, func(ctx context.Context) error {
		var err error
		res, err = executor.NewTestRunner(o.deps.Commands).Run(ctx, executor.RunRequest{
			Dir:              runDir,
			ConfigPath:       configPath,
			ReportPath:       logs.ReportPath(),
			Framework:        framework,
			Headed:           run.Params().Headed,
			Grep:             grep,
			Files:            files,
			BaseURL:          baseURL,
			Port:             p.port,
			AllureResultsDir: allureDir,
			SourceRoot:       p.ws.Root,
			Secrets:          env,
			PathPrefix:       pathPrefix,
			Timeout:          cfg.Runner.RunTimeout(),
			Stdout:           logs.Stdout(),
			Stderr:           logs.Stderr(),
		})
		return err
	})
	if errors.Is(context.Cause(ctx), errCanceled) {
		return errCanceled
	}
	if err != nil {
		return err
	}
	p.stopPreview()

	if res.ReportPath == "" {
		p.diagErr("%s", ingest.MissingReportDiagnostic)
	}

	var outcome *ingest.Outcome
	if err := p.stage(ctx, StageIngest, func(ctx context.Context) error {
		var err error
		outcome, err = ingest.NewIngestor(o.deps.Results).Ingest(ctx, p.project.ID, run.ID(), res.ReportPath, logs.Path())
		return err
	}); err != nil {
		return err
	}
	metrics.RecordResults(outcome.Counts)

	return p.finalize(res, outcome, string(framework), baseURL, allureDir)
}

func (p *pipeline) resolveWorkspace(ctx context.Context) error {
	cfg := p.cfg()
	token, err := p.o.deps.Secrets.Open(p.project.GitToken)
	if err != nil {
		return fmt.Errorf("decrypt git token: %w", err)
	}
	resolver := workspace.NewResolver(workspace.Options{
		GeneratedOnly:      cfg.Runner.GeneratedOnly,
		RuntimeRoot:        cfg.Runner.RuntimeRoot,
		LocalRepoRoot:      cfg.Workspace.LocalRepoRoot,
		Reuse:              cfg.Workspace.Reuse,
		AllowLocalFallback: cfg.Workspace.AllowLocalFallback,
		MonorepoRoot:       cfg.Workspace.MonorepoRoot,
		LocalRepoPath:      cfg.Workspace.LocalRepoPath,
		TempDir:            cfg.Workspace.TempDir,
	}, p.o.deps.Cloner)
	ws, err := resolver.Resolve(ctx, workspace.Request{RepoURL: p.project.RepoURL, GitToken: token})
	if err != nil {
		return err
	}
	p.ws = ws
	return nil
}

// build runs the application build so the preview server has output to
// serve. Failures are logged; the web server may still start.
func (p *pipeline) build(ctx context.Context, runDir string) error {
	res, err := p.o.deps.Commands.Run(ctx, executor.Command{
		Name:   "npx",
		Args:   []string{"-y", "vite", "build"},
		Dir:    runDir,
		Stdout: p.logs.Stdout(),
		Stderr: p.logs.Stderr(),
	})
	switch {
	case err != nil:
		p.diagErr("[runner] build failed (non-fatal): %v", err)
	case !res.OK():
		p.diagErr("[runner] build exited with code %d (non-fatal)", res.ExitCode)
		err = fmt.Errorf("build exited with code %d", res.ExitCode)
	}
	if err != nil {
		log.Warn(log.CatRun, "Build failed", "run", p.run.ID(), "error", err.Error())
	}
	return err
}

func (p *pipeline) prepareSpecs(ctx context.Context, runDir string) error {
	cfg := p.cfg()
	opts := specs.Options{
		Mode:          cfg.Specs.Mode,
		GeneratedRoot: cfg.GeneratedRoot(),
		CuratedRoot:   cfg.CuratedRoot(),
		LocalSpecs:    cfg.Specs.LocalSpecs,
		RuntimeRoot:   cfg.Runner.RuntimeRoot,
		CleanDest:     cfg.Specs.CleanDest,
	}
	if cfg.Runner.RuntimeRoot != "" {
		opts.LocalCache = filepath.Join(cfg.Runner.RuntimeRoot, specs.GeneratedDirName)
	}
	if cfg.Runner.GeneratedOnly {
		opts.RuntimeRoot = p.ws.Root
	}
	resolver := specs.NewResolver(opts, p.o.deps.Locks).WithLogf(p.logs.Diag)

	params := p.run.Params()
	req := specs.Request{
		ProjectID:  p.project.ID,
		Adapter:    params.AdapterOrDefault(),
		UserID:     params.UserID,
		SuiteID:    params.SuiteID,
		Workspace:  p.ws.Root,
		RunDir:     runDir,
		Disposable: p.ws.Disposable,
	}

	var prep *specs.Prepared
	var err error
	if cfg.Runner.GeneratedOnly {
		prep, err = resolver.ResolveGeneratedOnly(ctx, req)
	} else {
		prep, err = resolver.Prepare(ctx, req)
	}
	if err != nil {
		return err
	}
	p.prep = prep
	p.diag("[runner] specs dest=%s files=%d", prep.Dest, len(prep.Files))
	return nil
}

func (p *pipeline) startPreview(sourceDir string) {
	pv, err := preview.New(preview.DefaultConfig(sourceDir, p.logs.Path()))
	if err == nil {
		err = pv.Start()
	}
	if err != nil {
		log.Warn(log.CatPreview, "Live preview unavailable", "run", p.run.ID(), "error", err.Error())
		p.diag("[runner] live preview unavailable: %v", err)
		return
	}
	p.preview = pv
}

// stopPreview is idempotent; the final copy happens here.
func (p *pipeline) stopPreview() {
	if p.preview == nil {
		return
	}
	if err := p.preview.Stop(); err != nil {
		log.Debug(log.CatPreview, "Preview stop failed", "run", p.run.ID(), "error", err.Error())
	}
}

// finalize records artifacts, applies the success rule and queues
// follow-up tasks. Artifacts are set before the save because a terminal run
// cannot be written again.
func (p *pipeline) finalize(res *executor.RunResult, outcome *ingest.Outcome, framework, baseURL, allureDir string) error {
	o := p.o
	run := p.run
	logs := p.logs

	summary := domain.Summary{
		Framework: framework,
		BaseURL:   baseURL,
		Parsed:    outcome.Counts.Parsed,
		Passed:    outcome.Counts.Passed,
		Failed:    outcome.Counts.Failed,
		Skipped:   outcome.Counts.Skipped,
	}
	p.summary = &summary

	if outcome.ReportFound {
		run.SetArtifact(domain.ArtifactReport, logs.Rel(logs.ReportPath()))
	}
	run.SetArtifact(domain.ArtifactStdout, logs.Rel(logs.Join(runlog.StdoutFile)))
	run.SetArtifact(domain.ArtifactStderr, logs.Rel(logs.Join(runlog.StderrFile)))
	hasAllure := allureDir != "" && tasks.HasResults(allureDir)
	if hasAllure {
		run.SetArtifact(domain.ArtifactAllureResults, logs.Rel(allureDir))
		run.SetArtifact(domain.ArtifactAllureReport, logs.Rel(logs.Join(tasks.AllureReportDir)))
	}
	if _, err := os.Stat(preview.LatestPath(logs.Path())); err == nil {
		run.SetArtifact(domain.ArtifactLivePreview, logs.Rel(preview.LatestPath(logs.Path())))
	}

	decision := ingest.Decide(outcome.Counts, res.ExitCode, res.TimedOut, res.Stderr)
	exitCode := res.ExitCode
	errMsg := decision.Error
	if res.TimedOut {
		exitCode = -1
		errMsg = fmt.Sprintf("Test run timed out after %s\n%s", p.cfg().Runner.RunTimeout(), errMsg)
	}
	if err := run.Finish(p.now(), summary, exitCode, errMsg); err != nil {
		return err
	}

	if err := p.saveTerminal(); err != nil {
		return fmt.Errorf("save finished run: %w", err)
	}
	o.publish(pubsub.FinishedEvent, run)
	logs.Diag("[runner] finished status=%s parsed=%d passed=%d failed=%d skipped=%d exit=%d",
		run.Status(), summary.Parsed, summary.Passed, summary.Failed, summary.Skipped, exitCode)

	if hasAllure {
		p.submitTask(tasks.KindAllureGenerate)
	}
	if ingest.ShouldRemediate(decision, outcome.Counts) {
		p.submitTask(tasks.KindRemediation)
	}
	return nil
}

// submitTask queues follow-up work. Submission failures never affect the run.
func (p *pipeline) submitTask(kind tasks.Kind) {
	if p.o.deps.Tasks == nil {
		return
	}
	workDir := p.cfg().MonorepoRoot()
	if p.cfg().Runner.GeneratedOnly && p.ws != nil {
		workDir = p.ws.Root
	}
	id, err := p.o.deps.Tasks.Submit(tasks.Task{
		Kind:      kind,
		RunID:     p.run.ID(),
		ProjectID: p.project.ID,
		LogDir:    p.logs.Path(),
		WorkDir:   workDir,
	})
	if err != nil {
		log.Warn(log.CatTask, "Task submission failed", "run", p.run.ID(), "kind", string(kind), "error", err.Error())
		return
	}
	log.Debug(log.CatTask, "Task submitted", "run", p.run.ID(), "kind", string(kind), "task", id)
}

// fail force-finalizes the run after a pipeline error. A run that finished
// in memory but could not be stored is failed in its place.
func (p *pipeline) fail(ctx context.Context, cause error) {
	if p.stored {
		return
	}
	if p.run.IsTerminal() {
		p.run = reopen(p.run)
	}
	msg := ingest.SanitizeMessage(cause.Error())
	switch {
	case errors.Is(cause, errCanceled) || errors.Is(context.Cause(ctx), errCanceled):
		msg = ingest.CanceledError
	case ctx.Err() != nil:
		msg = InterruptedError
	}
	if msg == "" {
		msg = ingest.FallbackError
	}
	p.diagErr("[runner] %s", msg)
	log.Warn(log.CatRun, "Run failed", "run", p.run.ID(), "error", msg)

	if err := p.run.Fail(p.now(), msg, p.summary); err != nil {
		log.Debug(log.CatRun, "Run already finalized", "run", p.run.ID(), "error", err.Error())
		return
	}
	if err := p.saveTerminal(); err != nil {
		var ite *domain.InvalidTransitionError
		if errors.As(err, &ite) {
			log.Debug(log.CatRun, "Stored run already terminal", "run", p.run.ID())
			return
		}
		log.ErrorErr(log.CatRun, "Failed to persist failed run", err, "run", p.run.ID())
		return
	}
	p.o.publish(pubsub.FinishedEvent, p.run)
}

// saveTerminal writes the run's terminal state, retrying transient storage
// errors. Transition conflicts are returned immediately.
func (p *pipeline) saveTerminal() error {
	var err error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		err = p.o.deps.Runs.Save(ctx, p.run)
		cancel()
		if err == nil {
			p.stored = true
			return nil
		}
		var ite *domain.InvalidTransitionError
		if errors.As(err, &ite) {
			return err
		}
		log.Warn(log.CatRun, "Saving terminal run failed", "run", p.run.ID(), "attempt", attempt, "error", err.Error())
		if attempt < saveAttempts {
			time.Sleep(time.Duration(attempt) * saveRetryDelay)
		}
	}
	return err
}

// reopen returns a running copy of run without its terminal outcome, so the
// stored running row can still be moved to failed.
func reopen(run *domain.Run) *domain.Run {
	return domain.ReconstituteRun(
		run.ID(), run.ProjectID(), domain.RunStatusRunning, run.Trigger(), run.Params(),
		run.Summary(), "", run.Artifacts(), run.CreatedAt(), run.StartedAt(), nil,
	)
}

// cleanup releases everything the pipeline acquired. Errors are logged and
// swallowed so one failure never blocks the rest.
func (p *pipeline) cleanup() {
	p.stopPreview()
	p.prep.Release()
	if p.port != 0 {
		p.o.deps.Ports.Release(p.port)
	}
	if p.ws != nil {
		if err := p.ws.Cleanup(); err != nil {
			log.Warn(log.CatWorkspace, "Workspace cleanup failed", "run", p.run.ID(), "error", err.Error())
		}
	}
	if p.logs != nil {
		if err := p.logs.Close(); err != nil {
			log.Debug(log.CatRun, "Run log close failed", "run", p.run.ID(), "error", err.Error())
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

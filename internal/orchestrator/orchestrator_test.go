package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testmind-dev/tmrun/internal/config"
	"github.com/testmind-dev/tmrun/internal/executor"
	"github.com/testmind-dev/tmrun/internal/git"
	"github.com/testmind-dev/tmrun/internal/infrastructure/sqlite"
	"github.com/testmind-dev/tmrun/internal/ingest"
	"github.com/testmind-dev/tmrun/internal/pubsub"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
	"github.com/testmind-dev/tmrun/internal/specs"
	"github.com/testmind-dev/tmrun/internal/tasks"
)

const passingReport = `{"suites":[{"title":"a.spec.ts","file":"a.spec.ts","specs":[
 {"title":"one","file":"a.spec.ts","tests":[{"status":"expected","results":[{"status":"passed","duration":1}]}]},
 {"title":"two","file":"a.spec.ts","tests":[{"status":"expected","results":[{"status":"passed","duration":2}]}]}
]}]}`

const failingReport = `{"suites":[{"title":"a.spec.ts","file":"a.spec.ts","specs":[
 {"title":"one","file":"a.spec.ts","tests":[{"status":"unexpected","results":[{"status":"failed","duration":1,"error":{"message":"boom"}}]}]},
 {"title":"two","file":"a.spec.ts","tests":[{"status":"expected","results":[{"status":"passed","duration":2}]}]}
]}]}`

// fakeRunner answers installer commands with success and delegates the
// test-runner invocation to test.
type fakeRunner struct {
	mu          sync.Mutex
	calls       []executor.Command
	failInstall bool
	test        func(ctx context.Context, cmd executor.Command) (*executor.Result, error)
}

func isTestCommand(cmd executor.Command) bool {
	return cmd.Name == "npx" && len(cmd.Args) >= 2 && cmd.Args[0] == "playwright" && cmd.Args[1] == "test"
}

func (f *fakeRunner) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if isTestCommand(cmd) {
		if f.test == nil {
			return &executor.Result{}, nil
		}
		return f.test(ctx, cmd)
	}
	if f.failInstall && len(cmd.Args) > 0 && cmd.Args[0] == "install" {
		return &executor.Result{ExitCode: 1, Stderr: "npm ERR! network down"}, nil
	}
	return &executor.Result{}, nil
}

func (f *fakeRunner) testCall(t *testing.T) executor.Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if isTestCommand(c) {
			return c
		}
	}
	t.Fatal("test command was never run")
	return executor.Command{}
}

// writesReport returns a test func that writes body as the JSON report.
func writesReport(body string, exitCode int) func(context.Context, executor.Command) (*executor.Result, error) {
	return func(_ context.Context, cmd executor.Command) (*executor.Result, error) {
		if err := os.WriteFile(cmd.Env["PW_JSON_OUTPUT"], []byte(body), 0o644); err != nil {
			return nil, err
		}
		if dir := cmd.Env["ALLURE_RESULTS_DIR"]; dir != "" {
			_ = os.MkdirAll(dir, 0o755)
			_ = os.WriteFile(filepath.Join(dir, "abc-result.json"), []byte(`{}`), 0o644)
		}
		return &executor.Result{ExitCode: exitCode}, nil
	}
}

type fakeCloner struct {
	err   error
	dests []string
}

func (c *fakeCloner) Clone(_ context.Context, opts git.CloneOptions) error {
	if c.err != nil {
		return c.err
	}
	c.dests = append(c.dests, opts.Dest)
	if err := os.MkdirAll(opts.Dest, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(opts.Dest, "package.json"),
		[]byte(`{"name":"app","devDependencies":{"@playwright/test":"1.48.0"}}`), 0o644)
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (f *fakeTasks) Submit(t tasks.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return "task-" + string(t.Kind), nil
}

func (f *fakeTasks) kinds() []tasks.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tasks.Kind
	for _, t := range f.tasks {
		out = append(out, t.Kind)
	}
	return out
}

type fixture struct {
	o       *Orchestrator
	db      *sqlite.DB
	cfg     config.Config
	runner  *fakeRunner
	cloner  *fakeCloner
	tasks   *fakeTasks
	project *domain.Project
}

func newFixture(t *testing.T, runner *fakeRunner, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Workspace.MonorepoRoot = t.TempDir()
	cfg.Workspace.TempDir = t.TempDir()
	cfg.Runner.Port = 0
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := sqlite.NewDB(cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	project := &domain.Project{ID: "p1", Name: "Shop", RepoURL: "https://github.com/acme/shop.git", CreatedAt: time.Now()}
	require.NoError(t, db.ProjectRepository().Save(context.Background(), project))

	var seq atomic.Int64
	f := &fixture{db: db, cfg: cfg, runner: runner, cloner: &fakeCloner{}, tasks: &fakeTasks{}, project: project}
	f.o = New(cfg, Deps{
		Runs:     db.RunRepository(),
		Results:  db.ResultRepository(),
		Projects: db.ProjectRepository(),
		Cloner:   f.cloner,
		Commands: runner,
		Tasks:    f.tasks,
		NewID: func() string {
			return "run-" + string(rune('0'+seq.Add(1)))
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.o.Shutdown(ctx)
	})
	return f
}

// writeSpecs places spec files in the shared generated root.
func (f *fixture) writeSpecs(t *testing.T, names ...string) {
	t.Helper()
	dir := filepath.Join(f.cfg.GeneratedRoot(), specs.SharedName(domain.DefaultAdapter))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("import { test } from '@playwright/test';\n"), 0o644))
	}
}

func (f *fixture) submitAndWait(t *testing.T, req SubmitRequest) *domain.Run {
	t.Helper()
	run, err := f.o.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusQueued, run.Status())
	f.o.Wait()

	stored, err := f.db.RunRepository().FindByID(context.Background(), run.ID())
	require.NoError(t, err)
	return stored
}

func (f *fixture) assertWorkspacesRemoved(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.cfg.Workspace.TempDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "tm-run-"), "workspace %s left behind", e.Name())
	}
}

func TestSubmit_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	ctx := context.Background()
	require.NoError(t, f.db.ProjectRepository().Save(ctx, &domain.Project{ID: "norepo", Name: "No repo", CreatedAt: time.Now()}))
	require.NoError(t, f.db.ProjectRepository().Save(ctx, &domain.Project{ID: "odd", Name: "Odd", RepoURL: "ftp://files.example.com/app", CreatedAt: time.Now()}))

	tests := []struct {
		name string
		req  SubmitRequest
		code string
	}{
		{"missing project id", SubmitRequest{}, domain.CodeInvalidInput},
		{"relative base url", SubmitRequest{ProjectID: "p1", BaseURL: "localhost:3000"}, domain.CodeInvalidInput},
		{"escaping file", SubmitRequest{ProjectID: "p1", Files: []string{"../secrets.spec.ts"}}, domain.CodeInvalidInput},
		{"absolute file", SubmitRequest{ProjectID: "p1", File: "/etc/passwd"}, domain.CodeInvalidInput},
		{"unknown trigger", SubmitRequest{ProjectID: "p1", Trigger: "cron"}, domain.CodeInvalidInput},
		{"unknown project", SubmitRequest{ProjectID: "nope"}, domain.CodeProjectNotFound},
		{"project without repo", SubmitRequest{ProjectID: "norepo"}, domain.CodeMissingRepoURL},
		{"repo that is not git", SubmitRequest{ProjectID: "odd"}, domain.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := f.o.Submit(ctx, tt.req)
			require.Nil(t, run)
			var re *domain.RequestError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.code, re.Code)
		})
	}

	runs, err := f.db.RunRepository().List(ctx, domain.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSubmit_MissingRepoAllowedWithLocalFallback(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, func(c *config.Config) { c.Workspace.AllowLocalFallback = true })
	require.NoError(t, f.db.ProjectRepository().Save(context.Background(),
		&domain.Project{ID: "norepo", Name: "No repo", CreatedAt: time.Now()}))

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "norepo"})

	assert.True(t, run.IsTerminal())
	assert.Empty(t, f.cloner.dests)
}

func TestRun_FileSelectionSucceeds(t *testing.T) {
	runner := &fakeRunner{test: writesReport(passingReport, 0)}
	f := newFixture(t, runner, nil)
	f.writeSpecs(t, "a.spec.ts", "b.spec.ts")

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1", Files: []string{"a.spec.ts"}, Trigger: domain.TriggerManual})

	require.Equal(t, domain.RunStatusSucceeded, run.Status(), run.ErrorMessage())
	require.NotNil(t, run.Summary())
	assert.Equal(t, 2, run.Summary().Parsed)
	assert.Equal(t, 2, run.Summary().Passed)
	assert.Equal(t, 0, run.Summary().Failed)
	assert.Equal(t, string(executor.FrameworkPlaywright), run.Summary().Framework)
	assert.NotNil(t, run.FinishedAt())
	assert.Equal(t, domain.TriggerManual, run.Trigger())

	cmd := runner.testCall(t)
	assert.Contains(t, cmd.Args, "testmind-generated/playwright-ts/a.spec.ts")
	assert.NotContains(t, cmd.Args, "testmind-generated/playwright-ts/b.spec.ts")
	assert.Contains(t, cmd.Args, "--config")

	arts := run.Artifacts()
	assert.Equal(t, "run-1/report.json", arts[domain.ArtifactReport])
	assert.Equal(t, "run-1/stdout.txt", arts[domain.ArtifactStdout])
	assert.Equal(t, "run-1/allure-results", arts[domain.ArtifactAllureResults])
	assert.Equal(t, "run-1/allure-report", arts[domain.ArtifactAllureReport])

	results, err := f.db.ResultRepository().ListByRun(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Len(t, results, 2)

	assert.Equal(t, []tasks.Kind{tasks.KindAllureGenerate}, f.tasks.kinds())
	f.assertWorkspacesRemoved(t)
	assert.Equal(t, 0, f.o.Active())
}

func TestRun_RunAllIgnoresSelectors(t *testing.T) {
	runner := &fakeRunner{test: writesReport(passingReport, 0)}
	f := newFixture(t, runner, func(c *config.Config) { c.Runner.DisableAllure = true })
	f.writeSpecs(t, "a.spec.ts", "b.spec.ts")

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1", RunAll: true, Files: []string{"a.spec.ts"}, Grep: "\u200bone"})

	require.Equal(t, domain.RunStatusSucceeded, run.Status())
	cmd := runner.testCall(t)
	for _, a := range cmd.Args {
		assert.NotContains(t, a, ".spec.ts")
	}
	assert.NotContains(t, cmd.Args, "--grep")
	assert.NotContains(t, run.Artifacts(), domain.ArtifactAllureResults)
	assert.Empty(t, f.tasks.kinds())
}

func TestRun_GrepIsLoosened(t *testing.T) {
	runner := &fakeRunner{test: writesReport(passingReport, 0)}
	f := newFixture(t, runner, nil)
	f.writeSpecs(t, "a.spec.ts")

	f.submitAndWait(t, SubmitRequest{ProjectID: "p1", Grep: "\u200bone"})

	cmd := runner.testCall(t)
	assert.Contains(t, cmd.Args, `(?:^|\s)one(?:$|\s)`)
}

func TestRun_FailedCasesQueueRemediation(t *testing.T) {
	runner := &fakeRunner{test: writesReport(failingReport, 1)}
	f := newFixture(t, runner, nil)
	f.writeSpecs(t, "a.spec.ts")

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

	require.Equal(t, domain.RunStatusFailed, run.Status())
	assert.Equal(t, 1, run.Summary().Failed)
	assert.Equal(t, 1, run.Summary().Passed)
	assert.Equal(t, ingest.FallbackError, run.ErrorMessage())
	assert.ElementsMatch(t, []tasks.Kind{tasks.KindAllureGenerate, tasks.KindRemediation}, f.tasks.kinds())
}

func TestRun_EveryStageFailureIsTerminal(t *testing.T) {
	tests := []struct {
		name    string
		runner  *fakeRunner
		cloner  error
		wantMsg string
	}{
		{
			name:    "clone fails",
			runner:  &fakeRunner{},
			cloner:  errors.New("fatal: repository not found"),
			wantMsg: "repository not found",
		},
		{
			name:    "install fails",
			runner:  &fakeRunner{failInstall: true},
			wantMsg: "network down",
		},
		{
			name: "runner cannot start",
			runner: &fakeRunner{test: func(context.Context, executor.Command) (*executor.Result, error) {
				return nil, errors.New("exec: npx: not found")
			}},
			wantMsg: "npx: not found",
		},
		{
			name: "no report and nonzero exit",
			runner: &fakeRunner{test: func(context.Context, executor.Command) (*executor.Result, error) {
				return &executor.Result{ExitCode: 1, Stderr: "npm notice update\nError: webServer timed out"}, nil
			}},
			wantMsg: "Error: webServer timed out",
		},
		{
			name:    "truncated report",
			runner:  &fakeRunner{test: writesReport(passingReport[:40], 0)},
			wantMsg: "report parse failed",
		},
		{
			name: "runner panics",
			runner: &fakeRunner{test: func(context.Context, executor.Command) (*executor.Result, error) {
				panic("unexpected")
			}},
			wantMsg: "panicked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.runner, nil)
			f.cloner.err = tt.cloner
			f.writeSpecs(t, "a.spec.ts")

			run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

			assert.Equal(t, domain.RunStatusFailed, run.Status())
			assert.Contains(t, run.ErrorMessage(), tt.wantMsg)
			assert.NotNil(t, run.FinishedAt())
			f.assertWorkspacesRemoved(t)
			assert.Equal(t, 0, f.o.Active())
		})
	}
}

func TestRun_MissingReportLogsDiagnostic(t *testing.T) {
	runner := &fakeRunner{test: func(context.Context, executor.Command) (*executor.Result, error) {
		return &executor.Result{}, nil
	}}
	f := newFixture(t, runner, nil)

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

	assert.Equal(t, domain.RunStatusSucceeded, run.Status())
	assert.Equal(t, 0, run.Summary().Parsed)
	assert.NotContains(t, run.Artifacts(), domain.ArtifactReport)

	stderr, err := os.ReadFile(filepath.Join(f.cfg.ReportRoot(), run.ID(), "stderr.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "report.json missing")
	stdout, err := os.ReadFile(filepath.Join(f.cfg.ReportRoot(), run.ID(), "stdout.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "NO SPECS SOURCE FOUND")
}

func TestRun_GeneratedOnlyWithoutSourceFails(t *testing.T) {
	runtime := t.TempDir()
	runner := &fakeRunner{test: writesReport(passingReport, 0)}
	f := newFixture(t, runner, func(c *config.Config) {
		c.Runner.GeneratedOnly = true
		c.Runner.RuntimeRoot = runtime
	})

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

	require.Equal(t, domain.RunStatusFailed, run.Status())
	assert.Contains(t, run.ErrorMessage(), filepath.Join(runtime, specs.GeneratedDirName))
	assert.Empty(t, f.cloner.dests)

	results, err := f.db.ResultRepository().ListByRun(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.DirExists(t, runtime)
}

func TestRun_GeneratedOnlyRunsInPlace(t *testing.T) {
	runtime := t.TempDir()
	src := filepath.Join(runtime, specs.GeneratedDirName, specs.SharedName(domain.DefaultAdapter))
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.spec.ts"), []byte("test"), 0o644))

	runner := &fakeRunner{test: writesReport(passingReport, 0)}
	f := newFixture(t, runner, func(c *config.Config) {
		c.Runner.GeneratedOnly = true
		c.Runner.RuntimeRoot = runtime
	})

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

	require.Equal(t, domain.RunStatusSucceeded, run.Status(), run.ErrorMessage())
	cmd := runner.testCall(t)
	assert.Equal(t, runtime, cmd.Dir)
	assert.Equal(t, []string{filepath.Join(runtime, "node_modules", ".bin")}, cmd.PathPrefix)
	for _, c := range runner.calls {
		assert.NotEqual(t, "install", firstArg(c), "generated-only runs never install")
	}
	assert.FileExists(t, filepath.Join(src, "a.spec.ts"))
}

func firstArg(c executor.Command) string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

func TestCancel_StopsRunningPipeline(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{test: func(ctx context.Context, _ executor.Command) (*executor.Result, error) {
		close(started)
		<-ctx.Done()
		return &executor.Result{ExitCode: -1}, nil
	}}
	f := newFixture(t, runner, nil)

	run, err := f.o.Submit(context.Background(), SubmitRequest{ProjectID: "p1"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("runner never started")
	}
	require.NoError(t, f.o.Cancel(context.Background(), run.ID()))
	f.o.Wait()

	stored, err := f.db.RunRepository().FindByID(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status())
	assert.Equal(t, ingest.CanceledError, stored.ErrorMessage())
	f.assertWorkspacesRemoved(t)
}

func TestCancel_UnknownAndFinishedRuns(t *testing.T) {
	f := newFixture(t, &fakeRunner{test: writesReport(passingReport, 0)}, nil)
	ctx := context.Background()

	var nf *domain.RunNotFoundError
	require.ErrorAs(t, f.o.Cancel(ctx, "missing"), &nf)

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})
	var ite *domain.InvalidTransitionError
	require.ErrorAs(t, f.o.Cancel(ctx, run.ID()), &ite)
}

func TestCancel_QueuedRunWithoutPipeline(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	ctx := context.Background()
	run := domain.NewRun("orphan", "p1", domain.TriggerUser, domain.RunParams{}, time.Now())
	require.NoError(t, f.db.RunRepository().Create(ctx, run))

	require.NoError(t, f.o.Cancel(ctx, "orphan"))

	stored, err := f.db.RunRepository().FindByID(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status())
	assert.Equal(t, ingest.CanceledError, stored.ErrorMessage())
}

func TestRecoverOrphans(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	ctx := context.Background()
	queued := domain.NewRun("q", "p1", domain.TriggerUser, domain.RunParams{}, time.Now())
	running := domain.NewRun("r", "p1", domain.TriggerUser, domain.RunParams{}, time.Now())
	require.NoError(t, f.db.RunRepository().Create(ctx, queued))
	require.NoError(t, f.db.RunRepository().Create(ctx, running))
	require.NoError(t, running.Start(time.Now()))
	require.NoError(t, f.db.RunRepository().Save(ctx, running))

	n, err := f.o.RecoverOrphans(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	unfinished, err := f.db.RunRepository().ListUnfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
	stored, err := f.db.RunRepository().FindByID(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, InterruptedError, stored.ErrorMessage())
}

func TestEvents_LifecycleOrder(t *testing.T) {
	f := newFixture(t, &fakeRunner{test: writesReport(passingReport, 0)}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := f.o.Events().Subscribe(ctx)

	f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

	var types []pubsub.EventType
	var last RunEvent
	for len(types) < 3 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			last = ev.Payload
		case <-time.After(5 * time.Second):
			t.Fatalf("got only %v", types)
		}
	}
	assert.Equal(t, []pubsub.EventType{pubsub.CreatedEvent, pubsub.UpdatedEvent, pubsub.FinishedEvent}, types)
	assert.Equal(t, domain.RunStatusSucceeded, last.Status)
	require.NotNil(t, last.Summary)
	assert.Equal(t, 2, last.Summary.Passed)
}

func TestSubmitRequest_Validate(t *testing.T) {
	params, err := SubmitRequest{
		ProjectID:   "p1",
		BaseURL:     "https://staging.example.com",
		File:        "checkout/cart.spec.ts",
		Grep:        "adds item",
		LivePreview: true,
	}.validate()

	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com", params.BaseURL)
	assert.Equal(t, []string{"checkout/cart.spec.ts"}, params.Selection().Files)
	assert.True(t, params.LivePreview)

	_, err = SubmitRequest{ProjectID: "p1", Grep: strings.Repeat("x", maxGrepLength+1)}.validate()
	require.Error(t, err)
}

func TestRegisterProject(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	ctx := context.Background()

	_, err := f.o.RegisterProject(ctx, ProjectInput{Name: "  "})
	var re *domain.RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, domain.CodeInvalidInput, re.Code)

	_, err = f.o.RegisterProject(ctx, ProjectInput{Name: "Shop", Secrets: map[string]string{"API_KEY": "x"}})
	require.ErrorAs(t, err, &re, "sealing without a key is rejected")

	p, err := f.o.RegisterProject(ctx, ProjectInput{ID: "p2", Name: "Docs", RepoURL: "git@github.com:acme/docs.git"})
	require.NoError(t, err)
	stored, err := f.db.ProjectRepository().FindByID(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, p.RepoURL, stored.RepoURL)
}

// lockedRuns fails the next n terminal saves the way a busy database does.
type lockedRuns struct {
	domain.RunRepository
	n atomic.Int32
}

func (r *lockedRuns) Save(ctx context.Context, run *domain.Run) error {
	if run.IsTerminal() && r.n.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return r.RunRepository.Save(ctx, run)
}

func TestRun_TerminalSaveIsRetried(t *testing.T) {
	runner := &fakeRunner{test: writesReport(passingReport, 0)}
	f := newFixture(t, runner, nil)
	f.writeSpecs(t, "a.spec.ts")
	runs := &lockedRuns{RunRepository: f.db.RunRepository()}
	runs.n.Store(1)
	f.o.deps.Runs = runs

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

	require.Equal(t, domain.RunStatusSucceeded, run.Status(), run.ErrorMessage())
	assert.Equal(t, 2, run.Summary().Passed)
}

func TestRun_UnstorableFinishIsForceFailed(t *testing.T) {
	runner := &fakeRunner{test: writesReport(passingReport, 0)}
	f := newFixture(t, runner, nil)
	f.writeSpecs(t, "a.spec.ts")
	runs := &lockedRuns{RunRepository: f.db.RunRepository()}
	runs.n.Store(saveAttempts)
	f.o.deps.Runs = runs

	run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

	require.Equal(t, domain.RunStatusFailed, run.Status())
	assert.Contains(t, run.ErrorMessage(), "save finished run")
	assert.Contains(t, run.ErrorMessage(), "database is locked")
	assert.NotNil(t, run.FinishedAt())
	require.NotNil(t, run.Summary())
	assert.Equal(t, 2, run.Summary().Parsed)
	f.assertWorkspacesRemoved(t)
}

func browserInstalls(runner *fakeRunner) int {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	n := 0
	for _, c := range runner.calls {
		if c.Name == "npx" && len(c.Args) >= 3 && c.Args[1] == "playwright" && c.Args[2] == "install" {
			n++
		}
	}
	return n
}

func TestRun_BrowserInstallFollowsConfig(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		runner := &fakeRunner{test: writesReport(passingReport, 0)}
		f := newFixture(t, runner, func(c *config.Config) { c.Workspace.InstallBrowsers = enabled })
		f.writeSpecs(t, "a.spec.ts")

		run := f.submitAndWait(t, SubmitRequest{ProjectID: "p1"})

		require.Equal(t, domain.RunStatusSucceeded, run.Status(), run.ErrorMessage())
		want := 0
		if enabled {
			want = 1
		}
		assert.Equal(t, want, browserInstalls(runner), "install_browsers=%v", enabled)
	}
}

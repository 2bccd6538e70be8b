package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	calls   []Command
	results []*Result
	onRun   func(Command)
}

func (s *scriptedRunner) Run(_ context.Context, cmd Command) (*Result, error) {
	s.calls = append(s.calls, cmd)
	if s.onRun != nil {
		s.onRun(cmd)
	}
	if len(s.results) == 0 {
		return &Result{}, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}

func TestBuildArgs_Playwright(t *testing.T) {
	args := BuildArgs(RunRequest{
		Dir:        "/ws",
		ConfigPath: "/ws/tm-ci.playwright.config.ts",
		Headed:     true,
		Grep:       "\uFEFF login ",
		Files:      []string{"tests/a.spec.ts", "/abs/b.spec.ts", "../c.spec.ts", ""},
	})

	require.Equal(t, []string{
		"playwright", "test", "--headed", "--grep", "login",
		"tests/a.spec.ts", "--config", "tm-ci.playwright.config.ts",
	}, args)
}

func TestBuildArgs_Vitest(t *testing.T) {
	args := BuildArgs(RunRequest{Framework: FrameworkVitest, ReportPath: "/r/report.json", Grep: "sum"})

	require.Equal(t, []string{"vitest", "run", "--reporter=json", "--outputFile=/r/report.json", "--testNamePattern", "sum"}, args)
}

func TestBuildArgs_Jest(t *testing.T) {
	args := BuildArgs(RunRequest{Framework: FrameworkJest, ReportPath: "/r/report.json", Files: []string{"a.test.js"}})

	require.Equal(t, []string{
		"jest", "--runInBand", "--testLocationInResults", "--json", "--outputFile=/r/report.json", "a.test.js",
	}, args)
}

func TestChildEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0o755))

	env := ChildEnv(RunRequest{
		Dir:              dir,
		BaseURL:          "http://localhost:4173",
		ReportPath:       "/r/report.json",
		Port:             4180,
		AllureResultsDir: "/r/allure-results",
		Secrets:          map[string]string{"API_TOKEN": "s3cret", "PW_BASE_URL": "http://evil"},
		Extra:            map[string]string{"EXTRA": "1"},
	})

	require.Equal(t, "http://localhost:4173", env["PW_BASE_URL"])
	require.Equal(t, "http://localhost:4173", env["TM_BASE_URL"])
	require.Equal(t, "http://localhost:4173", env["BASE_URL"])
	require.Equal(t, "/r/report.json", env["PW_JSON_OUTPUT"])
	require.Equal(t, "4180", env["TM_PORT"])
	require.Equal(t, "/r/allure-results", env["ALLURE_RESULTS_DIR"])
	require.Equal(t, dir, env["TM_SOURCE_ROOT"])
	require.Equal(t, "s3cret", env["API_TOKEN"])
	require.Equal(t, "1", env["EXTRA"])
	require.Equal(t, dir+string(os.PathListSeparator)+filepath.Join(dir, "node_modules"), env["NODE_PATH"])
}

func TestTestRunner_ReportsExitCodeAndReport(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "out", "report.json")
	runner := &scriptedRunner{
		results: []*Result{{ExitCode: 1, Stdout: "1 failed"}},
		onRun: func(Command) {
			require.NoError(t, os.MkdirAll(filepath.Dir(report), 0o755))
			require.NoError(t, os.WriteFile(report, []byte(`{}`), 0o644))
		},
	}

	res, err := NewTestRunner(runner).Run(context.Background(), RunRequest{Dir: dir, ReportPath: report})

	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
	require.Equal(t, report, res.ReportPath)
	require.Len(t, runner.calls, 1)
	require.Equal(t, "npx", runner.calls[0].Name)
	require.Equal(t, dir, runner.calls[0].Dir)
}

func TestTestRunner_MissingBrowserInstallsAndRetries(t *testing.T) {
	runner := &scriptedRunner{results: []*Result{
		{ExitCode: 1, Stderr: "browserType.launch: Executable doesn't exist at /x"},
		{},
		{ExitCode: 0},
	}}

	res, err := NewTestRunner(runner).Run(context.Background(), RunRequest{Dir: t.TempDir(), ReportPath: "/nope/report.json"})

	require.NoError(t, err)
	require.True(t, res.Retried)
	require.Equal(t, 0, res.ExitCode)
	require.Len(t, runner.calls, 3)
	require.Equal(t, []string{"-y", "playwright", "install", "--with-deps"}, runner.calls[1].Args)
	require.Empty(t, res.ReportPath)
}

func TestTestRunner_PersistentMissingBrowserAddsHint(t *testing.T) {
	missing := "Executable doesn't exist"
	runner := &scriptedRunner{results: []*Result{{ExitCode: 1, Stderr: missing}, {}, {ExitCode: 1, Stderr: missing}}}

	res, err := NewTestRunner(runner).Run(context.Background(), RunRequest{Dir: t.TempDir(), ReportPath: "/nope/report.json"})

	require.NoError(t, err)
	require.Contains(t, res.Stderr, "npx playwright install --with-deps")
}

func TestTestRunner_SkipBrowserInstall(t *testing.T) {
	runner := &scriptedRunner{results: []*Result{{ExitCode: 1, Stderr: "chrome-headless-shell not found"}}}

	res, err := NewTestRunner(runner).Run(context.Background(), RunRequest{
		Dir: t.TempDir(), ReportPath: "/nope/report.json", SkipBrowserInstall: true,
	})

	require.NoError(t, err)
	require.False(t, res.Retried)
	require.Len(t, runner.calls, 1)
}

func TestTestRunner_NoTestsFoundDebugBlock(t *testing.T) {
	runner := &scriptedRunner{results: []*Result{{ExitCode: 1, Stderr: "Error: No tests found"}}}

	res, err := NewTestRunner(runner).Run(context.Background(), RunRequest{
		Dir: "/ws", ReportPath: "/nope/report.json", BaseURL: "http://localhost:4173", Files: []string{"a.spec.ts"},
	})

	require.NoError(t, err)
	require.Contains(t, res.Stderr, "[TESTMIND DEBUG]")
	require.Contains(t, res.Stderr, "resolvedCwd=/ws")
	require.Contains(t, res.Stderr, `extraGlobs=["a.spec.ts"]`)
}

func TestTestRunner_RecoversDefaultReport(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(t.TempDir(), "report.json")
	runner := &scriptedRunner{onRun: func(Command) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "playwright-report"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "playwright-report", "test-results.json"), []byte(`{"suites":[]}`), 0o644))
	}}

	res, err := NewTestRunner(runner).Run(context.Background(), RunRequest{Dir: dir, ReportPath: report})

	require.NoError(t, err)
	require.Equal(t, report, res.ReportPath)
	data, err := os.ReadFile(report)
	require.NoError(t, err)
	require.Equal(t, `{"suites":[]}`, string(data))
}

func TestTestRunner_UnsupportedFramework(t *testing.T) {
	runner := &scriptedRunner{}

	res, err := NewTestRunner(runner).Run(context.Background(), RunRequest{Framework: FrameworkNone})

	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
	require.Empty(t, runner.calls)
	require.True(t, strings.Contains(res.Stderr, "Unsupported"))
}

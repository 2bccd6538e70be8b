// Package executor spawns the test runner subprocess with an explicit
// per-child environment and collects its exit code, output and report.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/testmind-dev/tmrun/internal/log"
)

var (
	missingBrowser = regexp.MustCompile(`Executable doesn't exist|chrome-headless-shell`)
	noTestsFound   = regexp.MustCompile(`(?i)No tests found`)
)

const missingBrowserHint = "\nPlaywright browser binary missing. Run `npx playwright install --with-deps` on the machine to fetch a headless shell."

// RunRequest describes one test-runner invocation.
type RunRequest struct {
	// Dir is the runner working directory.
	Dir string

	// ConfigPath is the synthesized runner config (Playwright only).
	ConfigPath string

	// ReportPath is where the JSON report must end up.
	ReportPath string

	Framework Framework
	Headed    bool
	Grep      string

	// Files are positional file selectors relative to Dir.
	Files []string

	BaseURL          string
	Port             int
	AllureResultsDir string
	SourceRoot       string

	// Secrets are decrypted project variables for the child.
	Secrets map[string]string

	// Extra holds additional child variables; they win over everything else.
	Extra map[string]string

	// PathPrefix is prepended to the child's PATH.
	PathPrefix []string

	Timeout time.Duration

	// SkipBrowserInstall disables the missing-browser install and rerun.
	SkipBrowserInstall bool

	// Stdout and Stderr receive live output while the process runs. Optional.
	Stdout io.Writer
	Stderr io.Writer
}

// RunResult is what the runner produced. The exit code is informative only.
type RunResult struct {
	Framework Framework
	ExitCode  int
	TimedOut  bool
	Stdout    string
	Stderr    string
	Command   Command

	// ReportPath is set only when a report file exists after the run.
	ReportPath string

	// Retried is set when the run was repeated after installing browsers.
	Retried bool
}

// OK reports a clean process exit.
func (r *RunResult) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// TestRunner runs Playwright, Vitest or Jest through npx.
type TestRunner struct {
	runner CommandRunner
	npx    string
}

// NewTestRunner creates a TestRunner that spawns through runner.
func NewTestRunner(runner CommandRunner) *TestRunner {
	return &TestRunner{runner: runner, npx: "npx"}
}

// Run executes the suite described by req.
func (t *TestRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Framework == "" {
		req.Framework = FrameworkPlaywright
	}
	if req.Framework == FrameworkNone {
		return &RunResult{Framework: FrameworkNone, ExitCode: 1, Stderr: "Unsupported framework"}, nil
	}

	cmd := Command{
		Name:       t.npx,
		Args:       BuildArgs(req),
		Dir:        req.Dir,
		Env:        ChildEnv(req),
		PathPrefix: req.PathPrefix,
		Timeout:    req.Timeout,
	}
	log.Info(log.CatExec, "Running tests", "framework", string(req.Framework), "cmd", cmd.String(), "dir", req.Dir)

	res, err := t.run(ctx, cmd, req)
	if err != nil {
		return nil, err
	}
	out := &RunResult{
		Framework: req.Framework,
		ExitCode:  res.ExitCode,
		TimedOut:  res.TimedOut,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Command:   cmd,
	}

	if req.Framework == FrameworkPlaywright {
		if !req.SkipBrowserInstall && missingBrowser.MatchString(out.Stderr) {
			log.Warn(log.CatExec, "Browser binary missing, installing and retrying")
			t.InstallBrowsers(ctx, req.Dir)
			res, err = t.run(ctx, cmd, req)
			if err != nil {
				return nil, err
			}
			out.ExitCode, out.TimedOut, out.Stdout, out.Stderr = res.ExitCode, res.TimedOut, res.Stdout, res.Stderr
			out.Retried = true
		}
		if noTestsFound.MatchString(out.Stderr) {
			out.Stderr += "\n" + noTestsDebug(req, cmd)
		}
		if missingBrowser.MatchString(out.Stderr) {
			out.Stderr += missingBrowserHint
		}
		recoverReport(req.Dir, req.ReportPath)
	}

	if _, err := os.Stat(req.ReportPath); err == nil {
		out.ReportPath = req.ReportPath
	}
	return out, nil
}

func (t *TestRunner) run(ctx context.Context, cmd Command, req RunRequest) (*Result, error) {
	cmd.Stdout, cmd.Stderr = req.Stdout, req.Stderr
	return t.runner.Run(ctx, cmd)
}

// InstallBrowsers runs "npx -y playwright install --with-deps". Failures are
// logged and ignored; the browsers may already be present.
func (t *TestRunner) InstallBrowsers(ctx context.Context, dir string) {
	cmd := Command{Name: t.npx, Args: []string{"-y", "playwright", "install", "--with-deps"}, Dir: dir}
	res, err := t.runner.Run(ctx, cmd)
	switch {
	case err != nil:
		log.Warn(log.CatExec, "Browser install failed", "error", err.Error())
	case !res.OK():
		log.Warn(log.CatExec, "Browser install exited nonzero", "exitCode", res.ExitCode)
	}
}

// BuildArgs assembles the npx argument list for the framework.
func BuildArgs(req RunRequest) []string {
	grep := SanitizeGrep(req.Grep)
	switch req.Framework {
	case FrameworkVitest:
		args := []string{"vitest", "run", "--reporter=json", "--outputFile=" + req.ReportPath}
		if grep != "" {
			args = append(args, "--testNamePattern", grep)
		}
		return append(args, positional(req.Files)...)
	case FrameworkJest:
		args := []string{"jest", "--runInBand", "--testLocationInResults", "--json", "--outputFile=" + req.ReportPath}
		if grep != "" {
			args = append(args, "--testNamePattern", grep)
		}
		return append(args, positional(req.Files)...)
	}

	args := []string{"playwright", "test"}
	if req.Headed {
		args = append(args, "--headed")
	}
	if grep != "" {
		args = append(args, "--grep", grep)
	}
	args = append(args, positional(req.Files)...)
	if req.ConfigPath != "" {
		cfg := req.ConfigPath
		if !filepath.IsAbs(cfg) {
			cfg = filepath.ToSlash(cfg)
		} else if rel, err := filepath.Rel(req.Dir, cfg); err == nil && !strings.HasPrefix(rel, "..") {
			cfg = filepath.ToSlash(rel)
		}
		args = append(args, "--config", cfg)
	}
	return args
}

// positional keeps relative, non-escaping file selectors. The runner treats
// positional args as file filters; absolute or parent paths match nothing.
func positional(files []string) []string {
	var out []string
	for _, f := range files {
		if f == "" || filepath.IsAbs(f) {
			continue
		}
		n := filepath.ToSlash(f)
		if strings.HasPrefix(n, "..") {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ChildEnv builds the child-only variables for req. Secrets are applied
// first so the run's own variables cannot be shadowed by project secrets.
func ChildEnv(req RunRequest) map[string]string {
	env := make(map[string]string, len(req.Secrets)+12)
	for k, v := range req.Secrets {
		env[k] = v
	}
	env["CI"] = "1"
	env["PW_BASE_URL"] = req.BaseURL
	env["TM_BASE_URL"] = req.BaseURL
	env["BASE_URL"] = req.BaseURL
	env["PW_JSON_OUTPUT"] = req.ReportPath
	if req.Port > 0 {
		env["TM_PORT"] = strconv.Itoa(req.Port)
	}
	if req.Headed {
		env["TM_HEADFUL"] = "1"
	}
	if grep := SanitizeGrep(req.Grep); grep != "" {
		env["PW_GREP"] = grep
	}
	if req.AllureResultsDir != "" {
		env["ALLURE_RESULTS_DIR"] = req.AllureResultsDir
	}
	source := req.SourceRoot
	if source == "" {
		source = req.Dir
	}
	env["TM_SOURCE_ROOT"] = source
	if np := nodePath(req.Dir, source); np != "" {
		env["NODE_PATH"] = np
	}
	for k, v := range req.Extra {
		env[k] = v
	}
	return env
}

func nodePath(dirs ...string) string {
	seen := map[string]bool{}
	var parts []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		if _, err := os.Stat(p); err == nil {
			seen[p] = true
			parts = append(parts, p)
		}
	}
	for _, d := range dirs {
		add(d)
		add(filepath.Join(d, "node_modules"))
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// recoverReport copies the runner's default JSON output to reportPath when
// the configured reporter did not write it.
func recoverReport(dir, reportPath string) {
	if _, err := os.Stat(reportPath); err == nil {
		return
	}
	for _, c := range []string{
		filepath.Join(dir, "test-results.json"),
		filepath.Join(dir, "playwright-report", "test-results.json"),
	} {
		data, err := os.ReadFile(c) //nolint:gosec // G304: runner output inside the workspace
		if err != nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
			return
		}
		if err := os.WriteFile(reportPath, data, 0o644); err == nil {
			log.Info(log.CatExec, "Recovered report from default output", "src", c)
		}
		return
	}
}

func noTestsDebug(req RunRequest, cmd Command) string {
	files, _ := json.Marshal(req.Files)
	args, _ := json.Marshal(append([]string{cmd.Name}, cmd.Args...))
	return strings.Join([]string{
		"[TESTMIND DEBUG]",
		"resolvedCwd=" + req.Dir,
		"workdir=" + req.SourceRoot,
		"jsonOutPath=" + req.ReportPath,
		"extraGlobs=" + string(files),
		"baseUrl=" + req.BaseURL,
		fmt.Sprintf("args=%s", args),
	}, "\n")
}

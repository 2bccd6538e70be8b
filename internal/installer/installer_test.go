package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testmind-dev/tmrun/internal/executor"
)

type recordingRunner struct {
	calls []executor.Command
	fail  map[string]bool
}

func (r *recordingRunner) Run(_ context.Context, cmd executor.Command) (*executor.Result, error) {
	r.calls = append(r.calls, cmd)
	if r.fail[cmd.Name] {
		return &executor.Result{ExitCode: 1, Stderr: "boom"}, nil
	}
	return &executor.Result{}, nil
}

func touch(t *testing.T, parts ...string) {
	t.Helper()
	p := filepath.Join(parts...)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
}

func provide(t *testing.T, dir string, pkgs ...string) {
	t.Helper()
	for _, p := range pkgs {
		touch(t, dir, "node_modules", p, "package.json")
	}
}

func TestDetectPackageManager(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, NPM, DetectPackageManager(dir))

	touch(t, dir, "yarn.lock")
	require.Equal(t, Yarn, DetectPackageManager(dir))

	touch(t, dir, "pnpm-lock.yaml")
	require.Equal(t, PNPM, DetectPackageManager(dir), "pnpm lockfile wins over yarn")
}

func TestInstallArgs(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, []string{"install", "--silent"}, InstallArgs(NPM, dir))
	touch(t, dir, "package-lock.json")
	require.Equal(t, []string{"ci", "--silent"}, InstallArgs(NPM, dir))
	require.Equal(t, []string{"install", "--silent", "--non-interactive"}, InstallArgs(Yarn, dir))
}

func TestAddArgs(t *testing.T) {
	require.Equal(t, []string{"add", "-Dw", "x"}, AddArgs(PNPM, "x", true))
	require.Equal(t, []string{"add", "-D", "x"}, AddArgs(PNPM, "x", false))
	require.Equal(t, []string{"add", "-D", "x"}, AddArgs(Yarn, "x", true))
	require.Equal(t, []string{"install", "-D", "x"}, AddArgs(NPM, "x", true))
}

func TestResolvable_WalksUp(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "apps", "web")
	require.NoError(t, os.MkdirAll(app, 0o755))
	provide(t, root, "@playwright/test")

	require.True(t, Resolvable(app, "@playwright/test"))
	require.False(t, Resolvable(app, "allure-playwright"))
}

func TestEnsure_FreshInstallAddsMissingPackages(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "pnpm-lock.yaml")
	provide(t, root, "@playwright/test", "allure-js-commons")
	runner := &recordingRunner{}

	rep, err := New(runner, Options{}).Ensure(context.Background(), root, root)

	require.NoError(t, err)
	require.True(t, rep.Installed)
	require.Equal(t, []string{"allure-playwright", "allure-commandline"}, rep.Added)
	require.Len(t, runner.calls, 3)
	require.Equal(t, []string{"install", "--silent"}, runner.calls[0].Args)
	require.Equal(t, root, runner.calls[0].Dir)
	require.Equal(t, []string{"add", "-Dw", "allure-playwright"}, runner.calls[1].Args)
}

func TestEnsure_SkipWhenReusedAndInstalled(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "e2e")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	provide(t, root, append([]string{RunnerPackage}, ReporterPackages...)...)
	runner := &recordingRunner{}

	rep, err := New(runner, Options{Reuse: true}).Ensure(context.Background(), root, ws)

	require.NoError(t, err)
	require.False(t, rep.Installed)
	require.Empty(t, rep.Added)
	require.Empty(t, runner.calls)
}

func TestEnsure_SkipSignalWithoutNodeModulesStillInstalls(t *testing.T) {
	root := t.TempDir()
	runner := &recordingRunner{}

	rep, err := New(runner, Options{SkipInstall: true}).Ensure(context.Background(), root, root)

	require.NoError(t, err)
	require.True(t, rep.Installed)
}

func TestEnsure_WorkspaceBelowRootOmitsRootFlag(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "pnpm-lock.yaml")
	ws := filepath.Join(root, "apps", "e2e")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	runner := &recordingRunner{}

	_, err := New(runner, Options{}).Ensure(context.Background(), root, ws)

	require.NoError(t, err)
	require.Equal(t, []string{"add", "-D", RunnerPackage}, runner.calls[1].Args)
	require.Equal(t, ws, runner.calls[1].Dir)
}

func TestEnsure_InstallFailure(t *testing.T) {
	runner := &recordingRunner{fail: map[string]bool{"npm": true}}

	_, err := New(runner, Options{}).Ensure(context.Background(), t.TempDir(), "")

	require.Error(t, err)
	require.Contains(t, err.Error(), "install dependencies")
	require.Contains(t, err.Error(), "boom")
}

func TestEnsure_BrowserInstallFailureIsNonFatal(t *testing.T) {
	root := t.TempDir()
	provide(t, root, append([]string{RunnerPackage}, ReporterPackages...)...)
	runner := &recordingRunner{fail: map[string]bool{"npx": true}}
	var lines []string
	inst := New(runner, Options{Reuse: true, InstallBrowsers: true})
	inst.Logf = func(format string, args ...any) { lines = append(lines, format) }

	_, err := inst.Ensure(context.Background(), root, root)

	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	require.Contains(t, lines, "[runner] browser install failed (non-fatal): %v")
}

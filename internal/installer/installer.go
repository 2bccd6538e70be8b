// Package installer ensures the test runner and its reporter plugins are
// resolvable from a workspace.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/testmind-dev/tmrun/internal/executor"
	"github.com/testmind-dev/tmrun/internal/log"
)

// PackageManager is the node package manager used for a repository.
type PackageManager string

const (
	PNPM PackageManager = "pnpm"
	Yarn PackageManager = "yarn"
	NPM  PackageManager = "npm"
)

// RunnerPackage is the test runner; ReporterPackages are resolved after it.
const RunnerPackage = "@playwright/test"

var ReporterPackages = []string{"allure-playwright", "allure-commandline", "allure-js-commons"}

// DetectPackageManager inspects lockfiles at repoRoot.
func DetectPackageManager(repoRoot string) PackageManager {
	switch {
	case exists(filepath.Join(repoRoot, "pnpm-lock.yaml")):
		return PNPM
	case exists(filepath.Join(repoRoot, "yarn.lock")):
		return Yarn
	default:
		return NPM
	}
}

// InstallArgs returns the silent full-install arguments for pm at repoRoot.
func InstallArgs(pm PackageManager, repoRoot string) []string {
	switch pm {
	case PNPM:
		return []string{"install", "--silent"}
	case Yarn:
		return []string{"install", "--silent", "--non-interactive"}
	}
	if exists(filepath.Join(repoRoot, "package-lock.json")) {
		return []string{"ci", "--silent"}
	}
	return []string{"install", "--silent"}
}

// AddArgs returns the dev-dependency add arguments. The workspace-root flag
// is used by pnpm only, and only when the target is the monorepo root.
func AddArgs(pm PackageManager, pkg string, workspaceRoot bool) []string {
	switch pm {
	case PNPM:
		if workspaceRoot {
			return []string{"add", "-Dw", pkg}
		}
		return []string{"add", "-D", pkg}
	case Yarn:
		return []string{"add", "-D", pkg}
	}
	return []string{"install", "-D", pkg}
}

// Resolvable reports whether pkg can be found from dir using node's lookup:
// node_modules/<pkg>/package.json in dir or any ancestor.
func Resolvable(dir, pkg string) bool {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for {
		if exists(filepath.Join(cur, "node_modules", filepath.FromSlash(pkg), "package.json")) {
			return true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return false
		}
		cur = parent
	}
}

// Options control when the full install is skipped.
type Options struct {
	// SkipInstall and Reuse skip the full install when node_modules already exists.
	SkipInstall bool
	Reuse       bool

	// UsingLocalRepo marks the live source tree; treated like Reuse.
	UsingLocalRepo bool

	// InstallBrowsers runs the best-effort browser install at the end.
	InstallBrowsers bool
}

// Installer runs package manager commands through a CommandRunner.
type Installer struct {
	runner executor.CommandRunner
	opts   Options

	// Logf receives per-run diagnostic lines. Optional.
	Logf func(format string, args ...any)
}

// New creates an Installer.
func New(runner executor.CommandRunner, opts Options) *Installer {
	return &Installer{runner: runner, opts: opts}
}

// Report describes what Ensure did.
type Report struct {
	PackageManager PackageManager
	Installed      bool
	Added          []string
}

// Ensure installs dependencies at repoRoot when needed and makes the runner
// and reporter packages resolvable from workspaceDir. Install and add
// failures are returned; the browser install is best effort.
func (i *Installer) Ensure(ctx context.Context, repoRoot, workspaceDir string) (*Report, error) {
	if workspaceDir == "" {
		workspaceDir = repoRoot
	}
	pm := DetectPackageManager(repoRoot)
	rep := &Report{PackageManager: pm}

	skipSignal := i.opts.SkipInstall || i.opts.Reuse || i.opts.UsingLocalRepo
	if skipSignal && exists(filepath.Join(repoRoot, "node_modules")) {
		i.logf("[runner] dependencies present, skipping install (pm=%s)", pm)
		log.Info(log.CatInstall, "Skipping install", "root", repoRoot, "pm", string(pm))
	} else {
		if err := i.exec(ctx, repoRoot, string(pm), InstallArgs(pm, repoRoot)); err != nil {
			return rep, fmt.Errorf("install dependencies: %w", err)
		}
		rep.Installed = true
	}

	atRoot := samePath(repoRoot, workspaceDir)
	for _, pkg := range append([]string{RunnerPackage}, ReporterPackages...) {
		if Resolvable(workspaceDir, pkg) {
			continue
		}
		if err := i.exec(ctx, workspaceDir, string(pm), AddArgs(pm, pkg, atRoot)); err != nil {
			return rep, fmt.Errorf("add %s: %w", pkg, err)
		}
		rep.Added = append(rep.Added, pkg)
	}

	if i.opts.InstallBrowsers {
		if err := i.exec(ctx, workspaceDir, "npx", []string{"-y", "playwright", "install", "--with-deps"}); err != nil {
			log.Warn(log.CatInstall, "Browser install failed", "error", err.Error())
			i.logf("[runner] browser install failed (non-fatal): %v", err)
		}
	}
	return rep, nil
}

func (i *Installer) exec(ctx context.Context, dir, name string, args []string) error {
	cmd := executor.Command{Name: name, Args: args, Dir: dir}
	i.logf("[runner] %s (cwd=%s)", cmd.String(), dir)
	log.Info(log.CatInstall, "Running", "cmd", cmd.String(), "dir", dir)

	res, err := i.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		msg := res.Stderr
		if msg == "" {
			msg = res.Stdout
		}
		return fmt.Errorf("%s exited with code %d: %s", cmd.String(), res.ExitCode, trimTail(msg, 2000))
	}
	return nil
}

func (i *Installer) logf(format string, args ...any) {
	if i.Logf != nil {
		i.Logf(format, args...)
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func samePath(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && ca == cb
}

func trimTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
